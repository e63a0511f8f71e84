// Package tasks persists the progress of the two long-running
// out-of-process jobs Lattice tracks for operators: a key-item audit and a
// world storage scan. Both report through the same small JSON snapshot
// file, the way the original backend's task_progress_commands keeps a
// single status document per job.
package tasks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

const fileName = "task_status.json"

const (
	TaskAudit = "audit"
	TaskScan  = "scan"
)

// Store is a file-backed, mutex-serialized reader/writer of TaskStatus.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() int64
}

// New returns a Store rooted at dir (typically report_dir).
func New(dir string) *Store {
	return &Store{dir: dir, now: wallClockMs}
}

func (s *Store) path() string { return filepath.Join(s.dir, fileName) }

// Get returns the current snapshot for the named task ("audit" or "scan").
func (s *Store) Get(task string) (types.TaskProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.load()
	if err != nil {
		return types.TaskProgress{}, err
	}
	return pick(status, task)
}

// Put replaces the named task's snapshot, stamping UpdatedAtMs, and
// persists the whole TaskStatus document.
func (s *Store) Put(update types.TaskProgressUpdate) (types.TaskProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.load()
	if err != nil {
		return types.TaskProgress{}, err
	}

	progress := types.TaskProgress{
		Running:              update.Running,
		Total:                update.Total,
		Done:                 update.Done,
		UpdatedAtMs:          s.now(),
		ReasonCode:           update.ReasonCode,
		ReasonMessage:        update.ReasonMessage,
		TargetsTotalBySource: update.TargetsTotalBySource,
		Phase:                update.Phase,
		DoneBySource:         update.DoneBySource,
		TraceID:              update.TraceID,
		ThroughputPerSec:     update.ThroughputPerSec,
	}

	switch update.Task {
	case TaskAudit:
		status.Audit = progress
	case TaskScan:
		status.Scan = progress
	default:
		return types.TaskProgress{}, errs.NewBadRequest("unknown task %q", update.Task)
	}

	if err := s.save(status); err != nil {
		return types.TaskProgress{}, err
	}
	return progress, nil
}

func pick(status types.TaskStatus, task string) (types.TaskProgress, error) {
	switch task {
	case TaskAudit:
		return status.Audit, nil
	case TaskScan:
		return status.Scan, nil
	default:
		return types.TaskProgress{}, errs.NewBadRequest("unknown task %q", task)
	}
}

func (s *Store) load() (types.TaskStatus, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return types.TaskStatus{}, nil
	}
	if err != nil {
		return types.TaskStatus{}, errs.NewInternal(err)
	}

	var status types.TaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return types.TaskStatus{}, errs.NewInternal(err)
	}
	return status, nil
}

func (s *Store) save(status types.TaskStatus) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errs.NewInternal(err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return errs.NewInternal(err)
	}

	tmp, err := os.CreateTemp(s.dir, "task_status-*.tmp")
	if err != nil {
		return errs.NewInternal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.NewInternal(err)
	}
	if err := tmp.Close(); err != nil {
		return errs.NewInternal(err)
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return errs.NewInternal(err)
	}
	return nil
}
