package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/loopwic/lattice/internal/detector"
	"github.com/loopwic/lattice/internal/metrics"
	"github.com/loopwic/lattice/internal/store"
	"github.com/loopwic/lattice/internal/types"
)

// failingAnomalyStore wraps a Memory store but always fails
// InsertAnomalies, to exercise the "log and continue" failure path.
type failingAnomalyStore struct {
	*store.Memory
}

func (f failingAnomalyStore) InsertAnomalies(ctx context.Context, serverID string, anomalies []types.Anomaly) error {
	return errors.New("insert anomalies: connection reset")
}

type fakeRuleSnapshotter struct {
	rules map[string]types.KeyItemRule
}

func (f fakeRuleSnapshotter) Snapshot() map[string]types.KeyItemRule { return f.rules }

type fakeAlerter struct {
	mu         sync.Mutex
	dispatched [][]types.Anomaly
}

func (f *fakeAlerter) Dispatch(ctx context.Context, anomalies []types.Anomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, anomalies)
	return nil
}

func (f *fakeAlerter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func newTestPipeline(alerts Alerter) (*Pipeline, store.Store) {
	mem := store.NewMemory()
	p := &Pipeline{
		Store:    mem,
		Detector: detector.New(),
		Rules:    fakeRuleSnapshotter{},
		Alerts:   alerts,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Params: detector.Params{
			TransferWindowMs:      2000,
			KeyItemWindowMs:       600_000,
			StrictPickupWindowMs:  30_000,
			StrictPickupThreshold: 256,
		},
	}
	return p, mem
}

func waitForDispatch(p *Pipeline) <-chan error {
	ch := make(chan error, 1)
	p.onDispatched = func(err error) { ch <- err }
	return ch
}

func TestIngestRejectsUnsupportedSchemaVersion(t *testing.T) {
	p, _ := newTestPipeline(&fakeAlerter{})
	_, err := p.Ingest(context.Background(), "server-01", types.IngestEnvelope{SchemaVersion: "v1"})
	require.Error(t, err)
}

func TestIngestPersistsEventsAndDetectsAnomalies(t *testing.T) {
	p, st := newTestPipeline(&fakeAlerter{})
	result, err := p.Ingest(context.Background(), "server-01", types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventAcquire, PlayerUUID: "A", ItemID: "mod:x", Count: 1, EventTimeMs: 1000},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.EventsAccepted)
	require.Len(t, result.Anomalies, 1)
	require.Equal(t, "R1", result.Anomalies[0].RuleID)

	count, err := st.CountAnomalies(context.Background(), types.AnomalyQuery{ServerID: "server-01"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestIngestSucceedsWhenAnomalyPersistenceFails(t *testing.T) {
	mem := store.NewMemory()
	p := &Pipeline{
		Store:    failingAnomalyStore{mem},
		Detector: detector.New(),
		Rules:    fakeRuleSnapshotter{},
		Alerts:   &fakeAlerter{},
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Params: detector.Params{
			TransferWindowMs:      2000,
			KeyItemWindowMs:       600_000,
			StrictPickupWindowMs:  30_000,
			StrictPickupThreshold: 256,
		},
	}

	result, err := p.Ingest(context.Background(), "server-01", types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventAcquire, PlayerUUID: "A", ItemID: "mod:x", Count: 1, EventTimeMs: 1000},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.EventsAccepted)
	require.Len(t, result.Anomalies, 1)
}

func TestIngestFiltersInvalidEventsBeforeCounting(t *testing.T) {
	p, _ := newTestPipeline(&fakeAlerter{})
	result, err := p.Ingest(context.Background(), "server-01", types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventAcquire, ItemID: "minecraft:air", Count: 1},
			{EventType: types.EventAcquire, ItemID: "mod:x", Count: 0},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.EventsAccepted)
	require.Empty(t, result.Anomalies)
}

func TestIngestDispatchesAlertInBackground(t *testing.T) {
	alerts := &fakeAlerter{}
	p, _ := newTestPipeline(alerts)
	done := waitForDispatch(p)

	_, err := p.Ingest(context.Background(), "server-01", types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventAcquire, PlayerUUID: "A", ItemID: "mod:x", Count: 1, EventTimeMs: 1000},
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected alert dispatch to run")
	}
	require.Equal(t, 1, alerts.calls())
}

func TestIngestSkipsDispatchWhenNoAnomalies(t *testing.T) {
	alerts := &fakeAlerter{}
	p, _ := newTestPipeline(alerts)

	_, err := p.Ingest(context.Background(), "server-01", types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventTransfer, PlayerUUID: "A", ItemID: "mod:x", Count: 1, EventTimeMs: 500},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, alerts.calls())
}

func TestIngestEventsCarryServerIDIntoAnomalies(t *testing.T) {
	p, st := newTestPipeline(&fakeAlerter{})
	_, err := p.Ingest(context.Background(), "server-42", types.IngestEnvelope{
		SchemaVersion: "v2",
		Events: []types.Event{
			{EventType: types.EventAcquire, PlayerUUID: "A", ItemID: "mod:x", Count: 1, EventTimeMs: 1000},
		},
	})
	require.NoError(t, err)

	got, err := st.FetchAnomalies(context.Background(), types.AnomalyQuery{ServerID: "server-42"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
