package store

import (
	"context"
	"sync"

	"github.com/loopwic/lattice/internal/types"
)

// Memory is an in-process Store used by component tests that need a real
// persistence round trip without a ClickHouse server.
type Memory struct {
	mu        sync.Mutex
	events    []eventRow
	anomalies []types.Anomaly
}

type eventRow struct {
	serverID string
	event    types.Event
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) InsertEvents(ctx context.Context, serverID string, events []types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.events = append(m.events, eventRow{serverID: serverID, event: e})
	}
	return nil
}

func (m *Memory) InsertAnomalies(ctx context.Context, serverID string, anomalies []types.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range anomalies {
		if a.ServerID == "" {
			a.ServerID = serverID
		}
		m.anomalies = append(m.anomalies, a)
	}
	return nil
}

func (m *Memory) FetchAnomalies(ctx context.Context, q types.AnomalyQuery) ([]types.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Anomaly
	for i := len(m.anomalies) - 1; i >= 0; i-- {
		a := m.anomalies[i]
		if !matchAnomaly(a, q) {
			continue
		}
		out = append(out, a)
	}

	out = paginate(out, q.Limit, q.Offset)
	return out, nil
}

func (m *Memory) CountAnomalies(ctx context.Context, q types.AnomalyQuery) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count uint64
	for _, a := range m.anomalies {
		if matchAnomaly(a, q) {
			count++
		}
	}
	return count, nil
}

func matchAnomaly(a types.Anomaly, q types.AnomalyQuery) bool {
	if q.ServerID != "" && a.ServerID != q.ServerID {
		return false
	}
	if q.PlayerUUID != "" && a.PlayerUUID != q.PlayerUUID {
		return false
	}
	if q.RuleID != "" && a.RuleID != q.RuleID {
		return false
	}
	if q.RiskLevel != "" && a.RiskLevel != q.RiskLevel {
		return false
	}
	if q.SinceMs > 0 && a.EventTimeMs < q.SinceMs {
		return false
	}
	if q.UntilMs > 0 && a.EventTimeMs >= q.UntilMs {
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit <= 0 {
		limit = 200
	}
	if limit > len(items) {
		limit = len(items)
	}
	return items[:limit]
}

func (m *Memory) FetchSummary(ctx context.Context, serverID string, sinceMs, untilMs int64) (types.ReportSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := types.ReportSummary{
		ServerID:    serverID,
		SinceMs:     sinceMs,
		UntilMs:     untilMs,
		ByRuleID:    map[string]uint64{},
		ByRiskLevel: map[string]uint64{},
	}
	for _, a := range m.anomalies {
		if a.ServerID != serverID {
			continue
		}
		if sinceMs > 0 && a.EventTimeMs < sinceMs {
			continue
		}
		if untilMs > 0 && a.EventTimeMs >= untilMs {
			continue
		}
		summary.ByRuleID[a.RuleID]++
		summary.ByRiskLevel[a.RiskLevel]++
		summary.TotalAnomalies++
	}
	return summary, nil
}

func (m *Memory) FetchStorageScanEvents(ctx context.Context, q types.StorageScanQuery) ([]types.StorageScanEventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.StorageScanEventRow
	for i := len(m.events) - 1; i >= 0; i-- {
		row := m.events[i]
		e := row.event
		if !e.IsWorldPickup() && e.StorageID == "" {
			continue
		}
		if q.ServerID != "" && row.serverID != q.ServerID {
			continue
		}
		if q.StorageMod != "" && e.StorageMod != q.StorageMod {
			continue
		}
		if q.StorageID != "" && e.StorageID != q.StorageID {
			continue
		}
		if q.SinceMs > 0 && e.EventTimeMs < q.SinceMs {
			continue
		}
		if q.UntilMs > 0 && e.EventTimeMs >= q.UntilMs {
			continue
		}
		out = append(out, types.StorageScanEventRow{
			EventTimeMs: e.EventTimeMs,
			ServerID:    row.serverID,
			StorageMod:  e.StorageMod,
			StorageID:   e.StorageID,
			ItemID:      e.ItemID,
			Count:       e.Count,
			PlayerUUID:  e.PlayerUUID,
		})
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	return paginate(out, limit, q.Offset), nil
}

func (m *Memory) CountStorageScanEvents(ctx context.Context, q types.StorageScanQuery) (uint64, error) {
	rows, err := m.FetchStorageScanEvents(ctx, types.StorageScanQuery{
		ServerID: q.ServerID, StorageMod: q.StorageMod, StorageID: q.StorageID,
		SinceMs: q.SinceMs, UntilMs: q.UntilMs, Limit: 1 << 30,
	})
	if err != nil {
		return 0, err
	}
	return uint64(len(rows)), nil
}
