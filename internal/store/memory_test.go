package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopwic/lattice/internal/types"
)

func TestMemoryInsertAndFetchAnomalies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.InsertAnomalies(ctx, "server-01", []types.Anomaly{
		{EventTimeMs: 100, RuleID: "R1", RiskLevel: types.RiskHigh},
		{EventTimeMs: 200, RuleID: "R4", RiskLevel: types.RiskMedium},
	}))

	got, err := m.FetchAnomalies(ctx, types.AnomalyQuery{ServerID: "server-01"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "R4", got[0].RuleID, "newest first")

	count, err := m.CountAnomalies(ctx, types.AnomalyQuery{ServerID: "server-01", RuleID: "R1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestMemoryFetchAnomaliesFiltersByServer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertAnomalies(ctx, "server-a", []types.Anomaly{{RuleID: "R1"}}))
	require.NoError(t, m.InsertAnomalies(ctx, "server-b", []types.Anomaly{{RuleID: "R1"}}))

	got, err := m.FetchAnomalies(ctx, types.AnomalyQuery{ServerID: "server-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryFetchSummaryAggregatesByRuleAndRisk(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertAnomalies(ctx, "server-01", []types.Anomaly{
		{EventTimeMs: 100, RuleID: "R1", RiskLevel: types.RiskHigh},
		{EventTimeMs: 150, RuleID: "R1", RiskLevel: types.RiskHigh},
		{EventTimeMs: 200, RuleID: "R4", RiskLevel: types.RiskMedium},
	}))

	summary, err := m.FetchSummary(ctx, "server-01", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(3), summary.TotalAnomalies)
	require.Equal(t, uint64(2), summary.ByRuleID["R1"])
	require.Equal(t, uint64(1), summary.ByRiskLevel["MEDIUM"])
}

func TestMemoryStorageScanEventsOnlyIncludesWorldOrStorage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertEvents(ctx, "server-01", []types.Event{
		{EventTimeMs: 1, ItemID: "mod:gem", Count: 1, OriginType: "world_pickup"},
		{EventTimeMs: 2, ItemID: "mod:gem", Count: 1, StorageMod: "mod", StorageID: "chest-1"},
		{EventTimeMs: 3, ItemID: "mod:gem", Count: 1, OriginType: "craft"},
	}))

	rows, err := m.FetchStorageScanEvents(ctx, types.StorageScanQuery{ServerID: "server-01"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	count, err := m.CountStorageScanEvents(ctx, types.StorageScanQuery{ServerID: "server-01"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestMemoryPingAlwaysSucceeds(t *testing.T) {
	require.NoError(t, NewMemory().Ping(context.Background()))
}
