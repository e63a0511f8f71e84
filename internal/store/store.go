// Package store is the event and anomaly store (C1): a day-partitioned
// ClickHouse table pair for raw item events and detector findings, fronted
// by a narrow interface so the ingest and reporting paths can be exercised
// against an in-memory fake in tests.
package store

import (
	"context"

	"github.com/loopwic/lattice/internal/types"
)

// Store is the persistence boundary every other component depends on.
// ClickHouseStore and the in-memory Memory fake both satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	InsertEvents(ctx context.Context, serverID string, events []types.Event) error
	InsertAnomalies(ctx context.Context, serverID string, anomalies []types.Anomaly) error
	FetchAnomalies(ctx context.Context, q types.AnomalyQuery) ([]types.Anomaly, error)
	CountAnomalies(ctx context.Context, q types.AnomalyQuery) (uint64, error)
	FetchSummary(ctx context.Context, serverID string, sinceMs, untilMs int64) (types.ReportSummary, error)
	FetchStorageScanEvents(ctx context.Context, q types.StorageScanQuery) ([]types.StorageScanEventRow, error)
	CountStorageScanEvents(ctx context.Context, q types.StorageScanQuery) (uint64, error)
}

var _ Store = (*ClickHouseStore)(nil)
var _ Store = (*Memory)(nil)
