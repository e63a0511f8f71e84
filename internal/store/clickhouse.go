package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

// ClickHouseStore persists item events and anomalies to a pair of
// MergeTree tables, partitioned by day and ordered for the server/time
// range scans the reporting endpoints run.
type ClickHouseStore struct {
	conn driver.Conn
	db   string
}

// DSNConfig bundles the connection parameters needed to dial ClickHouse.
type DSNConfig struct {
	Addr     string
	Database string
	User     string
	Password string
}

// Open dials ClickHouse and returns a ready ClickHouseStore. It does not
// create tables; call EnsureSchema once at startup.
func Open(cfg DSNConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	return &ClickHouseStore{conn: conn, db: cfg.Database}, nil
}

// EnsureSchema creates the item_events and anomalies tables if they do not
// already exist. Safe to call on every startup.
func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS item_events (
			event_time DateTime64(3) CODEC(DoubleDelta, ZSTD),
			server_id LowCardinality(String),
			event_type LowCardinality(String),
			player_uuid String,
			player_name String,
			item_id String,
			count Int64,
			nbt_hash String,
			origin_id String,
			origin_type LowCardinality(String),
			origin_ref String,
			storage_mod LowCardinality(String),
			storage_id String,
			trace_id String
		) ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(event_time)
		ORDER BY (server_id, item_id, player_uuid, event_time)
		TTL toDateTime(event_time) + INTERVAL 180 DAY`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			event_time DateTime64(3) CODEC(DoubleDelta, ZSTD),
			server_id LowCardinality(String),
			player_uuid String,
			player_name String,
			item_id String,
			count Int64,
			risk_level LowCardinality(String),
			rule_id LowCardinality(String),
			reason String,
			evidence_json String
		) ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(event_time)
		ORDER BY (server_id, rule_id, event_time)
		TTL toDateTime(event_time) + INTERVAL 365 DAY`,
	}
	for _, stmt := range statements {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return errs.NewInternal(err)
		}
	}
	return nil
}

// Ping verifies connectivity for readiness checks.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return errs.NewInternal(err)
	}
	return nil
}

// InsertEvents batch-inserts raw item events for serverID.
func (s *ClickHouseStore) InsertEvents(ctx context.Context, serverID string, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO item_events")
	if err != nil {
		return errs.NewInternal(err)
	}
	for _, e := range events {
		sid := e.ServerID
		if sid == "" {
			sid = serverID
		}
		if err := batch.Append(
			time.UnixMilli(e.EventTimeMs),
			sid,
			e.EventType,
			e.PlayerUUID,
			e.PlayerName,
			e.ItemID,
			e.Count,
			e.NBTHash,
			e.OriginID,
			e.OriginType,
			e.OriginRef,
			e.StorageMod,
			e.StorageID,
			e.TraceID,
		); err != nil {
			return errs.NewInternal(err)
		}
	}
	if err := batch.Send(); err != nil {
		return errs.NewInternal(err)
	}
	return nil
}

// InsertAnomalies batch-inserts detector findings for serverID.
func (s *ClickHouseStore) InsertAnomalies(ctx context.Context, serverID string, anomalies []types.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO anomalies")
	if err != nil {
		return errs.NewInternal(err)
	}
	for _, a := range anomalies {
		sid := a.ServerID
		if sid == "" {
			sid = serverID
		}
		if err := batch.Append(
			time.UnixMilli(a.EventTimeMs),
			sid,
			a.PlayerUUID,
			a.PlayerName,
			a.ItemID,
			a.Count,
			a.RiskLevel,
			a.RuleID,
			a.Reason,
			a.EvidenceJSON,
		); err != nil {
			return errs.NewInternal(err)
		}
	}
	if err := batch.Send(); err != nil {
		return errs.NewInternal(err)
	}
	return nil
}

func anomalyWhere(q types.AnomalyQuery) (string, []any) {
	var clauses []string
	var args []any

	if q.ServerID != "" {
		clauses = append(clauses, "server_id = ?")
		args = append(args, q.ServerID)
	}
	if q.PlayerUUID != "" {
		clauses = append(clauses, "player_uuid = ?")
		args = append(args, q.PlayerUUID)
	}
	if q.RuleID != "" {
		clauses = append(clauses, "rule_id = ?")
		args = append(args, q.RuleID)
	}
	if q.RiskLevel != "" {
		clauses = append(clauses, "risk_level = ?")
		args = append(args, q.RiskLevel)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "event_time >= ?")
		args = append(args, time.UnixMilli(q.SinceMs))
	}
	if q.UntilMs > 0 {
		clauses = append(clauses, "event_time < ?")
		args = append(args, time.UnixMilli(q.UntilMs))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// FetchAnomalies runs a filtered, paginated scan of the anomalies table,
// newest first.
func (s *ClickHouseStore) FetchAnomalies(ctx context.Context, q types.AnomalyQuery) ([]types.Anomaly, error) {
	where, args := anomalyWhere(q)
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	query := fmt.Sprintf(
		`SELECT event_time, server_id, player_uuid, player_name, item_id, count, risk_level, rule_id, reason, evidence_json
		 FROM anomalies%s ORDER BY event_time DESC LIMIT %d OFFSET %d`,
		where, limit, q.Offset,
	)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	defer rows.Close()

	var out []types.Anomaly
	for rows.Next() {
		var a types.Anomaly
		var eventTime time.Time
		if err := rows.Scan(&eventTime, &a.ServerID, &a.PlayerUUID, &a.PlayerName, &a.ItemID, &a.Count, &a.RiskLevel, &a.RuleID, &a.Reason, &a.EvidenceJSON); err != nil {
			return nil, errs.NewInternal(err)
		}
		a.EventTimeMs = eventTime.UnixMilli()
		out = append(out, a)
	}
	return out, nil
}

// CountAnomalies runs the same filter as FetchAnomalies but returns only
// the matching row count.
func (s *ClickHouseStore) CountAnomalies(ctx context.Context, q types.AnomalyQuery) (uint64, error) {
	where, args := anomalyWhere(q)
	query := "SELECT count() FROM anomalies" + where

	row := s.conn.QueryRow(ctx, query, args...)
	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, errs.NewInternal(err)
	}
	return count, nil
}

// FetchSummary aggregates anomaly counts for serverID between sinceMs and
// untilMs, grouped by rule id and risk level.
func (s *ClickHouseStore) FetchSummary(ctx context.Context, serverID string, sinceMs, untilMs int64) (types.ReportSummary, error) {
	summary := types.ReportSummary{
		ServerID:    serverID,
		SinceMs:     sinceMs,
		UntilMs:     untilMs,
		ByRuleID:    map[string]uint64{},
		ByRiskLevel: map[string]uint64{},
	}

	rows, err := s.conn.Query(ctx,
		`SELECT rule_id, risk_level, count() FROM anomalies
		 WHERE server_id = ? AND event_time >= ? AND event_time < ?
		 GROUP BY rule_id, risk_level`,
		serverID, time.UnixMilli(sinceMs), time.UnixMilli(untilMs),
	)
	if err != nil {
		return summary, errs.NewInternal(err)
	}
	defer rows.Close()

	for rows.Next() {
		var ruleID, riskLevel string
		var n uint64
		if err := rows.Scan(&ruleID, &riskLevel, &n); err != nil {
			return summary, errs.NewInternal(err)
		}
		summary.ByRuleID[ruleID] += n
		summary.ByRiskLevel[riskLevel] += n
		summary.TotalAnomalies += n
	}
	return summary, nil
}

func storageScanWhere(q types.StorageScanQuery) (string, []any) {
	clauses := []string{"(origin_type = 'world_pickup' OR storage_id != '')"}
	var args []any

	if q.ServerID != "" {
		clauses = append(clauses, "server_id = ?")
		args = append(args, q.ServerID)
	}
	if q.StorageMod != "" {
		clauses = append(clauses, "storage_mod = ?")
		args = append(args, q.StorageMod)
	}
	if q.StorageID != "" {
		clauses = append(clauses, "storage_id = ?")
		args = append(args, q.StorageID)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "event_time >= ?")
		args = append(args, time.UnixMilli(q.SinceMs))
	}
	if q.UntilMs > 0 {
		clauses = append(clauses, "event_time < ?")
		args = append(args, time.UnixMilli(q.UntilMs))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// FetchStorageScanEvents lists raw container events feeding the storage
// scan task report.
func (s *ClickHouseStore) FetchStorageScanEvents(ctx context.Context, q types.StorageScanQuery) ([]types.StorageScanEventRow, error) {
	where, args := storageScanWhere(q)
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 500
	}

	query := fmt.Sprintf(
		`SELECT event_time, server_id, storage_mod, storage_id, item_id, count, player_uuid
		 FROM item_events%s ORDER BY event_time DESC LIMIT %d OFFSET %d`,
		where, limit, q.Offset,
	)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	defer rows.Close()

	var out []types.StorageScanEventRow
	for rows.Next() {
		var row types.StorageScanEventRow
		var eventTime time.Time
		if err := rows.Scan(&eventTime, &row.ServerID, &row.StorageMod, &row.StorageID, &row.ItemID, &row.Count, &row.PlayerUUID); err != nil {
			return nil, errs.NewInternal(err)
		}
		row.EventTimeMs = eventTime.UnixMilli()
		out = append(out, row)
	}
	return out, nil
}

// CountStorageScanEvents returns the count matching the same filter as
// FetchStorageScanEvents.
func (s *ClickHouseStore) CountStorageScanEvents(ctx context.Context, q types.StorageScanQuery) (uint64, error) {
	where, args := storageScanWhere(q)
	row := s.conn.QueryRow(ctx, "SELECT count() FROM item_events"+where, args...)
	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, errs.NewInternal(err)
	}
	return count, nil
}
