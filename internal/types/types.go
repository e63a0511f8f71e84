// Package types holds the shared data model for ingest events, rules,
// anomalies, and the configuration envelopes that flow between Lattice's
// components.
package types

import "strings"

// Event kinds recognized by the detector.
const (
	EventAcquire           = "ACQUIRE"
	EventTransfer          = "TRANSFER"
	EventInventorySnapshot = "INVENTORY_SNAPSHOT"
	EventStorageSnapshot   = "STORAGE_SNAPSHOT"
)

// Risk levels, ordered low to high.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Event is a single player-item event as decoded from an ingest batch.
type Event struct {
	EventID         string `json:"event_id"`
	EventTimeMs     int64  `json:"event_time_ms"`
	ServerID        string `json:"server_id,omitempty"`
	EventType       string `json:"event_type"`
	PlayerUUID      string `json:"player_uuid,omitempty"`
	PlayerName      string `json:"player_name,omitempty"`
	ItemID          string `json:"item_id"`
	Count           int64  `json:"count"`
	NBTHash         string `json:"nbt_hash,omitempty"`
	OriginID        string `json:"origin_id,omitempty"`
	OriginType      string `json:"origin_type,omitempty"`
	OriginRef       string `json:"origin_ref,omitempty"`
	StorageMod      string `json:"storage_mod,omitempty"`
	StorageID       string `json:"storage_id,omitempty"`
	ActorType       string `json:"actor_type,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
	ItemFingerprint string `json:"item_fingerprint,omitempty"`
	Dim             string `json:"dim,omitempty"`
	X               *int32 `json:"x,omitempty"`
	Y               *int32 `json:"y,omitempty"`
	Z               *int32 `json:"z,omitempty"`
}

// Fingerprint returns the event's item fingerprint, defaulting to
// "item_id:nbt_hash" when the field was not supplied on the wire.
func (e *Event) Fingerprint() string {
	if e.ItemFingerprint != "" {
		return e.ItemFingerprint
	}
	return e.ItemID + ":" + e.NBTHash
}

// Valid reports whether the event survives the detector's step-1 filter:
// non-blank item id, not minecraft:air, positive count.
func (e *Event) Valid() bool {
	if strings.TrimSpace(e.ItemID) == "" {
		return false
	}
	if e.ItemID == "minecraft:air" {
		return false
	}
	return e.Count > 0
}

// IsWorldPickup reports whether an ACQUIRE's origin identifies a dropped
// world item, either directly or via a "world" storage id.
func (e *Event) IsWorldPickup() bool {
	if e.OriginType == "world_pickup" {
		return true
	}
	return e.StorageID == "world"
}

// IngestEnvelope is the top-level ingest wire format.
type IngestEnvelope struct {
	SchemaVersion string  `json:"schema_version"`
	ServerID      string  `json:"server_id,omitempty"`
	Events        []Event `json:"events"`
}

// TransferRecord is the detector's memory of a TRANSFER event, kept until it
// ages out of the transfer window.
type TransferRecord struct {
	TimeMs          int64  `json:"time_ms"`
	PlayerUUID      string `json:"player_uuid"`
	PlayerName      string `json:"player_name,omitempty"`
	ItemFingerprint string `json:"item_fingerprint"`
	Count           int64  `json:"count"`
	StorageMod      string `json:"storage_mod,omitempty"`
	StorageID       string `json:"storage_id,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
}

// KeyItemRule is a configured per-item acquisition threshold.
type KeyItemRule struct {
	ItemID     string  `yaml:"item_id" json:"item_id"`
	Threshold  *uint64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	MaxPer10m  *uint64 `yaml:"max_per_10m,omitempty" json:"max_per_10m,omitempty"`
	RiskLevel  string  `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	Weight     *uint8  `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// EffectiveThreshold returns Threshold, falling back to the legacy
// MaxPer10m field, and finally 0 ("infinite / disabled").
func (r *KeyItemRule) EffectiveThreshold() uint64 {
	if r.Threshold != nil {
		return *r.Threshold
	}
	if r.MaxPer10m != nil {
		return *r.MaxPer10m
	}
	return 0
}

// EffectiveRiskLevel returns the normalized risk level, falling back to a
// weight-derived level, and finally MEDIUM.
func (r *KeyItemRule) EffectiveRiskLevel() string {
	if r.RiskLevel != "" {
		upper := strings.ToUpper(strings.TrimSpace(r.RiskLevel))
		if upper == "" {
			return RiskMedium
		}
		return upper
	}
	if r.Weight != nil && *r.Weight >= 8 {
		return RiskHigh
	}
	return RiskMedium
}

// Anomaly is a single detector finding.
type Anomaly struct {
	EventTimeMs  int64  `json:"event_time_ms"`
	ServerID     string `json:"server_id"`
	PlayerUUID   string `json:"player_uuid"`
	PlayerName   string `json:"player_name"`
	ItemID       string `json:"item_id"`
	Count        int64  `json:"count"`
	RiskLevel    string `json:"risk_level"`
	RuleID       string `json:"rule_id"`
	Reason       string `json:"reason"`
	EvidenceJSON string `json:"evidence_json"`
}

// ItemRegistryEntry describes an item known to the registry.
type ItemRegistryEntry struct {
	ItemID    string            `json:"item_id"`
	Namespace string            `json:"namespace,omitempty"`
	Path      string            `json:"path,omitempty"`
	Name      string            `json:"name,omitempty"`
	Names     map[string]string `json:"names,omitempty"`
}

// Normalize fills Namespace/Path from ItemID when they were not supplied.
func (e *ItemRegistryEntry) Normalize() {
	if e.Namespace != "" && e.Path != "" {
		return
	}
	ns, path, ok := strings.Cut(e.ItemID, ":")
	if !ok {
		return
	}
	if e.Namespace == "" {
		e.Namespace = ns
	}
	if e.Path == "" {
		e.Path = path
	}
}

// ModConfigEnvelope is the published configuration for one server.
type ModConfigEnvelope struct {
	ServerID       string `json:"server_id"`
	Revision       uint64 `json:"revision"`
	UpdatedAtMs    int64  `json:"updated_at_ms"`
	UpdatedBy      string `json:"updated_by"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	Config         any    `json:"config"`
}

// ModConfigPutRequest is the inbound payload for publishing a new envelope.
type ModConfigPutRequest struct {
	ServerID  string `json:"server_id,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
	Config    any    `json:"config"`
}

// ModConfigAck is the latest apply-status report from a server for its
// current revision.
type ModConfigAck struct {
	ServerID     string   `json:"server_id"`
	Revision     uint64   `json:"revision"`
	Status       string   `json:"status"`
	Message      string   `json:"message,omitempty"`
	AppliedAtMs  int64    `json:"applied_at_ms"`
	ChangedKeys  []string `json:"changed_keys,omitempty"`
}

// AlertDeliveryRecord summarizes the outcome of one alert delivery attempt
// sequence.
type AlertDeliveryRecord struct {
	TimestampMs int64    `json:"timestamp_ms"`
	Status      string   `json:"status"`
	Mode        string   `json:"mode"`
	Attempts    int      `json:"attempts"`
	AlertCount  int      `json:"alert_count"`
	RuleIDs     []string `json:"rule_ids"`
	Error       string   `json:"error,omitempty"`
}

// TargetsTotalBySource / DoneBySource track scan/audit progress broken down
// by the data source each count came from.
type TargetsTotalBySource struct {
	WorldContainers uint64 `json:"world_containers"`
	SbOffline       uint64 `json:"sb_offline"`
	Rs2Offline      uint64 `json:"rs2_offline"`
	OnlineRuntime   uint64 `json:"online_runtime"`
}

type DoneBySource struct {
	WorldContainers uint64 `json:"world_containers"`
	SbOffline       uint64 `json:"sb_offline"`
	Rs2Offline      uint64 `json:"rs2_offline"`
	OnlineRuntime   uint64 `json:"online_runtime"`
}

// TaskProgress is a snapshot of a long-running out-of-process job.
type TaskProgress struct {
	Running              bool                  `json:"running"`
	Total                uint64                `json:"total"`
	Done                 uint64                `json:"done"`
	UpdatedAtMs          int64                 `json:"updated_at"`
	ReasonCode           string                `json:"reason_code,omitempty"`
	ReasonMessage        string                `json:"reason_message,omitempty"`
	TargetsTotalBySource *TargetsTotalBySource `json:"targets_total_by_source,omitempty"`
	Phase                string                `json:"phase,omitempty"`
	DoneBySource         *DoneBySource         `json:"done_by_source,omitempty"`
	TraceID              string                `json:"trace_id,omitempty"`
	ThroughputPerSec     *float64              `json:"throughput_per_sec,omitempty"`
}

// TaskStatus bundles the two named long-running jobs Lattice tracks.
type TaskStatus struct {
	Audit TaskProgress `json:"audit"`
	Scan  TaskProgress `json:"scan"`
}

// TaskProgressUpdate is the inbound payload for updating a named task.
type TaskProgressUpdate struct {
	Task                 string                `json:"task"`
	Running              bool                  `json:"running"`
	Total                uint64                `json:"total"`
	Done                 uint64                `json:"done"`
	ReasonCode           string                `json:"reason_code,omitempty"`
	ReasonMessage        string                `json:"reason_message,omitempty"`
	TargetsTotalBySource *TargetsTotalBySource `json:"targets_total_by_source,omitempty"`
	Phase                string                `json:"phase,omitempty"`
	DoneBySource         *DoneBySource         `json:"done_by_source,omitempty"`
	TraceID              string                `json:"trace_id,omitempty"`
	ThroughputPerSec     *float64              `json:"throughput_per_sec,omitempty"`
}

// AnomalyQuery filters a fetch-anomalies request.
type AnomalyQuery struct {
	ServerID   string
	PlayerUUID string
	RuleID     string
	RiskLevel  string
	SinceMs    int64
	UntilMs    int64
	Limit      int
	Offset     int
}

// ReportSummary aggregates anomaly counts for a server over a time range.
type ReportSummary struct {
	ServerID       string         `json:"server_id"`
	SinceMs        int64          `json:"since_ms"`
	UntilMs        int64          `json:"until_ms"`
	TotalAnomalies uint64         `json:"total_anomalies"`
	ByRuleID       map[string]uint64 `json:"by_rule_id"`
	ByRiskLevel    map[string]uint64 `json:"by_risk_level"`
}

// StorageScanQuery filters a storage-scan events fetch.
type StorageScanQuery struct {
	ServerID   string
	StorageMod string
	StorageID  string
	SinceMs    int64
	UntilMs    int64
	Limit      int
	Offset     int
}

// StorageScanEventRow is a single stored-container event surfaced to the
// storage-scan task report.
type StorageScanEventRow struct {
	EventTimeMs int64  `json:"event_time_ms"`
	ServerID    string `json:"server_id"`
	StorageMod  string `json:"storage_mod"`
	StorageID   string `json:"storage_id"`
	ItemID      string `json:"item_id"`
	Count       int64  `json:"count"`
	PlayerUUID  string `json:"player_uuid,omitempty"`
}

// StorageScanRow aggregates per-storage-id totals for the storage scan
// report.
type StorageScanRow struct {
	StorageMod string `json:"storage_mod"`
	StorageID  string `json:"storage_id"`
	EventCount uint64 `json:"event_count"`
	TotalCount int64  `json:"total_count"`
}

// RconConfig is the (currently inert) RCON connection configuration, round
// tripped through C2's TOML file but never dialed by this repository.
type RconConfig struct {
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	Password string `toml:"password"`
	Enabled  bool   `toml:"enabled"`
	Source   string `toml:"source,omitempty"`
}

// DefaultRconConfig mirrors the original implementation's defaults.
func DefaultRconConfig() RconConfig {
	return RconConfig{Host: "127.0.0.1", Port: 25575, Enabled: false}
}
