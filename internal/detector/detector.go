// Package detector implements the streaming anomaly-detection engine: a
// single-threaded, in-memory, sliding-window state machine that correlates
// TRANSFER and ACQUIRE events and emits typed anomaly records.
//
// All windowed state is owned exclusively by the Detector and mutated only
// while holding its lock; AnalyzeBatch never suspends, so the lock is held
// for the duration of exactly one batch.
package detector

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/loopwic/lattice/internal/types"
)

// Fixed rule constants, not configurable per spec.md §4.1.
const (
	dupPickupWindowMs    = 15_000
	dupPickupThreshold   = 2
	auditWindowMs        = 30_000
	auditThreshold       = 16
	r3CrossPlayerWindow  = 10_000
	r5WindowMs           = 30_000
	r8WindowMs           = 6 * 60 * 60 * 1000
)

var originWhitelist = map[string]bool{
	"world_pickup":     true,
	"container_click":  true,
	"storage_transfer": true,
	"craft":            true,
	"smelt":            true,
	"trade":            true,
	"loot":             true,
	"barter":           true,
	"fishing":          true,
	"smithing":         true,
	"stonecutting":     true,
	"grindstone":       true,
	"anvil":            true,
	"brewing":          true,
	"loom":             true,
	"cartography":      true,
	"enchant":          true,
	"inventory_audit":  true,
	"command":          true,
}

type playerItemKey struct {
	player string
	item   string
}

type playerItemNbtKey struct {
	player string
	item   string
	nbt    string
}

type originRecord struct {
	player string
	timeMs int64
}

type countRecord struct {
	timeMs int64
	count  int64
}

// Detector holds all sliding-window state exclusively behind mu. Zero value
// is ready to use.
type Detector struct {
	mu sync.Mutex

	transferCache []types.TransferRecord

	originSeen          map[string]originRecord
	keyItemWindows      map[playerItemKey][]int64
	pickupWindows       map[playerItemNbtKey][]int64
	auditWindows        map[playerItemNbtKey][]countRecord
	strictPickupWindows map[playerItemKey][]countRecord
}

// New returns a ready-to-use Detector.
func New() *Detector {
	return &Detector{
		originSeen:          make(map[string]originRecord),
		keyItemWindows:      make(map[playerItemKey][]int64),
		pickupWindows:       make(map[playerItemNbtKey][]int64),
		auditWindows:        make(map[playerItemNbtKey][]countRecord),
		strictPickupWindows: make(map[playerItemKey][]countRecord),
	}
}

// Params bundles the four configurable window parameters, all in
// milliseconds save for the pickup threshold which is a plain count.
type Params struct {
	TransferWindowMs       int64
	KeyItemWindowMs        int64
	StrictPickupWindowMs   int64
	StrictPickupThreshold  int64
}

// AnalyzeBatch evicts state that has aged out as of the batch's own latest
// event_time_ms, then folds events in batch order into the detector's
// windows, returning every anomaly emitted. events need not be pre-sorted:
// each event's own EventTimeMs is used as "now" for that event's own window
// arithmetic. The detector never reads the system clock, so AnalyzeBatch is
// a pure function of its current state and its arguments.
func (d *Detector) AnalyzeBatch(events []types.Event, rules map[string]types.KeyItemRule, p Params) []types.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(events) > 0 {
		d.cleanup(batchNow(events), p)
	}

	var anomalies []types.Anomaly
	for i := range events {
		anomalies = append(anomalies, d.analyzeEvent(&events[i], rules, p)...)
	}
	return anomalies
}

// batchNow is the latest event_time_ms present in the batch, used as the
// reference point for the pre-batch eviction pass.
func batchNow(events []types.Event) int64 {
	now := events[0].EventTimeMs
	for _, e := range events[1:] {
		if e.EventTimeMs > now {
			now = e.EventTimeMs
		}
	}
	return now
}

func (d *Detector) analyzeEvent(event *types.Event, rules map[string]types.KeyItemRule, p Params) []types.Anomaly {
	if !event.Valid() {
		return nil
	}

	switch event.EventType {
	case types.EventInventorySnapshot, types.EventStorageSnapshot:
		return d.analyzeSnapshot(event, rules)
	case types.EventTransfer:
		d.recordTransfer(event)
		return nil
	case types.EventAcquire:
		return d.analyzeAcquire(event, rules, p)
	default:
		return nil
	}
}

func (d *Detector) analyzeSnapshot(event *types.Event, rules map[string]types.KeyItemRule) []types.Anomaly {
	rule, ok := rules[strings.ToLower(event.ItemID)]
	if !ok {
		return nil
	}
	threshold := rule.EffectiveThreshold()
	if threshold == 0 || uint64(event.Count) <= threshold {
		return nil
	}
	risk := rule.EffectiveRiskLevel()
	ruleID, reason := "R9", "Inventory snapshot exceeds threshold"
	if event.EventType == types.EventStorageSnapshot {
		ruleID, reason = "R12", "Storage snapshot exceeds threshold"
	}
	return []types.Anomaly{d.buildAnomaly(event, risk, ruleID, reason, nil)}
}

func (d *Detector) recordTransfer(event *types.Event) {
	d.transferCache = append(d.transferCache, types.TransferRecord{
		TimeMs:          event.EventTimeMs,
		PlayerUUID:      event.PlayerUUID,
		PlayerName:      event.PlayerName,
		ItemFingerprint: event.Fingerprint(),
		Count:           event.Count,
		StorageMod:      event.StorageMod,
		StorageID:       event.StorageID,
		TraceID:         event.TraceID,
	})
}

// findTransfer searches transferCache from most-recent to oldest for the
// first record matching player, fingerprint, count within the window.
func (d *Detector) findTransfer(player, fingerprint string, count, windowMs, eventTime int64) *types.TransferRecord {
	for i := len(d.transferCache) - 1; i >= 0; i-- {
		r := &d.transferCache[i]
		if r.PlayerUUID != player || r.ItemFingerprint != fingerprint || r.Count != count {
			continue
		}
		delta := eventTime - r.TimeMs
		if delta < 0 {
			delta = -delta
		}
		if delta <= windowMs {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (d *Detector) analyzeAcquire(event *types.Event, rules map[string]types.KeyItemRule, p Params) []types.Anomaly {
	var anomalies []types.Anomaly

	player := event.PlayerUUID
	fingerprint := event.Fingerprint()
	transfer := d.findTransfer(player, fingerprint, event.Count, p.TransferWindowMs, event.EventTimeMs)
	hasTransfer := transfer != nil

	if event.OriginID == "" && !hasTransfer {
		anomalies = append(anomalies, d.buildAnomaly(event, types.RiskHigh, "R1", "ACQUIRE missing origin and no transfer match", transfer))
	}

	if event.OriginType != "" && !originWhitelist[event.OriginType] && !hasTransfer {
		anomalies = append(anomalies, d.buildAnomaly(event, types.RiskHigh, "R2", "ACQUIRE origin_type not in whitelist", transfer))
	}

	if event.OriginID != "" {
		if prev, ok := d.originSeen[event.OriginID]; ok {
			delta := event.EventTimeMs - prev.timeMs
			if delta < 0 {
				delta = -delta
			}
			if prev.player != player && delta < r3CrossPlayerWindow {
				anomalies = append(anomalies, d.buildAnomaly(event, types.RiskHigh, "R3", "Duplicate origin_id across players", transfer))
			} else if prev.player == player && !hasTransfer && event.IsWorldPickup() {
				switch {
				case delta < r5WindowMs:
					anomalies = append(anomalies, d.buildAnomaly(event, types.RiskMedium, "R5", "Origin id reused by same player (possible duplication)", transfer))
				case delta < r8WindowMs:
					anomalies = append(anomalies, d.buildAnomaly(event, types.RiskMedium, "R8", "Origin id reused by same player (long window)", transfer))
				}
			}
		}
		d.originSeen[event.OriginID] = originRecord{player: player, timeMs: event.EventTimeMs}
	}

	if !hasTransfer && event.IsWorldPickup() {
		key := playerItemNbtKey{player: player, item: event.ItemID, nbt: event.NBTHash}
		window := append(d.pickupWindows[key], event.EventTimeMs)
		window = evictOlderThan(window, event.EventTimeMs, dupPickupWindowMs)
		d.pickupWindows[key] = window
		if len(window) == dupPickupThreshold {
			anomalies = append(anomalies, d.buildAnomaly(event, types.RiskMedium, "R6", "Rapid repeated world pickup of identical item", transfer))
		}
	}

	if p.StrictPickupWindowMs > 0 && p.StrictPickupThreshold > 0 && !hasTransfer && event.IsWorldPickup() {
		key := playerItemKey{player: player, item: event.ItemID}
		window := append(d.strictPickupWindows[key], countRecord{timeMs: event.EventTimeMs, count: event.Count})
		window = evictCountsOlderThan(window, event.EventTimeMs, p.StrictPickupWindowMs)
		var sum int64
		for _, rec := range window {
			sum += rec.count
		}
		if sum >= p.StrictPickupThreshold {
			anomalies = append(anomalies, d.buildAnomaly(event, types.RiskHigh, "R10", "Large world pickup volume in short window", transfer))
			window = nil
		}
		d.strictPickupWindows[key] = window
	}

	if event.OriginType == "inventory_audit" && !hasTransfer {
		key := playerItemNbtKey{player: player, item: event.ItemID, nbt: event.NBTHash}
		window := d.auditWindows[key]
		var sumBefore int64
		for _, rec := range window {
			sumBefore += rec.count
		}
		window = append(window, countRecord{timeMs: event.EventTimeMs, count: event.Count})
		window = evictCountsOlderThan(window, event.EventTimeMs, auditWindowMs)
		var sumAfter int64
		for _, rec := range window {
			sumAfter += rec.count
		}
		d.auditWindows[key] = window
		if sumBefore < auditThreshold && sumAfter >= auditThreshold {
			anomalies = append(anomalies, d.buildAnomaly(event, types.RiskHigh, "R7", "Inventory gain without source (rapid increase)", transfer))
		}
	}

	if rule, ok := rules[strings.ToLower(event.ItemID)]; ok {
		threshold := rule.EffectiveThreshold()
		if threshold != 0 {
			key := playerItemKey{player: player, item: event.ItemID}
			window := d.keyItemWindows[key]
			for n := int64(0); n < event.Count; n++ {
				window = append(window, event.EventTimeMs)
			}
			window = evictOlderThan(window, event.EventTimeMs, p.KeyItemWindowMs)
			d.keyItemWindows[key] = window
			if uint64(len(window)) > threshold {
				anomalies = append(anomalies, d.buildAnomaly(event, rule.EffectiveRiskLevel(), "R4", "Rare item threshold exceeded", transfer))
			}
		}
	}

	if hasTransfer {
		anomalies = append(anomalies, d.buildAnomaly(event, types.RiskLow, "R0", "Matched transfer chain", transfer))
	}

	return anomalies
}

func (d *Detector) buildAnomaly(event *types.Event, risk, ruleID, reason string, transfer *types.TransferRecord) types.Anomaly {
	evidence := map[string]any{
		"transfer":   transfer,
		"origin_id":  nullableString(event.OriginID),
		"origin_type": nullableString(event.OriginType),
		"origin_ref": nullableString(event.OriginRef),
		"trace_id":   nullableString(event.TraceID),
	}
	raw, _ := json.Marshal(evidence)
	return types.Anomaly{
		EventTimeMs:  event.EventTimeMs,
		ServerID:     event.ServerID,
		PlayerUUID:   event.PlayerUUID,
		PlayerName:   event.PlayerName,
		ItemID:       event.ItemID,
		Count:        event.Count,
		RiskLevel:    risk,
		RuleID:       ruleID,
		Reason:       reason,
		EvidenceJSON: string(raw),
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// cleanup evicts records older than their relevant window as of now (the
// batch's latest event_time_ms, see batchNow), dropping any map entry whose
// window emptied. originSeen entries are not evicted.
func (d *Detector) cleanup(now int64, p Params) {
	d.transferCache = evictTransfersOlderThan(d.transferCache, now, p.TransferWindowMs)

	for key, window := range d.keyItemWindows {
		window = evictOlderThan(window, now, p.KeyItemWindowMs)
		if len(window) == 0 {
			delete(d.keyItemWindows, key)
		} else {
			d.keyItemWindows[key] = window
		}
	}

	for key, window := range d.pickupWindows {
		window = evictOlderThan(window, now, dupPickupWindowMs)
		if len(window) == 0 {
			delete(d.pickupWindows, key)
		} else {
			d.pickupWindows[key] = window
		}
	}

	for key, window := range d.auditWindows {
		window = evictCountsOlderThan(window, now, auditWindowMs)
		if len(window) == 0 {
			delete(d.auditWindows, key)
		} else {
			d.auditWindows[key] = window
		}
	}

	if p.StrictPickupWindowMs > 0 {
		for key, window := range d.strictPickupWindows {
			window = evictCountsOlderThan(window, now, p.StrictPickupWindowMs)
			if len(window) == 0 {
				delete(d.strictPickupWindows, key)
			} else {
				d.strictPickupWindows[key] = window
			}
		}
	}
}

func evictOlderThan(window []int64, now, windowMs int64) []int64 {
	i := 0
	for i < len(window) && now-window[i] > windowMs {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]int64(nil), window[i:]...)
}

func evictCountsOlderThan(window []countRecord, now, windowMs int64) []countRecord {
	i := 0
	for i < len(window) && now-window[i].timeMs > windowMs {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]countRecord(nil), window[i:]...)
}

func evictTransfersOlderThan(window []types.TransferRecord, now, windowMs int64) []types.TransferRecord {
	i := 0
	for i < len(window) && now-window[i].TimeMs > windowMs {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]types.TransferRecord(nil), window[i:]...)
}
