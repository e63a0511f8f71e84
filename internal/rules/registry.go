// Package rules implements the in-memory key-item rule registry: a
// concurrently readable snapshot of per-item thresholds that the detector
// consults on every batch, swapped atomically whenever an operator replaces
// the rule set.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loopwic/lattice/internal/errs"
	"github.com/loopwic/lattice/internal/types"
)

// Persister saves a normalized rule set to durable storage. configstore.FileRepository
// satisfies this.
type Persister interface {
	SaveKeyItemRules(rules []types.KeyItemRule) error
}

// Registry holds the current key-item rule set behind a reader/writer lock.
// Reads (Snapshot) never block on each other; Replace takes the write lock
// only for the duration of the in-memory swap, after the new set has
// already been validated and persisted.
type Registry struct {
	persister Persister

	mu    sync.RWMutex
	byID  map[string]types.KeyItemRule
	ruleList []types.KeyItemRule
}

// New returns a Registry backed by persister, initially loaded with rules.
// Unlike Replace, New has no way to report a load failure to its caller, so
// a malformed rule (the same conditions Replace would reject) is dropped
// rather than blocking startup.
func New(persister Persister, rules []types.KeyItemRule) *Registry {
	r := &Registry{persister: persister}
	normalized := normalizeAll(rules)
	valid := make([]types.KeyItemRule, 0, len(normalized))
	for _, rule := range normalized {
		if ruleProblem(rule) == "" {
			valid = append(valid, rule)
		}
	}
	r.byID, r.ruleList = index(valid)
	return r
}

// Snapshot returns the current rule set keyed by item id. The returned map
// is a fresh copy and safe for the caller to read without further locking.
func (r *Registry) Snapshot() map[string]types.KeyItemRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.KeyItemRule, len(r.byID))
	for k, v := range r.byID {
		out[k] = v
	}
	return out
}

// List returns the current rule set in its stored (sorted by item id) order.
func (r *Registry) List() []types.KeyItemRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.KeyItemRule, len(r.ruleList))
	copy(out, r.ruleList)
	return out
}

// Replace validates and normalizes the given rules, persists them, and only
// then swaps the in-memory registry. A validation failure leaves the
// current registry untouched.
func (r *Registry) Replace(incoming []types.KeyItemRule) error {
	normalized := normalizeAll(incoming)
	if err := validate(normalized); err != nil {
		return err
	}

	if r.persister != nil {
		if err := r.persister.SaveKeyItemRules(normalized); err != nil {
			return errs.NewInternal(err)
		}
	}

	byID, sorted := index(normalized)

	r.mu.Lock()
	r.byID = byID
	r.ruleList = sorted
	r.mu.Unlock()

	return nil
}

// normalizeAll trims and lowercases item_id (so "Mod:X" and "mod:x" match the
// same rule) and uppercases risk_level. It never filters: a malformed rule
// still comes out the other end, for validate (or ruleProblem) to judge.
func normalizeAll(in []types.KeyItemRule) []types.KeyItemRule {
	out := make([]types.KeyItemRule, len(in))
	copy(out, in)
	for i := range out {
		out[i].ItemID = strings.ToLower(strings.TrimSpace(out[i].ItemID))
		if out[i].RiskLevel != "" {
			out[i].RiskLevel = strings.ToUpper(strings.TrimSpace(out[i].RiskLevel))
		}
	}
	return out
}

// ruleProblem reports why rule is malformed on its own, or "" if it is
// well-formed. Duplicate item_id across a set is a property of the set, not
// of a single rule, and is checked separately by validate.
func ruleProblem(rule types.KeyItemRule) string {
	if rule.ItemID == "" {
		return "rule has empty item_id"
	}
	if !strings.Contains(rule.ItemID, ":") {
		return fmt.Sprintf("item_id missing ':' namespace separator: %s", rule.ItemID)
	}
	if rule.EffectiveThreshold() == 0 {
		return fmt.Sprintf("threshold must be greater than zero for %s", rule.ItemID)
	}
	switch rule.EffectiveRiskLevel() {
	case types.RiskLow, types.RiskMedium, types.RiskHigh:
	default:
		return fmt.Sprintf("invalid risk_level for %s: %s", rule.ItemID, rule.RiskLevel)
	}
	if rule.Weight != nil && *rule.Weight > 10 {
		return fmt.Sprintf("weight out of range for %s: %d", rule.ItemID, *rule.Weight)
	}
	return ""
}

func validate(rules []types.KeyItemRule) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if problem := ruleProblem(rule); problem != "" {
			return errs.NewBadRequest("%s", problem)
		}
		if seen[rule.ItemID] {
			return errs.NewBadRequest("duplicate item_id in rule set: %s", rule.ItemID)
		}
		seen[rule.ItemID] = true
	}
	return nil
}

func index(rules []types.KeyItemRule) (map[string]types.KeyItemRule, []types.KeyItemRule) {
	sorted := make([]types.KeyItemRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })

	byID := make(map[string]types.KeyItemRule, len(sorted))
	for _, rule := range sorted {
		byID[rule.ItemID] = rule
	}
	return byID, sorted
}

// String is useful in logs when a component needs to summarize the current
// rule set without dumping the whole thing.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("rules.Registry{count=%d}", len(r.ruleList))
}
