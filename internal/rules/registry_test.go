package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopwic/lattice/internal/types"
)

type fakePersister struct {
	saved []types.KeyItemRule
	err   error
}

func (f *fakePersister) SaveKeyItemRules(rules []types.KeyItemRule) error {
	if f.err != nil {
		return f.err
	}
	f.saved = rules
	return nil
}

func u64(v uint64) *uint64 { return &v }

func TestSnapshotReturnsIndependentCopy(t *testing.T) {
	reg := New(&fakePersister{}, []types.KeyItemRule{
		{ItemID: "mod:gem", Threshold: u64(5), RiskLevel: types.RiskHigh},
	})

	snap := reg.Snapshot()
	snap["mod:gem"] = types.KeyItemRule{ItemID: "mod:gem", Threshold: u64(999)}

	snap2 := reg.Snapshot()
	require.Equal(t, uint64(5), snap2["mod:gem"].EffectiveThreshold())
}

func TestReplacePersistsBeforeSwapping(t *testing.T) {
	p := &fakePersister{}
	reg := New(p, nil)

	err := reg.Replace([]types.KeyItemRule{
		{ItemID: "mod:gem", Threshold: u64(3), RiskLevel: "high"},
	})
	require.NoError(t, err)
	require.Len(t, p.saved, 1)
	require.Equal(t, types.RiskHigh, p.saved[0].RiskLevel, "risk level persisted in normalized (uppercased) form")

	snap := reg.Snapshot()
	require.Equal(t, uint64(3), snap["mod:gem"].EffectiveThreshold())
}

func TestReplaceRejectsDuplicateItemID(t *testing.T) {
	p := &fakePersister{}
	reg := New(p, []types.KeyItemRule{{ItemID: "mod:gem", Threshold: u64(1)}})

	err := reg.Replace([]types.KeyItemRule{
		{ItemID: "mod:gem", Threshold: u64(1)},
		{ItemID: "mod:gem", Threshold: u64(2)},
	})
	require.Error(t, err)
	require.Empty(t, p.saved, "rejected rule set must never reach the persister")

	snap := reg.Snapshot()
	require.Equal(t, uint64(1), snap["mod:gem"].EffectiveThreshold(), "registry untouched on validation failure")
}

func TestReplaceRejectsInvalidRiskLevel(t *testing.T) {
	reg := New(&fakePersister{}, nil)
	err := reg.Replace([]types.KeyItemRule{
		{ItemID: "mod:gem", Threshold: u64(1), RiskLevel: "CATASTROPHIC"},
	})
	require.Error(t, err)
}

func TestReplaceLeavesRegistryUntouchedOnPersistFailure(t *testing.T) {
	p := &fakePersister{err: errors.New("disk full")}
	reg := New(p, []types.KeyItemRule{{ItemID: "mod:gem", Threshold: u64(1)}})

	err := reg.Replace([]types.KeyItemRule{{ItemID: "mod:gem", Threshold: u64(99)}})
	require.Error(t, err)

	snap := reg.Snapshot()
	require.Equal(t, uint64(1), snap["mod:gem"].EffectiveThreshold())
}

func TestNewDropsBlankItemIDs(t *testing.T) {
	reg := New(&fakePersister{}, []types.KeyItemRule{
		{ItemID: "  ", Threshold: u64(1)},
		{ItemID: "mod:gem", Threshold: u64(2)},
	})
	list := reg.List()
	require.Len(t, list, 1)
	require.Equal(t, "mod:gem", list[0].ItemID)
}

func TestNormalizeLowercasesItemID(t *testing.T) {
	reg := New(&fakePersister{}, []types.KeyItemRule{
		{ItemID: "Mod:Gem", Threshold: u64(2)},
	})
	list := reg.List()
	require.Len(t, list, 1)
	require.Equal(t, "mod:gem", list[0].ItemID)
}

func TestReplaceRejectsEmptyItemID(t *testing.T) {
	reg := New(&fakePersister{}, nil)
	err := reg.Replace([]types.KeyItemRule{{ItemID: "  ", Threshold: u64(1)}})
	require.Error(t, err)
}

func TestReplaceRejectsItemIDMissingColon(t *testing.T) {
	reg := New(&fakePersister{}, nil)
	err := reg.Replace([]types.KeyItemRule{{ItemID: "modgem", Threshold: u64(1)}})
	require.Error(t, err)
}

func TestReplaceRejectsZeroThreshold(t *testing.T) {
	reg := New(&fakePersister{}, nil)
	err := reg.Replace([]types.KeyItemRule{{ItemID: "mod:gem", Threshold: u64(0)}})
	require.Error(t, err)
}

func TestReplaceLowercasesItemIDBeforePersisting(t *testing.T) {
	p := &fakePersister{}
	reg := New(p, nil)
	err := reg.Replace([]types.KeyItemRule{{ItemID: "Mod:Gem", Threshold: u64(1), RiskLevel: "high"}})
	require.NoError(t, err)
	require.Equal(t, "mod:gem", p.saved[0].ItemID)

	snap := reg.Snapshot()
	_, ok := snap["mod:gem"]
	require.True(t, ok)
}

func TestListIsSortedByItemID(t *testing.T) {
	reg := New(&fakePersister{}, []types.KeyItemRule{
		{ItemID: "mod:zeta", Threshold: u64(1)},
		{ItemID: "mod:alpha", Threshold: u64(1)},
	})
	list := reg.List()
	require.Equal(t, []string{"mod:alpha", "mod:zeta"}, []string{list[0].ItemID, list[1].ItemID})
}
