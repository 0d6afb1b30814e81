// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmemran121/FinOs-sub002/authority"
)

func planTables(p *PullPlan) []string {
	out := make([]string, 0, len(p.Tables))
	for _, t := range p.Tables {
		out = append(out, t.Name)
	}
	return out
}

func TestArbitrateBootstrapCoversEverything(t *testing.T) {
	reg := testRegistry(t)
	anchor := &Anchor{StaticVersions: map[string]int64{}}
	snap := &authority.Snapshot{
		OwnerToken:     7,
		StaticVersions: map[string]int64{"currencies": 3, "categories": 5},
	}

	plan := Arbitrate(reg, anchor, snap, "acct-1")
	require.True(t, plan.Bootstrap)
	require.False(t, plan.Empty())
	require.Equal(t,
		[]string{"currencies", "categories", "channels", "wallets", "transactions"},
		planTables(plan))
	require.Equal(t, int64(7), plan.OwnerToken)
	require.Equal(t, int64(3), plan.StaticTargets["currencies"])
}

func TestArbitrateEqualPositionsIsEmpty(t *testing.T) {
	reg := testRegistry(t)
	anchor := &Anchor{
		IsInitialized:   true,
		OwnerToken:      7,
		OwningAccountID: "acct-1",
		StaticVersions:  map[string]int64{"currencies": 3, "categories": 5},
	}
	snap := &authority.Snapshot{
		OwnerToken:     7,
		StaticVersions: map[string]int64{"currencies": 3, "categories": 5},
	}

	plan := Arbitrate(reg, anchor, snap, "acct-1")
	require.True(t, plan.Empty())
}

func TestArbitrateOwnerTokenAheadSelectsOwnedTables(t *testing.T) {
	reg := testRegistry(t)
	anchor := &Anchor{
		IsInitialized:   true,
		OwnerToken:      7,
		OwningAccountID: "acct-1",
		StaticVersions:  map[string]int64{"currencies": 3, "categories": 5},
	}
	snap := &authority.Snapshot{
		OwnerToken:     9,
		StaticVersions: map[string]int64{"currencies": 3, "categories": 5},
	}

	plan := Arbitrate(reg, anchor, snap, "acct-1")
	require.False(t, plan.Bootstrap)
	require.True(t, plan.OwnedStale)
	require.Equal(t, []string{"channels", "wallets", "transactions"}, planTables(plan))
}

func TestArbitrateStaleSharedTableSelectsJustThatTable(t *testing.T) {
	reg := testRegistry(t)
	anchor := &Anchor{
		IsInitialized:   true,
		OwnerToken:      7,
		OwningAccountID: "acct-1",
		StaticVersions:  map[string]int64{"currencies": 3, "categories": 5},
	}
	snap := &authority.Snapshot{
		OwnerToken:     7,
		StaticVersions: map[string]int64{"currencies": 4, "categories": 5},
	}

	plan := Arbitrate(reg, anchor, snap, "acct-1")
	require.Equal(t, []string{"currencies"}, planTables(plan))
	require.Equal(t, int64(4), plan.StaticTargets["currencies"])
	_, listed := plan.StaticTargets["categories"]
	require.False(t, listed)
}

func TestArbitrateAccountSwitchForcesBootstrap(t *testing.T) {
	reg := testRegistry(t)
	anchor := &Anchor{
		IsInitialized:   true,
		OwnerToken:      7,
		OwningAccountID: "acct-1",
		StaticVersions:  map[string]int64{"currencies": 3},
	}
	snap := &authority.Snapshot{
		OwnerToken:     2,
		StaticVersions: map[string]int64{"currencies": 3},
	}

	plan := Arbitrate(reg, anchor, snap, "acct-2")
	require.True(t, plan.Bootstrap)
	require.Len(t, plan.Tables, 5)
}
