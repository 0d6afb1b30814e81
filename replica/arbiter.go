// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import "github.com/hmemran121/FinOs-sub002/authority"

// PullPlan is the arbiter's verdict: which tables a cycle must refresh and
// the anchor values to commit for the parts that succeed. An empty Tables
// slice on a non-bootstrap plan means the replica is already current.
type PullPlan struct {
	// Bootstrap is set when the replica has no committed anchor for this
	// account and must fetch everything from scratch.
	Bootstrap bool
	// Tables lists the tables requiring refresh, in registry order.
	Tables []*Table
	// OwnedStale is set when the authority's owner token is ahead of ours.
	OwnedStale bool
	// OwnerToken is the token to commit once every owned table succeeds.
	OwnerToken int64
	// StaticTargets maps each stale shared table to the version to commit
	// once that table succeeds.
	StaticTargets map[string]int64
}

// Empty reports whether the cycle has nothing to do.
func (p *PullPlan) Empty() bool {
	return !p.Bootstrap && len(p.Tables) == 0
}

// Arbitrate compares the local anchor against the authority snapshot and
// decides what the coming cycle must fetch.
//
// An uninitialized anchor, or one committed under a different account, forces
// a bootstrap covering every table. Otherwise owned tables are stale exactly
// when the authority's owner token is ahead of the anchor's, and each shared
// table is stale exactly when its static version is ahead of the version the
// anchor recorded for it. Equal positions produce an empty plan, which is
// what makes repeated pulls against an unchanged authority no-ops.
func Arbitrate(reg *Registry, anchor *Anchor, snap *authority.Snapshot, accountID string) *PullPlan {
	plan := &PullPlan{
		OwnerToken:    snap.OwnerToken,
		StaticTargets: make(map[string]int64),
	}
	plan.Bootstrap = !anchor.IsInitialized ||
		(anchor.OwningAccountID != "" && anchor.OwningAccountID != accountID)
	plan.OwnedStale = snap.OwnerToken > anchor.OwnerToken

	for _, t := range reg.Tables() {
		switch t.Ownership {
		case Owned:
			if plan.Bootstrap || plan.OwnedStale {
				plan.Tables = append(plan.Tables, t)
			}
		case Shared:
			target := snap.StaticVersions[t.Remote()]
			if plan.Bootstrap || target > anchor.StaticVersions[t.Remote()] {
				plan.Tables = append(plan.Tables, t)
				plan.StaticTargets[t.Remote()] = target
			}
		}
	}
	return plan
}
