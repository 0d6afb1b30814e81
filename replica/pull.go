// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// deferredRow is a remote row whose merge was postponed because a row it
// references had not landed yet.
type deferredRow struct {
	table *Table
	row   map[string]any
}

// Pull runs one pull cycle. Lightweight cycles restrict each table fetch to
// rows newer than the last fully successful cycle (minus a lookback window);
// full cycles and bootstraps fetch everything.
//
// Concurrent callers queue up: cycles are serialized, never interleaved.
// The cycle is fail-closed: the anchor only advances for the parts that fully
// succeeded, so a failure leaves the replica stale but consistent, and a
// bootstrap that did not finish leaves the replica uninitialized.
func (e *Engine) Pull(ctx context.Context, lightweight bool) error {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	if !e.online.Load() {
		return nil
	}
	account, err := e.identity.AccountID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve account: %w", err)
	}
	if account == "" {
		e.logger.Debug("pull skipped: signed out")
		return nil
	}

	startedAt := nowMillis()
	anchor, err := e.store.LoadAnchor(ctx)
	if err != nil {
		return err
	}

	var snap *authority.Snapshot
	err = e.config.SnapshotRetry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		snap, ferr = e.remote.FetchSnapshot(ctx)
		return ferr
	})
	if err != nil {
		err = fmt.Errorf("failed to fetch authority snapshot: %w", err)
		e.setStatus(func(st *Status) { st.LastError = err.Error() })
		return err
	}

	plan := Arbitrate(e.store.Registry(), anchor, snap, account)
	if plan.Empty() {
		e.logger.Debug("pull skipped: replica is current")
		return nil
	}
	e.logger.Info("starting pull cycle",
		"bootstrap", plan.Bootstrap, "lightweight", lightweight, "tables", len(plan.Tables))

	e.setStatus(func(st *Status) { st.Syncing = true })
	defer e.setStatus(func(st *Status) { st.Syncing = false })

	var sinceTs int64
	if lightweight && !plan.Bootstrap {
		sinceTs = anchor.LastFullSync - e.config.DeltaLookback.Milliseconds()
		if sinceTs < 0 {
			sinceTs = 0
		}
	}

	planned := make(map[string]bool, len(plan.Tables))
	for _, t := range plan.Tables {
		planned[t.Name] = true
	}

	succeeded := make(map[string]bool, len(plan.Tables))
	var deferred []deferredRow
	var mu sync.Mutex

	for _, tier := range e.store.Registry().Tiers() {
		var todo []*Table
		for _, t := range tier {
			if planned[t.Name] {
				todo = append(todo, t)
			}
		}
		// Within a tier tables are independent; pull them in small
		// concurrent batches. Tiers themselves stay strictly sequential.
		for start := 0; start < len(todo); start += e.config.PullParallelism {
			end := start + e.config.PullParallelism
			if end > len(todo) {
				end = len(todo)
			}
			var wg sync.WaitGroup
			for _, tbl := range todo[start:end] {
				wg.Add(1)
				go func(tbl *Table) {
					defer wg.Done()
					d, err := e.pullTable(ctx, tbl, sinceTs)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						e.logger.Warn("table pull failed",
							"table", tbl.Name, "error", err)
						return
					}
					succeeded[tbl.Name] = true
					deferred = append(deferred, d...)
				}(tbl)
			}
			wg.Wait()
		}
	}

	// Second chance for rows deferred on dependency ordering: by now every
	// tier has been applied, so their parents should exist. A row that still
	// cannot land holds its table out of the committed set, so the next cycle
	// refetches it instead of skipping past it.
	for _, d := range deferred {
		applied, still, err := e.store.MergePage(ctx, d.table, []map[string]any{d.row})
		if err != nil || len(still) > 0 {
			e.logger.Warn("deferred row still unmergeable, holding table back",
				"table", d.table.Name, "applied", applied, "error", err)
			delete(succeeded, d.table.Name)
		}
	}

	if err := e.commitCycle(ctx, anchor, plan, succeeded, account, startedAt); err != nil {
		return err
	}
	e.refreshPending(ctx)
	return nil
}

// pullTable fetches and merges every page of one table.
func (e *Engine) pullTable(ctx context.Context, tbl *Table, sinceTs int64) ([]deferredRow, error) {
	var collected []deferredRow
	offset := 0
	for {
		rows, err := e.remote.FetchRows(ctx, tbl.Remote(), sinceTs, offset, e.config.PullPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s page at offset %d: %w", tbl.Remote(), offset, err)
		}
		if len(rows) == 0 {
			break
		}
		applied, deferred, err := e.store.MergePage(ctx, tbl, rows)
		if err != nil {
			return nil, err
		}
		for _, row := range deferred {
			collected = append(collected, deferredRow{table: tbl, row: row})
		}
		e.logger.Debug("merged page",
			"table", tbl.Name, "rows", len(rows), "applied", applied, "deferred", len(deferred))
		offset += len(rows)
		if len(rows) < e.config.PullPageSize {
			break
		}
	}
	return collected, nil
}

// commitCycle advances the anchor for the parts of the plan that succeeded,
// all in a single gated transaction.
//
//   - each shared table that succeeded moves its static version to the
//     snapshot's value;
//   - the owner token advances only when every owned table succeeded;
//   - is_initialized, the owning account, and the cycle start time are
//     recorded only when the entire plan succeeded.
func (e *Engine) commitCycle(ctx context.Context, anchor *Anchor, plan *PullPlan, succeeded map[string]bool, account string, startedAt int64) error {
	allOK := true
	ownedOK := true
	for _, t := range plan.Tables {
		if succeeded[t.Name] {
			continue
		}
		allOK = false
		if t.Ownership == Owned {
			ownedOK = false
		}
	}

	next := *anchor
	next.StaticVersions = make(map[string]int64, len(anchor.StaticVersions))
	for k, v := range anchor.StaticVersions {
		next.StaticVersions[k] = v
	}
	for _, t := range plan.Tables {
		if t.Ownership == Shared && succeeded[t.Name] {
			next.StaticVersions[t.Remote()] = plan.StaticTargets[t.Remote()]
		}
	}
	if ownedOK && (plan.OwnedStale || plan.Bootstrap) {
		next.OwnerToken = plan.OwnerToken
	}
	if allOK {
		next.IsInitialized = true
		next.LastFullSync = startedAt
		next.OwningAccountID = account
	}

	if err := e.store.CommitAnchor(ctx, &next); err != nil {
		return err
	}
	e.setStatus(func(st *Status) {
		st.Initialized = next.IsInitialized
		if allOK {
			st.LastSyncAt = startedAt
			st.LastError = ""
		} else {
			st.LastError = "pull cycle completed with failed tables"
		}
	})
	if !allOK {
		e.logger.Warn("pull cycle incomplete; anchor advanced only for successful tables")
	}
	return nil
}
