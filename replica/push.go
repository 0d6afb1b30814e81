// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// ErrRemoteAhead marks a push rejected by the optimistic pre-flight check:
// the authority already holds a newer version of the row. The item is marked
// failed and the next pull converges the local copy; no remote write happens.
var ErrRemoteAhead = errors.New("remote version ahead of local")

// Push drains the outbox in enqueue order. Only one pass runs at a time; a
// call while a pass is active returns immediately.
//
// Items are processed strictly oldest-first in batches. An optimistic
// conflict fails only the item it hit; any other error fails the item and
// halts the pass, because later items may depend on rows the failed one was
// meant to create. After a pass that pushed anything, a pulse is emitted so
// peer devices pull promptly.
func (e *Engine) Push(ctx context.Context) error {
	if !e.pushMu.TryLock() {
		return nil
	}
	defer e.pushMu.Unlock()

	if !e.online.Load() {
		return nil
	}
	account, err := e.identity.AccountID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve account: %w", err)
	}
	if account == "" {
		e.logger.Debug("push skipped: signed out")
		return nil
	}

	e.setStatus(func(st *Status) { st.Syncing = true })
	defer e.setStatus(func(st *Status) { st.Syncing = false })

	pushed := 0
	var haltErr error

loop:
	for {
		items, err := e.store.PendingItems(ctx, e.config.PushBatchSize)
		if err != nil {
			haltErr = err
			break
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if err := e.store.MarkQueueStatus(ctx, item.ID, StatusSyncing); err != nil {
				haltErr = err
				break loop
			}
			err := e.pushItem(ctx, account, item)
			switch {
			case err == nil:
				if err := e.store.MarkQueueStatus(ctx, item.ID, StatusSynced); err != nil {
					haltErr = err
					break loop
				}
				pushed++
			case errors.Is(err, ErrRemoteAhead):
				// The authority moved on; drop our copy of the edit and let
				// the next pull bring the winning row down.
				e.logger.Info("push rejected, remote ahead",
					"entity", item.Entity, "pk", item.EntityID)
				if err := e.store.MarkQueueFailed(ctx, item.ID); err != nil {
					haltErr = err
					break loop
				}
			default:
				e.logger.Warn("push failed, halting pass",
					"entity", item.Entity, "pk", item.EntityID, "error", err)
				if merr := e.store.MarkQueueFailed(ctx, item.ID); merr != nil {
					haltErr = merr
					break loop
				}
				haltErr = err
				break loop
			}
		}
		if len(items) < e.config.PushBatchSize {
			break
		}
	}

	if removed, err := e.store.CollectQueueGarbage(ctx, e.config.QueueRetention); err != nil {
		e.logger.Warn("queue garbage collection failed", "error", err)
	} else if removed > 0 {
		e.logger.Debug("collected synced queue items", "removed", removed)
	}

	e.refreshPending(ctx)
	if haltErr != nil {
		e.setStatus(func(st *Status) { st.LastError = haltErr.Error() })
		return haltErr
	}
	if pushed > 0 {
		e.setStatus(func(st *Status) { st.LastError = "" })
		if e.pulser != nil {
			if err := e.pulser.Pulse(ctx); err != nil {
				e.logger.Debug("pulse emit failed", "error", err)
			}
		}
	}
	return nil
}

// pushItem sends one outbox item. The current local row is the authoritative
// payload; the captured queue payload is only a fallback for rows that no
// longer exist locally.
func (e *Engine) pushItem(ctx context.Context, account string, item *QueueItem) error {
	tbl, ok := e.store.Registry().Lookup(item.Entity)
	if !ok {
		return fmt.Errorf("unregistered table %s", item.Entity)
	}

	row, err := e.store.Get(ctx, item.Entity, item.EntityID)
	if err != nil {
		return err
	}
	if row == nil {
		row = make(map[string]any)
		if err := json.Unmarshal(item.Payload, &row); err != nil || len(row) == 0 {
			// Nothing left to push; treat as satisfied.
			e.logger.Debug("queue item has no row and no payload",
				"entity", item.Entity, "pk", item.EntityID)
			return nil
		}
		row[tbl.PK()] = item.EntityID
		if item.Operation == authority.OpDelete {
			row[colIsDeleted] = true
		}
	}
	row[colOwnerID] = account
	row[colDeviceID] = e.deviceID

	localVersion := asInt64(row[colVersion])
	remoteVersion, found, err := e.remote.FetchRowVersion(ctx, tbl.Remote(), item.EntityID)
	if err != nil {
		return fmt.Errorf("failed to pre-flight %s/%s: %w", item.Entity, item.EntityID, err)
	}
	if found && remoteVersion > localVersion {
		return ErrRemoteAhead
	}

	result, err := e.remote.UpsertRow(ctx, tbl.Remote(), row)
	if err != nil {
		var fkErr *authority.FKViolationError
		if errors.As(err, &fkErr) && tbl.OptionalRef(fkErr.Field) {
			// Self-heal: the referenced row is gone on the authority. Null
			// the optional reference and retry once.
			e.logger.Info("nulling optional reference after FK rejection",
				"entity", item.Entity, "pk", item.EntityID, "field", fkErr.Field)
			row[fkErr.Field] = nil
			result, err = e.remote.UpsertRow(ctx, tbl.Remote(), row)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", item.Entity, item.EntityID, err)
		}
	}

	if err := e.store.ApplyServerMeta(ctx, item.Entity, item.EntityID,
		result.Version, result.ServerUpdatedAt); err != nil {
		return err
	}
	return nil
}
