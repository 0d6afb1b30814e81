// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// Outbox item lifecycle states.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// QueueItem is one durable outbox entry. Payload captures the row at enqueue
// time, but the push engine prefers the current local row; the payload is a
// fallback for rows that vanished (for example a hard reset between enqueue
// and push).
type QueueItem struct {
	ID         string
	Entity     string
	EntityID   string
	Operation  string
	Payload    json.RawMessage
	CreatedAt  int64
	RetryCount int
	Status     string
}

// AppendQueue records a local mutation for later push. The item enters in
// pending state with a fresh UUID and the current time.
func (s *Store) AppendQueue(ctx context.Context, entity, entityID, operation string, payload any) (*QueueItem, error) {
	if _, ok := s.registry.Lookup(entity); !ok {
		return nil, fmt.Errorf("unregistered table %s", entity)
	}
	switch operation {
	case authority.OpInsert, authority.OpUpdate, authority.OpDelete:
	default:
		return nil, fmt.Errorf("invalid queue operation %q", operation)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue payload: %w", err)
	}
	item := &QueueItem{
		ID:        uuid.New().String(),
		Entity:    entity,
		EntityID:  entityID,
		Operation: operation,
		Payload:   encoded,
		CreatedAt: nowMillis(),
		Status:    StatusPending,
	}
	err = s.gate.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue (id, entity, entity_id, operation, payload, created_at, retry_count, status)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			item.ID, item.Entity, item.EntityID, item.Operation,
			string(item.Payload), item.CreatedAt, item.Status)
		if err != nil {
			return fmt.Errorf("failed to append to sync queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// PendingItems returns up to limit pending items in enqueue order. Oldest
// first, so pushes replay local history in the order it happened.
func (s *Store) PendingItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, entity, entity_id, operation, payload, created_at, retry_count, status
		FROM sync_queue
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		it := &QueueItem{}
		var payload string
		if err := rows.Scan(&it.ID, &it.Entity, &it.EntityID, &it.Operation,
			&payload, &it.CreatedAt, &it.RetryCount, &it.Status); err != nil {
			return nil, fmt.Errorf("failed to scan sync queue item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	return items, nil
}

// MarkQueueStatus transitions one item to the given state.
func (s *Store) MarkQueueStatus(ctx context.Context, id, status string) error {
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = ? WHERE id = ?`, status, id); err != nil {
			return fmt.Errorf("failed to update sync queue status: %w", err)
		}
		return nil
	})
}

// MarkQueueFailed transitions one item to failed and counts the attempt.
func (s *Store) MarkQueueFailed(ctx context.Context, id string) error {
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, retry_count = retry_count + 1
			WHERE id = ?`, StatusFailed, id); err != nil {
			return fmt.Errorf("failed to mark sync queue item failed: %w", err)
		}
		return nil
	})
}

// PendingCount reports how many items still await push.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending queue items: %w", err)
	}
	return n, nil
}

// CollectQueueGarbage removes synced items older than retention. Pending and
// failed items are never collected.
func (s *Store) CollectQueueGarbage(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := nowMillis() - retention.Milliseconds()
	var removed int64
	err := s.gate.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM sync_queue WHERE status = ? AND created_at < ?`,
			StatusSynced, cutoff)
		if err != nil {
			return fmt.Errorf("failed to collect sync queue garbage: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
