// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Anchor is the singleton record of how far this replica has synchronized.
// It only ever advances inside the same gated transaction that concludes a
// pull cycle, after the covered tables have fully applied; a crash or failure
// mid-cycle leaves the previous anchor intact so the next cycle repeats the
// work instead of skipping it.
type Anchor struct {
	// IsInitialized is set after the first fully successful bootstrap pull.
	IsInitialized bool
	// OwnerToken is the last per-account change token fully applied.
	OwnerToken int64
	// StaticVersions maps each shared table to the last version fully applied.
	StaticVersions map[string]int64
	// LastFullSync is the start time (ms) of the last fully successful cycle.
	// Recording the start rather than the end means rows written while the
	// cycle ran stay inside the next delta window.
	LastFullSync int64
	// OwningAccountID is the account the local data belongs to. A different
	// authenticated account invalidates the anchor and forces re-bootstrap.
	OwningAccountID string
}

// LoadAnchor reads the anchor singleton.
func (s *Store) LoadAnchor(ctx context.Context) (*Anchor, error) {
	a := &Anchor{StaticVersions: make(map[string]int64)}
	var initialized int64
	var staticJSON string
	err := s.DB.QueryRowContext(ctx, `
		SELECT is_initialized, owner_token, static_versions, last_full_sync, owning_account_id
		FROM sync_anchor WHERE id = 1`).
		Scan(&initialized, &a.OwnerToken, &staticJSON, &a.LastFullSync, &a.OwningAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync anchor: %w", err)
	}
	a.IsInitialized = initialized != 0
	if staticJSON != "" {
		if err := json.Unmarshal([]byte(staticJSON), &a.StaticVersions); err != nil {
			return nil, fmt.Errorf("failed to decode static versions: %w", err)
		}
	}
	if a.StaticVersions == nil {
		a.StaticVersions = make(map[string]int64)
	}
	return a, nil
}

// CommitAnchor persists the anchor atomically through the write gate.
func (s *Store) CommitAnchor(ctx context.Context, a *Anchor) error {
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		return commitAnchorInTx(ctx, tx, a)
	})
}

func commitAnchorInTx(ctx context.Context, tx *sql.Tx, a *Anchor) error {
	staticJSON, err := json.Marshal(a.StaticVersions)
	if err != nil {
		return fmt.Errorf("failed to encode static versions: %w", err)
	}
	initialized := 0
	if a.IsInitialized {
		initialized = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_anchor
		SET is_initialized = ?, owner_token = ?, static_versions = ?,
		    last_full_sync = ?, owning_account_id = ?
		WHERE id = 1`,
		initialized, a.OwnerToken, string(staticJSON), a.LastFullSync, a.OwningAccountID)
	if err != nil {
		return fmt.Errorf("failed to commit sync anchor: %w", err)
	}
	return nil
}

// InvalidateAnchor clears is_initialized and the owner token so the next pull
// runs as a bootstrap. Static versions are kept; shared reference data is
// account-neutral and does not need refetching.
func (s *Store) InvalidateAnchor(ctx context.Context) error {
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_anchor SET is_initialized = 0, owner_token = 0 WHERE id = 1`)
		if err != nil {
			return fmt.Errorf("failed to invalidate sync anchor: %w", err)
		}
		return nil
	})
}
