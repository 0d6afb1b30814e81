// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"fmt"
)

// TxGate serializes write transactions against the embedded store. SQLite
// allows a single writer at a time; funneling every write transaction through
// the gate turns concurrent callers into a queue instead of a pile of
// SQLITE_BUSY errors. Callers blocked on the gate are admitted in arrival
// order.
type TxGate struct {
	db   *sql.DB
	slot chan struct{}
}

// NewTxGate creates a gate with a single writer slot.
func NewTxGate(db *sql.DB) *TxGate {
	return &TxGate{
		db:   db,
		slot: make(chan struct{}, 1),
	}
}

// Write runs fn inside an exclusive write transaction. The transaction is
// committed when fn returns nil and rolled back when fn returns an error or
// panics. Waiting for the slot is abandoned if ctx is done.
func (g *TxGate) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write transaction: %w", err)
	}
	committed = true
	return nil
}
