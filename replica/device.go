// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnsureDeviceID returns the stable per-installation identifier, generating
// and persisting a fresh UUID on first call. The ID survives restarts and
// account switches; it is stamped on every pushed row and used to drop this
// device's own events echoed back on the change feed.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT device_id FROM sync_device WHERE id = 1`).Scan(&id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id = uuid.New().String()
	werr := s.gate.Write(ctx, func(tx *sql.Tx) error {
		// A concurrent caller may have won the race; keep whatever landed.
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sync_device (id, device_id) VALUES (1, ?)`, id); err != nil {
			return fmt.Errorf("failed to persist device id: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT device_id FROM sync_device WHERE id = 1`).Scan(&id)
	})
	if werr != nil {
		return "", werr
	}
	return id, nil
}
