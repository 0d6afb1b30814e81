// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// MergePage applies a page of authority rows inside one gated transaction,
// running each row through the last-writer-wins rule. A row that cannot be
// applied (usually because its parent has not landed yet) is returned in
// deferred rather than failing the page; the caller retries it after the rest
// of the cycle or lets the next cycle pick it up.
func (s *Store) MergePage(ctx context.Context, tbl *Table, rows []map[string]any) (applied int, deferred []map[string]any, err error) {
	err = s.gate.Write(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			ok, rerr := s.mergeRowInTx(ctx, tx, tbl, row)
			if rerr != nil {
				s.logger.Debug("deferring remote row",
					"table", tbl.Name, "pk", stringify(row[tbl.PK()]), "error", rerr)
				deferred = append(deferred, row)
				continue
			}
			if ok {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return applied, deferred, nil
}

// mergeRowInTx applies one remote row under last-writer-wins. Returns true
// when the row was written, false when the local copy won.
//
// Local state wins unless the remote row's version is strictly higher, or
// versions are equal and the remote updated_at is strictly newer. A remote
// row that loses on both but carries a newer server timestamp only refreshes
// server_updated_at, so a later push preflight sees the authority's view.
func (s *Store) mergeRowInTx(ctx context.Context, tx *sql.Tx, tbl *Table, row map[string]any) (bool, error) {
	pk := stringify(row[tbl.PK()])
	if pk == "" {
		return false, fmt.Errorf("remote row for %s has no primary key", tbl.Name)
	}

	var localVer, localUpd, localServerUpd int64
	sel := fmt.Sprintf("SELECT %q, %q, %q FROM %q WHERE %q = ?",
		colVersion, colUpdatedAt, colServerUpdatedAt, tbl.Name, tbl.PK())
	err := tx.QueryRowContext(ctx, sel, pk).Scan(&localVer, &localUpd, &localServerUpd)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("failed to read local row %s/%s: %w", tbl.Name, pk, err)
	}

	if exists {
		remoteVer := asInt64(row[colVersion])
		remoteUpd := asInt64(row[colUpdatedAt])
		apply := remoteVer > localVer || (remoteVer == localVer && remoteUpd > localUpd)
		if !apply {
			remoteServerUpd := asInt64(row[colServerUpdatedAt])
			if remoteServerUpd > localServerUpd {
				upd := fmt.Sprintf("UPDATE %q SET %q = ? WHERE %q = ?",
					tbl.Name, colServerUpdatedAt, tbl.PK())
				if _, err := tx.ExecContext(ctx, upd, remoteServerUpd, pk); err != nil {
					return false, fmt.Errorf("failed to refresh server meta on %s/%s: %w", tbl.Name, pk, err)
				}
			}
			return false, nil
		}
	}

	cols, vals, err := s.filterRow(ctx, tx, tbl, row)
	if err != nil {
		return false, err
	}
	// Existing rows are updated in place. A REPLACE would delete and
	// reinsert the row, tripping immediate foreign-key checks on any child
	// rows pointing at it.
	var stmt string
	if exists {
		var sets []string
		for _, c := range cols {
			if c == tbl.PK() {
				continue
			}
			sets = append(sets, fmt.Sprintf("%q = ?", c))
		}
		var updVals []any
		for i, c := range cols {
			if c == tbl.PK() {
				continue
			}
			updVals = append(updVals, vals[i])
		}
		stmt = fmt.Sprintf("UPDATE %q SET %s WHERE %q = ?",
			tbl.Name, strings.Join(sets, ", "), tbl.PK())
		updVals = append(updVals, pk)
		if _, err := tx.ExecContext(ctx, stmt, updVals...); err != nil {
			return false, fmt.Errorf("failed to apply remote row %s/%s: %w", tbl.Name, pk, err)
		}
		return true, nil
	}
	stmt = fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		tbl.Name, joinQuoted(cols), placeholders(len(cols)))
	if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
		return false, fmt.Errorf("failed to apply remote row %s/%s: %w", tbl.Name, pk, err)
	}
	return true, nil
}

// MergeRemoteRow applies a single authority row outside a page, used by the
// realtime listener for row-change events.
func (s *Store) MergeRemoteRow(ctx context.Context, tbl *Table, row map[string]any) (bool, error) {
	var applied bool
	err := s.gate.Write(ctx, func(tx *sql.Tx) error {
		ok, err := s.mergeRowInTx(ctx, tx, tbl, row)
		if err != nil {
			return err
		}
		applied = ok
		return nil
	})
	return applied, err
}
