// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Synchronization metadata columns appended to every registered table.
const (
	colUpdatedAt       = "updated_at"
	colServerUpdatedAt = "server_updated_at"
	colVersion         = "version"
	colDeviceID        = "device_id"
	colOwnerID         = "owner_id"
	colIsDeleted       = "is_deleted"
)

var syncColumnDefs = []struct {
	Name string
	Def  string
}{
	{colUpdatedAt, "INTEGER NOT NULL DEFAULT 0"},
	{colServerUpdatedAt, "INTEGER NOT NULL DEFAULT 0"},
	{colVersion, "INTEGER NOT NULL DEFAULT 1"},
	{colDeviceID, "TEXT NOT NULL DEFAULT ''"},
	{colOwnerID, "TEXT NOT NULL DEFAULT ''"},
	{colIsDeleted, "INTEGER NOT NULL DEFAULT 0"},
}

// ErrRowNotFound is returned by updates against a missing primary key.
var ErrRowNotFound = errors.New("row not found")

// Store is the sync-aware embedded store. It owns schema lifecycle for every
// registered table, the outbox and anchor system tables, and the write gate
// that serializes all local write transactions.
//
// Reads never touch the gate; SQLite in WAL mode serves them concurrently
// with the single writer.
type Store struct {
	DB       *sql.DB
	registry *Registry
	gate     *TxGate
	tables   *tableInfoCache
	logger   *slog.Logger
}

// NewStore opens the schema on db: pragmas, system tables, registered domain
// tables, and additive column migration for tables created by an older build.
// Any failure here is fatal; a store with a half-built schema must not serve
// traffic.
func NewStore(db *sql.DB, registry *Registry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		DB:       db,
		registry: registry,
		gate:     NewTxGate(db),
		tables:   newTableInfoCache(),
		logger:   logger,
	}
	if err := s.initialize(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Registry returns the table set this store was opened with.
func (s *Store) Registry() *Registry { return s.registry }

// Gate exposes the write gate so callers can compose multi-statement units
// with the same serialization the store's own primitives use.
func (s *Store) Gate() *TxGate { return s.gate }

func (s *Store) initialize(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, p := range pragmas {
		if _, err := s.DB.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	system := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          TEXT PRIMARY KEY,
			entity      TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			operation   TEXT NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status_created
			ON sync_queue (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_anchor (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			is_initialized    INTEGER NOT NULL DEFAULT 0,
			owner_token       INTEGER NOT NULL DEFAULT 0,
			static_versions   TEXT NOT NULL DEFAULT '{}',
			last_full_sync    INTEGER NOT NULL DEFAULT 0,
			owning_account_id TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT OR IGNORE INTO sync_anchor (id) VALUES (1)`,
		`CREATE TABLE IF NOT EXISTS sync_device (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			device_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range system {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create system tables: %w", err)
		}
	}

	for _, tbl := range s.registry.Tables() {
		if err := s.createOrMigrateTable(ctx, tbl); err != nil {
			return err
		}
	}
	return nil
}

// createOrMigrateTable creates a registered table if missing, or applies
// additive column migration to an existing one. Columns are only ever added;
// removals and type changes are not supported on a live replica.
func (s *Store) createOrMigrateTable(ctx context.Context, tbl *Table) error {
	refClause := func(col string) string {
		for _, ref := range tbl.Refs {
			if ref.Field == col {
				if parent, ok := s.registry.Lookup(ref.Table); ok {
					return fmt.Sprintf(" REFERENCES %q(%q)", parent.Name, parent.PK())
				}
			}
		}
		return ""
	}

	var defs []string
	defs = append(defs, fmt.Sprintf("%q TEXT PRIMARY KEY", tbl.PK()))
	for _, c := range tbl.Columns {
		if c.Name == tbl.PK() {
			continue
		}
		defs = append(defs, fmt.Sprintf("%q %s%s", c.Name, c.Type, refClause(c.Name)))
	}
	for _, sc := range syncColumnDefs {
		defs = append(defs, fmt.Sprintf("%q %s", sc.Name, sc.Def))
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (\n\t%s\n)", tbl.Name, strings.Join(defs, ",\n\t"))
	if _, err := s.DB.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tbl.Name, err)
	}

	ti, err := s.tables.get(ctx, s.DB, tbl.Name)
	if err != nil {
		return err
	}
	migrated := false
	addColumn := func(name, def string) error {
		if ti.HasColumn(name) {
			return nil
		}
		alter := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q %s", tbl.Name, name, def)
		if _, err := s.DB.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", tbl.Name, name, err)
		}
		s.logger.Info("added column", "table", tbl.Name, "column", name)
		migrated = true
		return nil
	}
	for _, c := range tbl.Columns {
		if err := addColumn(c.Name, c.Type+refClause(c.Name)); err != nil {
			return err
		}
	}
	for _, sc := range syncColumnDefs {
		if err := addColumn(sc.Name, sc.Def); err != nil {
			return err
		}
	}
	if migrated {
		s.tables.invalidate(tbl.Name)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (%q)",
		"idx_"+tbl.Name+"_updated_at", tbl.Name, colUpdatedAt)
	if _, err := s.DB.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", tbl.Name, err)
	}
	return nil
}

// Insert writes a new row. Missing sync metadata is defaulted: version 1,
// updated_at now, is_deleted 0. With overwrite set an existing row with the
// same key is replaced, otherwise the insert fails on conflict.
func (s *Store) Insert(ctx context.Context, table string, row map[string]any, overwrite bool) error {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return fmt.Errorf("unregistered table %s", table)
	}
	pk, ok := row[tbl.PK()]
	if !ok || stringify(pk) == "" {
		return fmt.Errorf("insert into %s: missing primary key %s", table, tbl.PK())
	}

	full := make(map[string]any, len(row)+4)
	for k, v := range row {
		full[k] = v
	}
	if _, ok := full[colVersion]; !ok {
		full[colVersion] = int64(1)
	}
	if _, ok := full[colUpdatedAt]; !ok {
		full[colUpdatedAt] = nowMillis()
	}
	if _, ok := full[colIsDeleted]; !ok {
		full[colIsDeleted] = int64(0)
	}

	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		cols, vals, err := s.filterRow(ctx, tx, tbl, full)
		if err != nil {
			return err
		}
		verb := "INSERT"
		if overwrite {
			verb = "INSERT OR REPLACE"
		}
		stmt := fmt.Sprintf("%s INTO %q (%s) VALUES (%s)",
			verb, tbl.Name, joinQuoted(cols), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		return nil
	})
}

// Update applies fields to an existing row. Unless the caller supplies them
// explicitly, version is bumped by one and updated_at set to now, keeping the
// per-key version sequence monotonic for every local edit.
func (s *Store) Update(ctx context.Context, table, pk string, fields map[string]any) error {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return fmt.Errorf("unregistered table %s", table)
	}
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		cols, vals, err := s.filterRow(ctx, tx, tbl, fields)
		if err != nil {
			return err
		}
		var sets []string
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%q = ?", c))
		}
		if _, ok := fields[colVersion]; !ok {
			sets = append(sets, fmt.Sprintf("%q = %q + 1", colVersion, colVersion))
		}
		if _, ok := fields[colUpdatedAt]; !ok {
			sets = append(sets, fmt.Sprintf("%q = ?", colUpdatedAt))
			vals = append(vals, nowMillis())
		}
		if len(sets) == 0 {
			return nil
		}
		stmt := fmt.Sprintf("UPDATE %q SET %s WHERE %q = ?",
			tbl.Name, strings.Join(sets, ", "), tbl.PK())
		vals = append(vals, pk)
		res, err := tx.ExecContext(ctx, stmt, vals...)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s/%s: %w", table, pk, ErrRowNotFound)
		}
		return nil
	})
}

// SoftDelete marks a row deleted. The row stays in place as a tombstone so
// the deletion can be pushed and so later pulls of an older live version
// cannot resurrect it.
func (s *Store) SoftDelete(ctx context.Context, table, pk string) error {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return fmt.Errorf("unregistered table %s", table)
	}
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf("UPDATE %q SET %q = 1, %q = ?, %q = %q + 1 WHERE %q = ?",
			tbl.Name, colIsDeleted, colUpdatedAt, colVersion, colVersion, tbl.PK())
		res, err := tx.ExecContext(ctx, stmt, nowMillis(), pk)
		if err != nil {
			return fmt.Errorf("failed to soft-delete from %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("soft-delete %s/%s: %w", table, pk, ErrRowNotFound)
		}
		return nil
	})
}

// Query returns rows from a registered table. An empty where clause selects
// all live rows; deleted rows are excluded unless the caller's own where
// clause says otherwise. Structured columns are decoded from their JSON text.
func (s *Store) Query(ctx context.Context, table, where string, args ...any) ([]map[string]any, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unregistered table %s", table)
	}
	if where == "" {
		where = fmt.Sprintf("%q = 0", colIsDeleted)
	}
	stmt := fmt.Sprintf("SELECT * FROM %q WHERE %s", tbl.Name, where)
	rows, err := s.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	return s.scanRows(tbl, rows)
}

// Get returns one row by primary key including tombstones, or nil when the
// key has never existed locally.
func (s *Store) Get(ctx context.Context, table, pk string) (map[string]any, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("unregistered table %s", table)
	}
	stmt := fmt.Sprintf("SELECT * FROM %q WHERE %q = ?", tbl.Name, tbl.PK())
	rows, err := s.DB.QueryContext(ctx, stmt, pk)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	out, err := s.scanRows(tbl, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// ApplyServerMeta writes the server-assigned version and timestamp back onto
// a row after a successful push, without bumping the local version.
func (s *Store) ApplyServerMeta(ctx context.Context, table, pk string, version, serverUpdatedAt int64) error {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return fmt.Errorf("unregistered table %s", table)
	}
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf("UPDATE %q SET %q = ?, %q = ? WHERE %q = ?",
			tbl.Name, colVersion, colServerUpdatedAt, tbl.PK())
		if _, err := tx.ExecContext(ctx, stmt, version, serverUpdatedAt, pk); err != nil {
			return fmt.Errorf("failed to write server meta on %s: %w", table, err)
		}
		return nil
	})
}

// RunOnce executes fn in a gated transaction the first time key is seen, and
// records the key so later calls are no-ops. Used for one-shot destructive
// maintenance like reference-data resets.
func (s *Store) RunOnce(ctx context.Context, key string, fn func(tx *sql.Tx) error) error {
	return s.gate.Write(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM sync_settings WHERE key = ?`, key).Scan(&existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		if err := fn(tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_settings (key, value) VALUES (?, ?)`, key, "done"); err != nil {
			return fmt.Errorf("failed to record setting %s: %w", key, err)
		}
		s.logger.Info("ran one-time maintenance", "key", key)
		return nil
	})
}

// filterRow projects a row map onto the physical columns of tbl, in schema
// order, JSON-encoding structured columns. Unknown keys are dropped.
func (s *Store) filterRow(ctx context.Context, q queryer, tbl *Table, row map[string]any) ([]string, []any, error) {
	ti, err := s.tables.get(ctx, q, tbl.Name)
	if err != nil {
		return nil, nil, err
	}
	structured := make(map[string]bool, len(tbl.Columns))
	for _, c := range tbl.Columns {
		if c.Structured {
			structured[c.Name] = true
		}
	}
	var cols []string
	var vals []any
	for _, name := range ti.Columns {
		v, ok := row[name]
		if !ok {
			continue
		}
		if structured[name] && v != nil {
			if _, isStr := v.(string); !isStr {
				encoded, err := json.Marshal(v)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to encode %s.%s: %w", tbl.Name, name, err)
				}
				v = string(encoded)
			}
		}
		if b, isBool := v.(bool); isBool {
			if b {
				v = int64(1)
			} else {
				v = int64(0)
			}
		}
		cols = append(cols, name)
		vals = append(vals, v)
	}
	return cols, vals, nil
}

// scanRows turns a result set into row maps, decoding structured columns.
func (s *Store) scanRows(tbl *Table, rows *sql.Rows) ([]map[string]any, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", tbl.Name, err)
	}
	structured := make(map[string]bool, len(tbl.Columns))
	for _, c := range tbl.Columns {
		if c.Structured {
			structured[c.Name] = true
		}
	}

	var out []map[string]any
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", tbl.Name, err)
		}
		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			v := raw[i]
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			if structured[name] {
				if text, isStr := v.(string); isStr && text != "" {
					var decoded any
					if err := json.Unmarshal([]byte(text), &decoded); err == nil {
						v = decoded
					}
				}
			}
			row[name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", tbl.Name, err)
	}
	return out, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func joinQuoted(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// stringify renders a primary-key value for use in SQL arguments and wire
// paths. Authority payloads arrive with string keys; anything else is
// formatted.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// asInt64 coerces the numeric shapes that SQLite scans and JSON decoding
// produce into an int64. Non-numeric values coerce to zero.
func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	default:
		return 0
	}
}
