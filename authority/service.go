// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableRef declares a referential-integrity check the service enforces on
// upserts: the named field, when non-null, must point at an existing live row
// of the referenced entity.
type TableRef struct {
	Field string
	Table string
}

// TableSpec registers one entity with the service. Shared entities are
// account-neutral reference data versioned by a per-entity counter; non-shared
// entities are account-scoped and versioned by the per-account token.
type TableSpec struct {
	Name   string
	PK     string // row field holding the primary key; "id" when empty
	Shared bool
	Refs   []TableRef
}

func (t *TableSpec) pkField() string {
	if t.PK == "" {
		return "id"
	}
	return t.PK
}

// ServiceConfig configures the authority service.
type ServiceConfig struct {
	AppName string
	Tables  []TableSpec
}

// Service is the authoritative row store. Every entity lives in one generic
// versioned row table; the payload is stored as JSONB with the sync metadata
// mirrored into dedicated columns for filtering and ordering.
type Service struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
	tables map[string]*TableSpec
	hub    *Hub
}

// NewService creates the service and runs schema setup. Schema failures are
// fatal.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		pool:   pool,
		config: config,
		logger: logger,
		tables: make(map[string]*TableSpec, len(config.Tables)),
	}
	for i := range config.Tables {
		spec := &config.Tables[i]
		if _, dup := s.tables[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate table spec %s", spec.Name)
		}
		s.tables[spec.Name] = spec
	}
	for _, spec := range s.tables {
		for _, ref := range spec.Refs {
			if _, ok := s.tables[ref.Table]; !ok {
				return nil, fmt.Errorf("table %s: ref %s points at unregistered table %s",
					spec.Name, ref.Field, ref.Table)
			}
		}
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// SetHub attaches the change-feed hub; upserts broadcast through it.
func (s *Service) SetHub(h *Hub) { s.hub = h }

// Pool returns the underlying connection pool.
func (s *Service) Pool() *pgxpool.Pool { return s.pool }

// Close releases the service's resources. The pool is owned by the caller.
func (s *Service) Close() {}

func (s *Service) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS sync`,
		`CREATE TABLE IF NOT EXISTS sync.rows (
			entity            TEXT NOT NULL,
			pk                TEXT NOT NULL,
			owner_id          TEXT NOT NULL DEFAULT '',
			row               JSONB NOT NULL,
			version           BIGINT NOT NULL DEFAULT 1,
			updated_at        BIGINT NOT NULL DEFAULT 0,
			server_updated_at BIGINT NOT NULL DEFAULT 0,
			device_id         TEXT NOT NULL DEFAULT '',
			is_deleted        BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (entity, pk)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_rows_entity_updated
			ON sync.rows (entity, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_rows_owner
			ON sync.rows (entity, owner_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS sync.owner_tokens (
			owner_id TEXT PRIMARY KEY,
			token    BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sync.static_versions (
			entity  TEXT PRIMARY KEY,
			version BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize sync schema: %w", err)
		}
	}
	s.logger.Info("sync schema ready", "app", s.config.AppName, "tables", len(s.tables))
	return nil
}

// Snapshot returns the version summary for one account: every shared entity's
// static version plus the account's owner token.
func (s *Service) Snapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	snap := &Snapshot{StaticVersions: make(map[string]int64)}

	rows, err := s.pool.Query(ctx, `SELECT entity, version FROM sync.static_versions`)
	if err != nil {
		return nil, fmt.Errorf("failed to read static versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		var version int64
		if err := rows.Scan(&entity, &version); err != nil {
			return nil, fmt.Errorf("failed to scan static version: %w", err)
		}
		snap.StaticVersions[entity] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read static versions: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT token FROM sync.owner_tokens WHERE owner_id = $1`, ownerID).
		Scan(&snap.OwnerToken)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to read owner token: %w", err)
	}
	return snap, nil
}

// FetchRows returns one page of an entity's rows with updated_at > since,
// ordered ascending. Owned entities are scoped to the account; tombstones are
// included so deletions propagate.
func (s *Service) FetchRows(ctx context.Context, ownerID, entity string, since int64, offset, limit int) ([]map[string]any, error) {
	spec, ok := s.tables[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", entity)
	}
	query := `
		SELECT row FROM sync.rows
		WHERE entity = $1 AND updated_at > $2 AND ($3 OR owner_id = $4)
		ORDER BY updated_at ASC, pk ASC
		LIMIT $5 OFFSET $6`
	rows, err := s.pool.Query(ctx, query, entity, since, spec.Shared, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows of %s: %w", entity, err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", entity, err)
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode row of %s: %w", entity, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", entity, err)
	}
	return out, nil
}

// RowVersion reports the stored version of one row, scoped like FetchRows.
func (s *Service) RowVersion(ctx context.Context, ownerID, entity, pk string) (int64, bool, error) {
	spec, ok := s.tables[entity]
	if !ok {
		return 0, false, fmt.Errorf("unknown entity %s", entity)
	}
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT version FROM sync.rows
		WHERE entity = $1 AND pk = $2 AND ($3 OR owner_id = $4)`,
		entity, pk, spec.Shared, ownerID).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read version of %s/%s: %w", entity, pk, err)
	}
	return version, true, nil
}

// Upsert writes a full row on behalf of one device. The optimistic check
// rejects rows older than the stored version; referential checks reject rows
// pointing at missing parents. On success the entity's version counter (or
// the account's owner token) advances and the change is broadcast on the
// feed.
func (s *Service) Upsert(ctx context.Context, ownerID, deviceID, entity string, row map[string]any) (*UpsertResult, error) {
	spec, ok := s.tables[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", entity)
	}
	pk := jsonString(row[spec.pkField()])
	if pk == "" {
		return nil, fmt.Errorf("row for %s has no %s", entity, spec.pkField())
	}

	var result *UpsertResult
	err := s.withRetriedTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = s.upsertInTx(ctx, tx, spec, ownerID, deviceID, pk, row)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		op := OpUpdate
		if jsonBool(row["is_deleted"]) {
			op = OpDelete
		}
		s.hub.BroadcastChange(ownerID, spec.Shared, FeedEvent{
			Event:    EventRowChange,
			Entity:   entity,
			Op:       op,
			Row:      row,
			DeviceID: deviceID,
		})
	}
	return result, nil
}

func (s *Service) upsertInTx(ctx context.Context, tx pgx.Tx, spec *TableSpec, ownerID, deviceID, pk string, row map[string]any) (*UpsertResult, error) {
	var storedVersion int64
	found := true
	err := tx.QueryRow(ctx, `
		SELECT version FROM sync.rows
		WHERE entity = $1 AND pk = $2 AND ($3 OR owner_id = $4)
		FOR UPDATE`,
		spec.Name, pk, spec.Shared, ownerID).Scan(&storedVersion)
	if err == pgx.ErrNoRows {
		found = false
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock row %s/%s: %w", spec.Name, pk, err)
	}

	incoming := jsonInt64(row["version"])
	if incoming <= 0 {
		incoming = 1
	}
	if found && storedVersion > incoming {
		return nil, &VersionConflictError{Entity: spec.Name, PK: pk, ServerVersion: storedVersion}
	}

	for _, ref := range spec.Refs {
		val := jsonString(row[ref.Field])
		if val == "" {
			continue
		}
		refSpec := s.tables[ref.Table]
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM sync.rows
				WHERE entity = $1 AND pk = $2 AND ($3 OR owner_id = $4) AND NOT is_deleted
			)`, ref.Table, val, refSpec.Shared, ownerID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check ref %s.%s: %w", spec.Name, ref.Field, err)
		}
		if !exists {
			return nil, &FKViolationError{Entity: spec.Name, Field: ref.Field}
		}
	}

	version := incoming
	if found && incoming == storedVersion {
		version = storedVersion + 1
	}
	now := time.Now().UnixMilli()
	updatedAt := jsonInt64(row["updated_at"])
	if updatedAt <= 0 {
		updatedAt = now
	}
	isDeleted := jsonBool(row["is_deleted"])

	stored := make(map[string]any, len(row)+6)
	for k, v := range row {
		stored[k] = v
	}
	stored["version"] = version
	stored["updated_at"] = updatedAt
	stored["server_updated_at"] = now
	stored["device_id"] = deviceID
	stored["is_deleted"] = isDeleted
	if !spec.Shared {
		stored["owner_id"] = ownerID
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row %s/%s: %w", spec.Name, pk, err)
	}

	rowOwner := ""
	if !spec.Shared {
		rowOwner = ownerID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sync.rows (entity, pk, owner_id, row, version, updated_at, server_updated_at, device_id, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity, pk) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			row = EXCLUDED.row,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			server_updated_at = EXCLUDED.server_updated_at,
			device_id = EXCLUDED.device_id,
			is_deleted = EXCLUDED.is_deleted`,
		spec.Name, pk, rowOwner, encoded, version, updatedAt, now, deviceID, isDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to store row %s/%s: %w", spec.Name, pk, err)
	}

	if spec.Shared {
		_, err = tx.Exec(ctx, `
			INSERT INTO sync.static_versions (entity, version) VALUES ($1, 1)
			ON CONFLICT (entity) DO UPDATE SET version = sync.static_versions.version + 1`,
			spec.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to bump static version of %s: %w", spec.Name, err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO sync.owner_tokens (owner_id, token) VALUES ($1, 1)
			ON CONFLICT (owner_id) DO UPDATE SET token = sync.owner_tokens.token + 1`,
			ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to bump owner token: %w", err)
		}
	}

	return &UpsertResult{Version: version, ServerUpdatedAt: now}, nil
}

// withRetriedTx runs fn inside a repeatable-read transaction, retrying on
// transient serialization failures.
func (s *Service) withRetriedTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Debug("retrying serialization failure", "attempt", attempt+1, "error", err)
		if werr := sleepWithContext(ctx, time.Duration(attempt+1)*50*time.Millisecond); werr != nil {
			return werr
		}
	}
	return err
}

func jsonString(v any) string {
	s, _ := v.(string)
	return s
}

func jsonInt64(v any) int64 {
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
	default:
		return 0
	}
}

func jsonBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int64:
		return t != 0
	default:
		return false
	}
}
