// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// testRegistry covers the shapes the engine cares about: shared and owned
// tables, a custom primary key, a structured column, same-tier and
// cross-tier references, and an optional reference. channels is deliberately
// declared before wallets so a bootstrap exercises dependency deferral.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry([]*Table{
		{
			Name: "currencies", PKColumn: "code", Tier: 1, Ownership: Shared,
			Columns: []Column{
				{Name: "code", Type: "TEXT"},
				{Name: "name", Type: "TEXT"},
				{Name: "decimals", Type: "INTEGER"},
			},
		},
		{
			Name: "categories", Tier: 1, Ownership: Shared,
			Columns: []Column{
				{Name: "name", Type: "TEXT"},
				{Name: "kind", Type: "TEXT"},
			},
		},
		{
			Name: "channels", Tier: 1, Ownership: Owned,
			Columns: []Column{
				{Name: "name", Type: "TEXT"},
				{Name: "wallet_id", Type: "TEXT"},
			},
			Refs: []Ref{{Field: "wallet_id", Table: "wallets"}},
		},
		{
			Name: "wallets", Tier: 1, Ownership: Owned,
			Columns: []Column{
				{Name: "name", Type: "TEXT"},
				{Name: "amount", Type: "REAL"},
				{Name: "meta", Type: "TEXT", Structured: true},
			},
		},
		{
			Name: "transactions", Tier: 2, Ownership: Owned,
			Columns: []Column{
				{Name: "wallet_id", Type: "TEXT"},
				{Name: "category_id", Type: "TEXT"},
				{Name: "amount", Type: "REAL"},
				{Name: "note", Type: "TEXT"},
			},
			Refs: []Ref{
				{Field: "wallet_id", Table: "wallets"},
				{Field: "category_id", Table: "categories", Optional: true},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func openTestStore(t *testing.T, reg *Registry) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

// staticIdentity is an IdentityProvider pinned to one account. Empty means
// signed out.
type staticIdentity string

func (s staticIdentity) AccountID(context.Context) (string, error) {
	return string(s), nil
}

type upsertCall struct {
	Entity string
	Row    map[string]any
}

// fakeRemote is an in-memory RemoteStore and Pulser with per-call error
// injection.
type fakeRemote struct {
	mu sync.Mutex

	snap      authority.Snapshot
	snapErr   error
	snapCalls int

	rows       map[string][]map[string]any
	fetchErr   map[string]error
	fetchCalls map[string]int
	lastSince  map[string]int64

	versions     map[string]int64
	upserts      []upsertCall
	upsertErrs   map[string]error // entity/pk, consumed on first hit
	serverStamp  int64
	pulses       int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:        make(map[string][]map[string]any),
		fetchErr:    make(map[string]error),
		fetchCalls:  make(map[string]int),
		lastSince:   make(map[string]int64),
		versions:    make(map[string]int64),
		upsertErrs:  make(map[string]error),
		serverStamp: 1_000_000,
	}
}

func (f *fakeRemote) addRow(entity string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[entity] = append(f.rows[entity], row)
	pk := stringify(row["id"])
	if pk == "" {
		pk = stringify(row["code"])
	}
	f.versions[entity+"/"+pk] = asInt64(row["version"])
}

func (f *fakeRemote) setVersion(entity, pk string, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[entity+"/"+pk] = version
}

func (f *fakeRemote) FetchSnapshot(context.Context) (*authority.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	snap := authority.Snapshot{
		OwnerToken:     f.snap.OwnerToken,
		StaticVersions: make(map[string]int64, len(f.snap.StaticVersions)),
	}
	for k, v := range f.snap.StaticVersions {
		snap.StaticVersions[k] = v
	}
	return &snap, nil
}

func (f *fakeRemote) FetchRows(_ context.Context, entity string, sinceTs int64, offset, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[entity]++
	f.lastSince[entity] = sinceTs
	if err := f.fetchErr[entity]; err != nil {
		return nil, err
	}
	var matched []map[string]any
	for _, row := range f.rows[entity] {
		if asInt64(row["updated_at"]) > sinceTs {
			matched = append(matched, row)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return asInt64(matched[i]["updated_at"]) < asInt64(matched[j]["updated_at"])
	})
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (f *fakeRemote) FetchRowVersion(_ context.Context, entity, pk string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[entity+"/"+pk]
	return v, ok, nil
}

func (f *fakeRemote) UpsertRow(_ context.Context, entity string, row map[string]any) (*authority.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := stringify(row["id"])
	if pk == "" {
		pk = stringify(row["code"])
	}
	key := entity + "/" + pk
	if err, ok := f.upsertErrs[key]; ok {
		delete(f.upsertErrs, key)
		return nil, err
	}
	copied := make(map[string]any, len(row))
	for k, v := range row {
		copied[k] = v
	}
	f.upserts = append(f.upserts, upsertCall{Entity: entity, Row: copied})
	version := asInt64(row["version"])
	if version <= 0 {
		version = 1
	}
	f.versions[key] = version
	f.serverStamp++
	return &authority.UpsertResult{Version: version, ServerUpdatedAt: f.serverStamp}, nil
}

func (f *fakeRemote) Pulse(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses++
	return nil
}

func (f *fakeRemote) upsertEntities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.upserts))
	for _, u := range f.upserts {
		out = append(out, u.Entity)
	}
	return out
}

func newTestEngine(t *testing.T, store *Store, remote *fakeRemote, account string) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PullParallelism = 1
	cfg.SyncInterval = 0
	cfg.SnapshotRetry = RetryPolicy{MaxAttempts: 1, BackoffMin: 0, BackoffMax: 0}
	engine, err := NewEngine(store, remote, staticIdentity(account), cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return engine
}
