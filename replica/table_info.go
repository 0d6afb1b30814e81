// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// queryer abstracts *sql.DB and *sql.Tx for reads that may run either inside
// or outside a gated transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableInfo caches the physical column set of one table as reported by
// PRAGMA table_info. Row maps are filtered against it before being written,
// so authority payloads carrying columns this build does not know about are
// tolerated instead of breaking the INSERT.
type tableInfo struct {
	Table   string
	Columns []string
	set     map[string]struct{}
}

func (ti *tableInfo) HasColumn(name string) bool {
	_, ok := ti.set[name]
	return ok
}

// tableInfoCache is a per-store cache of tableInfo, keyed by table name.
// Entries are invalidated after schema migrations.
type tableInfoCache struct {
	mu      sync.RWMutex
	entries map[string]*tableInfo
}

func newTableInfoCache() *tableInfoCache {
	return &tableInfoCache{entries: make(map[string]*tableInfo)}
}

// get returns the cached info for table, loading it on first use.
func (c *tableInfoCache) get(ctx context.Context, q queryer, table string) (*tableInfo, error) {
	c.mu.RLock()
	ti, ok := c.entries[table]
	c.mu.RUnlock()
	if ok {
		return ti, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ti, ok := c.entries[table]; ok {
		return ti, nil
	}

	ti, err := loadTableInfo(ctx, q, table)
	if err != nil {
		return nil, err
	}
	c.entries[table] = ti
	return ti, nil
}

// invalidate drops the cached entry for table.
func (c *tableInfoCache) invalidate(table string) {
	c.mu.Lock()
	delete(c.entries, table)
	c.mu.Unlock()
}

func loadTableInfo(ctx context.Context, q queryer, table string) (*tableInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query table info for %s: %w", table, err)
	}
	defer rows.Close()

	ti := &tableInfo{Table: table, set: make(map[string]struct{})}
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltVal   sql.NullString
			pkOrdinal int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltVal, &pkOrdinal); err != nil {
			return nil, fmt.Errorf("failed to scan table info for %s: %w", table, err)
		}
		ti.Columns = append(ti.Columns, name)
		ti.set[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", table, err)
	}
	if len(ti.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return ti, nil
}
