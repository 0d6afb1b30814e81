// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import "fmt"

// Ownership classifies how the authority versions a table.
type Ownership int

const (
	// Shared tables hold reference data visible to every account. Each one is
	// versioned independently by a per-table static version counter.
	Shared Ownership = iota
	// Owned tables hold account-scoped rows. All of them together are
	// versioned by the single per-account owner token.
	Owned
)

func (o Ownership) String() string {
	if o == Shared {
		return "shared"
	}
	return "owned"
}

// Column describes one domain column of a synced table. Structured columns
// are stored as JSON text locally and decoded into maps/slices on read.
type Column struct {
	Name       string
	Type       string // SQLite declared type: TEXT, INTEGER, REAL
	Structured bool
}

// Ref declares a foreign-key reference carried by a table. Optional refs are
// eligible for the null-and-retry self-heal when the authority rejects a push
// with a referential-integrity error.
type Ref struct {
	Field    string
	Table    string
	Optional bool
}

// Table is the static descriptor for one synced table. Tier orders pulls so
// that referenced rows land before the rows that point at them.
type Table struct {
	Name       string
	RemoteName string // authority entity name; empty means same as Name
	PKColumn   string // empty means "id"
	Tier       int
	Ownership  Ownership
	Columns    []Column
	Refs       []Ref
}

// PK returns the primary-key column name.
func (t *Table) PK() string {
	if t.PKColumn == "" {
		return "id"
	}
	return t.PKColumn
}

// Remote returns the entity name used on the wire for this table.
func (t *Table) Remote() string {
	if t.RemoteName == "" {
		return t.Name
	}
	return t.RemoteName
}

// OptionalRef reports whether field is declared as an optional reference.
func (t *Table) OptionalRef(field string) bool {
	for _, r := range t.Refs {
		if r.Field == field {
			return r.Optional
		}
	}
	return false
}

// Registry holds the full set of synced tables in declaration order. The set
// is fixed at construction; the engine never introspects the database to
// discover tables.
type Registry struct {
	tables   []*Table
	byName   map[string]*Table
	byRemote map[string]*Table
	maxTier  int
}

// NewRegistry validates the table set and builds lookup indexes. Referenced
// tables must exist and must not live in a higher tier than the referencing
// table, otherwise tiered pulls could not order parents before children.
func NewRegistry(tables []*Table) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]*Table, len(tables)),
		byRemote: make(map[string]*Table, len(tables)),
	}
	for _, t := range tables {
		if t.Name == "" {
			return nil, fmt.Errorf("table with empty name")
		}
		if t.Tier < 1 {
			return nil, fmt.Errorf("table %s: tier must be >= 1", t.Name)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table %s", t.Name)
		}
		if prev, dup := r.byRemote[t.Remote()]; dup {
			return nil, fmt.Errorf("tables %s and %s map to the same remote entity %s",
				prev.Name, t.Name, t.Remote())
		}
		r.tables = append(r.tables, t)
		r.byName[t.Name] = t
		r.byRemote[t.Remote()] = t
		if t.Tier > r.maxTier {
			r.maxTier = t.Tier
		}
	}
	for _, t := range r.tables {
		for _, ref := range t.Refs {
			parent, ok := r.byName[ref.Table]
			if !ok {
				return nil, fmt.Errorf("table %s: ref %s points at unregistered table %s",
					t.Name, ref.Field, ref.Table)
			}
			if parent.Tier > t.Tier {
				return nil, fmt.Errorf("table %s (tier %d): ref %s points at %s in higher tier %d",
					t.Name, t.Tier, ref.Field, ref.Table, parent.Tier)
			}
		}
	}
	return r, nil
}

// Lookup returns the table descriptor for a local table name.
func (r *Registry) Lookup(name string) (*Table, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// ByRemote returns the table descriptor for a remote entity name.
func (r *Registry) ByRemote(entity string) (*Table, bool) {
	t, ok := r.byRemote[entity]
	return t, ok
}

// Tables returns all tables in declaration order.
func (r *Registry) Tables() []*Table {
	return r.tables
}

// Tiers returns the tables grouped by tier, ascending. Declaration order is
// preserved within a tier.
func (r *Registry) Tiers() [][]*Table {
	out := make([][]*Table, 0, r.maxTier)
	for tier := 1; tier <= r.maxTier; tier++ {
		var group []*Table
		for _, t := range r.tables {
			if t.Tier == tier {
				group = append(group, t)
			}
		}
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}
