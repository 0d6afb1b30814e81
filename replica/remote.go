// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// RemoteStore is the engine's view of the authoritative store. Entity names
// are remote names (see Table.Remote). Implementations must scope owned rows
// to the authenticated account; the engine never passes account IDs on this
// interface.
type RemoteStore interface {
	// FetchSnapshot returns the authority's current version summary.
	FetchSnapshot(ctx context.Context) (*authority.Snapshot, error)

	// FetchRows returns one page of rows with updated_at > sinceTs, ordered
	// by updated_at ascending. sinceTs of zero means everything, including
	// tombstones.
	FetchRows(ctx context.Context, entity string, sinceTs int64, offset, limit int) ([]map[string]any, error)

	// FetchRowVersion returns the stored version of a single row, with found
	// reporting whether the row exists at all.
	FetchRowVersion(ctx context.Context, entity, pk string) (version int64, found bool, err error)

	// UpsertRow writes a full row and returns the server-assigned metadata.
	// A rejected optimistic check surfaces as *authority.VersionConflictError
	// and a referential-integrity rejection as *authority.FKViolationError.
	UpsertRow(ctx context.Context, entity string, row map[string]any) (*authority.UpsertResult, error)
}

// Pulser emits a payload-free broadcast telling peer devices that fresh rows
// are available to pull.
type Pulser interface {
	Pulse(ctx context.Context) error
}

// ChangeFeed is a live subscription to authority events. Connect returns a
// channel that delivers events until the connection drops, then closes; the
// listener decides whether and when to reconnect.
type ChangeFeed interface {
	Connect(ctx context.Context) (<-chan authority.FeedEvent, error)
}
