// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmemran121/FinOs-sub002/authority"
)

func queueStatus(t *testing.T, store *Store, id string) string {
	t.Helper()
	var status string
	require.NoError(t, store.DB.QueryRow(
		`SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&status))
	return status
}

func TestPushHappyPath(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{
		"id": "w1", "name": "Cash", "amount": 100.0,
	}, false))
	item, err := engine.Enqueue(ctx, "wallets", "w1", authority.OpInsert, nil, false)
	require.NoError(t, err)

	require.NoError(t, engine.Push(ctx))

	require.Equal(t, StatusSynced, queueStatus(t, store, item.ID))
	require.Len(t, remote.upserts, 1)
	pushed := remote.upserts[0].Row
	require.Equal(t, "acct-1", pushed["owner_id"], "owner is stamped at push time")
	require.Equal(t, engine.DeviceID(), pushed["device_id"])
	require.Equal(t, "Cash", pushed["name"])

	// Server-assigned metadata is written back onto the local row.
	row, err := store.Get(ctx, "wallets", "w1")
	require.NoError(t, err)
	require.Equal(t, remote.serverStamp, asInt64(row["server_updated_at"]))
	require.Equal(t, 1, remote.pulses, "a successful pass pulses peers")
}

func TestPushUsesCurrentRowNotStalePayload(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{
		"id": "w1", "name": "Cash", "amount": 100.0,
	}, false))
	_, err := engine.Enqueue(ctx, "wallets", "w1", authority.OpInsert,
		map[string]any{"id": "w1", "amount": 100.0}, false)
	require.NoError(t, err)

	// The row changes again before the push runs.
	require.NoError(t, store.Update(ctx, "wallets", "w1", map[string]any{"amount": 250.0}))

	require.NoError(t, engine.Push(ctx))
	require.Len(t, remote.upserts, 1)
	require.Equal(t, 250.0, remote.upserts[0].Row["amount"])
}

func TestPushOptimisticConflictFailsOnlyThatItem(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{
		"id": "w1", "amount": 100.0, "version": int64(3),
	}, false))
	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{
		"id": "w2", "amount": 50.0,
	}, false))
	conflicted, err := engine.Enqueue(ctx, "wallets", "w1", authority.OpUpdate, nil, false)
	require.NoError(t, err)
	clean, err := engine.Enqueue(ctx, "wallets", "w2", authority.OpUpdate, nil, false)
	require.NoError(t, err)

	// The authority is already past our w1 version.
	remote.setVersion("wallets", "w1", 9)

	require.NoError(t, engine.Push(ctx))

	require.Equal(t, StatusFailed, queueStatus(t, store, conflicted.ID))
	require.Equal(t, StatusSynced, queueStatus(t, store, clean.ID))
	require.Equal(t, []string{"wallets"}, remote.upsertEntities(),
		"the conflicted row is never written remotely")
}

func TestPushGenericFailureHaltsPass(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{"id": "w1"}, false))
	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{"id": "w2"}, false))
	broken, err := engine.Enqueue(ctx, "wallets", "w1", authority.OpInsert, nil, false)
	require.NoError(t, err)
	blocked, err := engine.Enqueue(ctx, "wallets", "w2", authority.OpInsert, nil, false)
	require.NoError(t, err)

	remote.upsertErrs["wallets/w1"] = errors.New("server exploded")

	err = engine.Push(ctx)
	require.Error(t, err)

	require.Equal(t, StatusFailed, queueStatus(t, store, broken.ID))
	require.Equal(t, StatusPending, queueStatus(t, store, blocked.ID),
		"items after a hard failure wait for the next pass")
	require.Empty(t, remote.upserts)
}

func TestPushSelfHealsOptionalReference(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "categories", map[string]any{
		"id": "cat1", "name": "Food",
	}, false))
	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{"id": "w1"}, false))
	require.NoError(t, store.Insert(ctx, "transactions", map[string]any{
		"id": "t1", "wallet_id": "w1", "category_id": "cat1", "amount": 9.5,
	}, false))
	item, err := engine.Enqueue(ctx, "transactions", "t1", authority.OpInsert, nil, false)
	require.NoError(t, err)

	// The authority no longer knows cat1.
	remote.upsertErrs["transactions/t1"] = &authority.FKViolationError{
		Entity: "transactions", Field: "category_id",
	}

	require.NoError(t, engine.Push(ctx))

	require.Equal(t, StatusSynced, queueStatus(t, store, item.ID))
	require.Len(t, remote.upserts, 1)
	require.Nil(t, remote.upserts[0].Row["category_id"],
		"the optional reference is nulled on retry")
	require.Equal(t, "w1", remote.upserts[0].Row["wallet_id"])
}

func TestPushRequiredReferenceFailureIsNotHealed(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{"id": "w1"}, false))
	require.NoError(t, store.Insert(ctx, "transactions", map[string]any{
		"id": "t1", "wallet_id": "w1", "amount": 9.5,
	}, false))
	item, err := engine.Enqueue(ctx, "transactions", "t1", authority.OpInsert, nil, false)
	require.NoError(t, err)

	remote.upsertErrs["transactions/t1"] = &authority.FKViolationError{
		Entity: "transactions", Field: "wallet_id",
	}

	require.Error(t, engine.Push(ctx))
	require.Equal(t, StatusFailed, queueStatus(t, store, item.ID))
	require.Empty(t, remote.upserts)
}

func TestPushBlockedWhenSignedOut(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{"id": "w1"}, false))
	item, err := engine.Enqueue(ctx, "wallets", "w1", authority.OpInsert, nil, false)
	require.NoError(t, err)

	require.NoError(t, engine.Push(ctx))
	require.Equal(t, StatusPending, queueStatus(t, store, item.ID))
	require.Empty(t, remote.upserts)
}

func TestPushDeleteShipsTombstone(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote, "acct-1")
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "wallets", map[string]any{
		"id": "w1", "amount": 10.0,
	}, false))
	require.NoError(t, store.SoftDelete(ctx, "wallets", "w1"))
	item, err := engine.Enqueue(ctx, "wallets", "w1", authority.OpDelete, nil, false)
	require.NoError(t, err)

	require.NoError(t, engine.Push(ctx))
	require.Equal(t, StatusSynced, queueStatus(t, store, item.ID))
	require.Len(t, remote.upserts, 1)
	require.Equal(t, int64(1), asInt64(remote.upserts[0].Row["is_deleted"]))
}
