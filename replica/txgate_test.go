// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxGateSerializesWriters(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	ctx := context.Background()
	gate := store.Gate()

	_, err := store.DB.Exec(`CREATE TABLE counter (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = store.DB.Exec(`INSERT INTO counter (id, n) VALUES (1, 0)`)
	require.NoError(t, err)

	// Unserialized read-modify-write cycles would lose increments.
	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.Write(ctx, func(tx *sql.Tx) error {
				var n int
				if err := tx.QueryRow(`SELECT n FROM counter WHERE id = 1`).Scan(&n); err != nil {
					return err
				}
				_, err := tx.Exec(`UPDATE counter SET n = ? WHERE id = 1`, n+1)
				return err
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, store.DB.QueryRow(`SELECT n FROM counter WHERE id = 1`).Scan(&n))
	require.Equal(t, workers, n)
}

func TestTxGateRollsBackOnError(t *testing.T) {
	store := openTestStore(t, testRegistry(t))
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Gate().Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO wallets (id, name, updated_at) VALUES ('w1', 'Cash', 1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	row, err := store.Get(ctx, "wallets", "w1")
	require.NoError(t, err)
	require.Nil(t, row, "failed transaction must leave no trace")
}

func TestTxGateHonorsContext(t *testing.T) {
	store := openTestStore(t, testRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Gate().Write(ctx, func(tx *sql.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
