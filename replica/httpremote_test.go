// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmemran121/FinOs-sub002/authority"
)

func TestHTTPRemoteSendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(authority.Snapshot{OwnerToken: 3})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, func(context.Context) (string, error) {
		return "tok-123", nil
	})
	snap, err := remote.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, int64(3), snap.OwnerToken)
}

func TestHTTPRemoteFetchRowsQueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "wallets", q.Get("entity"))
		require.Equal(t, "1500", q.Get("since"))
		require.Equal(t, "100", q.Get("offset"))
		require.Equal(t, "50", q.Get("limit"))
		_ = json.NewEncoder(w).Encode(authority.RowsResponse{
			Rows: []map[string]any{{"id": "w1"}},
		})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	rows, err := remote.FetchRows(context.Background(), "wallets", 1500, 100, 50)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "w1", rows[0]["id"])
}

func TestHTTPRemoteDecodesTypedErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(authority.ErrorResponse{
			Error:   authority.ErrCodeFKViolation,
			Message: "transactions",
			Field:   "category_id",
		})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	_, err := remote.UpsertRow(context.Background(), "transactions", map[string]any{"id": "t1"})
	require.Error(t, err)

	var fkErr *authority.FKViolationError
	require.ErrorAs(t, err, &fkErr)
	require.Equal(t, "category_id", fkErr.Field)
}

func TestHTTPRemoteDecodesVersionConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(authority.ErrorResponse{
			Error:   authority.ErrCodeVersionConflict,
			Message: "wallets",
		})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	_, err := remote.UpsertRow(context.Background(), "wallets", map[string]any{"id": "w1"})

	var conflict *authority.VersionConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestHTTPRemoteUpsertRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req authority.UpsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "wallets", req.Entity)
		require.Equal(t, "w1", req.Row["id"])
		_ = json.NewEncoder(w).Encode(authority.UpsertResult{Version: 4, ServerUpdatedAt: 999})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, nil)
	result, err := remote.UpsertRow(context.Background(), "wallets", map[string]any{"id": "w1"})
	require.NoError(t, err)
	require.Equal(t, int64(4), result.Version)
	require.Equal(t, int64(999), result.ServerUpdatedAt)
}
