// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hmemran121/FinOs-sub002/authority"
)

// TokenFunc supplies a bearer token for outgoing requests.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemote talks to an authority server over its HTTP sync endpoints. It
// implements RemoteStore and Pulser.
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewHTTPRemote creates a client for the authority at baseURL.
func NewHTTPRemote(baseURL string, token TokenFunc) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// FetchSnapshot implements RemoteStore.
func (r *HTTPRemote) FetchSnapshot(ctx context.Context) (*authority.Snapshot, error) {
	var snap authority.Snapshot
	if err := r.do(ctx, http.MethodGet, "/sync/authority", nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchRows implements RemoteStore.
func (r *HTTPRemote) FetchRows(ctx context.Context, entity string, sinceTs int64, offset, limit int) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("entity", entity)
	q.Set("since", strconv.FormatInt(sinceTs, 10))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var resp authority.RowsResponse
	if err := r.do(ctx, http.MethodGet, "/sync/rows", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// FetchRowVersion implements RemoteStore.
func (r *HTTPRemote) FetchRowVersion(ctx context.Context, entity, pk string) (int64, bool, error) {
	q := url.Values{}
	q.Set("entity", entity)
	q.Set("pk", pk)
	var resp authority.RowVersionResponse
	if err := r.do(ctx, http.MethodGet, "/sync/row-version", q, nil, &resp); err != nil {
		return 0, false, err
	}
	return resp.Version, resp.Found, nil
}

// UpsertRow implements RemoteStore.
func (r *HTTPRemote) UpsertRow(ctx context.Context, entity string, row map[string]any) (*authority.UpsertResult, error) {
	req := authority.UpsertRequest{Entity: entity, Row: row}
	var resp authority.UpsertResult
	if err := r.do(ctx, http.MethodPost, "/sync/upsert", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pulse implements Pulser.
func (r *HTTPRemote) Pulse(ctx context.Context) error {
	return r.do(ctx, http.MethodPost, "/sync/pulse", nil, struct{}{}, nil)
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := r.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response of %s: %w", path, err)
		}
	}
	return nil
}

// decodeError maps error payloads onto the typed errors the push engine
// inspects. Unrecognized bodies degrade to a plain status error.
func decodeError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body authority.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		switch body.Error {
		case authority.ErrCodeFKViolation:
			return &authority.FKViolationError{Field: body.Field, Entity: body.Message}
		case authority.ErrCodeVersionConflict:
			return &authority.VersionConflictError{Entity: body.Message}
		}
		if body.Error != "" {
			return fmt.Errorf("%s returned %d: %s: %s", path, resp.StatusCode, body.Error, body.Message)
		}
	}
	return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
}

// WSFeed subscribes to the authority change feed over a websocket. It
// implements ChangeFeed; reconnect policy lives in the engine, not here.
type WSFeed struct {
	URL    string // ws:// or wss:// address of the feed endpoint
	Token  TokenFunc
	Dialer *websocket.Dialer
}

// NewWSFeed creates a feed subscriber for the given websocket URL.
func NewWSFeed(wsURL string, token TokenFunc) *WSFeed {
	return &WSFeed{URL: wsURL, Token: token, Dialer: websocket.DefaultDialer}
}

// Connect implements ChangeFeed. The returned channel closes when the
// connection drops for any reason, including context cancellation.
func (f *WSFeed) Connect(ctx context.Context) (<-chan authority.FeedEvent, error) {
	header := http.Header{}
	if f.Token != nil {
		token, err := f.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain auth token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, f.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial change feed: %w", err)
	}

	ch := make(chan authority.FeedEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		defer conn.Close()
		for {
			var ev authority.FeedEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return ch, nil
}
