// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import "fmt"

// Operation names carried on the wire and in the client outbox.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change-feed event kinds.
const (
	EventRowChange = "row_change"
	EventPulse     = "pulse"
)

// Error codes used in HTTP error responses.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeUnknownEntity   = "unknown_entity"
	ErrCodeVersionConflict = "version_conflict"
	ErrCodeFKViolation     = "fk_violation"
	ErrCodeInternal        = "internal_error"
)

// Snapshot is the read-only version summary served by GET /sync/authority.
// Clients compare it against their local anchor to decide what to pull.
type Snapshot struct {
	StaticVersions map[string]int64 `json:"static_versions"`
	OwnerToken     int64            `json:"owner_token"`
}

// RowsResponse is the page payload served by GET /sync/rows.
type RowsResponse struct {
	Rows []map[string]any `json:"rows"`
}

// RowVersionResponse reports the current stored version of a single row.
type RowVersionResponse struct {
	Version int64 `json:"version"`
	Found   bool  `json:"found"`
}

// UpsertRequest is the body of POST /sync/upsert.
type UpsertRequest struct {
	Entity string         `json:"entity"`
	Row    map[string]any `json:"row"`
}

// UpsertResult carries the server-assigned metadata for an accepted upsert.
// Clients write these values back onto the local row so a later pull of the
// same row is a no-op.
type UpsertResult struct {
	Version         int64 `json:"version"`
	ServerUpdatedAt int64 `json:"server_updated_at"`
}

// FeedEvent is a single message on the websocket change feed. Row-change
// events carry the post-image of the row; pulse events carry no payload and
// only signal that peers should schedule a delta pull.
type FeedEvent struct {
	Event    string         `json:"event"`
	Entity   string         `json:"entity,omitempty"`
	Op       string         `json:"op,omitempty"`
	Row      map[string]any `json:"row,omitempty"`
	DeviceID string         `json:"device_id"`
}

// ErrorResponse is the JSON body of any non-2xx sync endpoint response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FKViolationError reports a referential-integrity rejection of an upsert.
// Field names the offending column so clients can apply their optional-ref
// self-heal before retrying.
type FKViolationError struct {
	Entity string
	Field  string
}

func (e *FKViolationError) Error() string {
	return fmt.Sprintf("foreign key violation on %s.%s", e.Entity, e.Field)
}

// VersionConflictError reports an upsert rejected because the stored row is
// already ahead of the submitted one.
type VersionConflictError struct {
	Entity        string
	PK            string
	ServerVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: server is at v%d", e.Entity, e.PK, e.ServerVersion)
}
