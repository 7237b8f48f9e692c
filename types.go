package deltasync

import (
	"encoding/json"
	"time"
)

// EntityTypes enumerates the entity types the platform syncs. Logical names,
// not table names; the storage layer decides how each one is backed.
var EntityTypes = []string{"goal", "habit", "task", "mood_entry", "progress_entry"}

// Entity is the generic server-side row shared by every syncable type.
// Type-specific fields live in Payload and are opaque to the engine.
type Entity struct {
	ID        string
	UserID    string
	Version   int64
	Payload   json.RawMessage
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the row carries a soft-delete mark. Rows are never
// physically removed by the engine.
func (e Entity) Deleted() bool { return e.DeletedAt != nil }

// OperationType is the kind of mutation a client declares.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// SyncOperation is a single client-declared mutation. The ID is generated by
// the client and used for result correlation and idempotent retries.
type SyncOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    *int64          `json:"version,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ClientVersion returns the version the client claims to have seen, or zero
// when the operation carries none. Zero always loses the freshness check
// against an existing row.
func (op SyncOperation) ClientVersion() int64 {
	if op.Version == nil {
		return 0
	}
	return *op.Version
}

// SyncConflict carries both sides of a rejected write so the client can
// rebase, discard, or surface a merge prompt.
type SyncConflict struct {
	ClientData      json.RawMessage `json:"clientData,omitempty"`
	ServerData      json.RawMessage `json:"serverData,omitempty"`
	LocalVersion    int64           `json:"localVersion"`
	ServerVersion   int64           `json:"serverVersion"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// SyncOperationResult is the outcome of applying one SyncOperation. Exactly
// one of NewVersion, Error, or Conflict is meaningful.
type SyncOperationResult struct {
	OperationID string        `json:"operationId"`
	Success     bool          `json:"success"`
	NewVersion  int64         `json:"newVersion,omitempty"`
	Error       string        `json:"error,omitempty"`
	Conflict    *SyncConflict `json:"conflict,omitempty"`
}

// SyncedEntity is the wire representation of a changed row returned by a
// delta query.
type SyncedEntity struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DeltaRequest asks for one page of changes for a single entity type. When
// both Cursor and Since are supplied the cursor wins. IncludeDeleted defaults
// to true; a client that filters deletions still has its cursor advanced past
// them.
type DeltaRequest struct {
	EntityType     string     `json:"entityType"`
	Since          *time.Time `json:"since,omitempty"`
	Cursor         string     `json:"cursor,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	IncludeDeleted *bool      `json:"includeDeleted,omitempty"`
}

// DeltaResponse is one page of changes. TotalChanges counts the rows the page
// consumed for pagination purposes, including soft-deleted rows a filtering
// client asked to skip.
type DeltaResponse struct {
	Entities        []SyncedEntity `json:"entities"`
	HasMore         bool           `json:"hasMore"`
	NextCursor      string         `json:"nextCursor,omitempty"`
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	TotalChanges    int            `json:"totalChanges"`
}

// SyncRequest is a full push+pull round trip: client operations in, server
// changes since LastSyncCursor out.
type SyncRequest struct {
	Operations      []SyncOperation `json:"operations"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	LastSyncCursor  string          `json:"lastSyncCursor,omitempty"`
}

// SyncResponse is the unified round-trip result. Success is a convenience
// signal meaning every operation succeeded; individual outcomes are always in
// Results.
type SyncResponse struct {
	Success         bool                  `json:"success"`
	Results         []SyncOperationResult `json:"results"`
	ServerChanges   []SyncedEntity        `json:"serverChanges"`
	NextCursor      string                `json:"nextCursor,omitempty"`
	ServerTimestamp time.Time             `json:"serverTimestamp"`
}

// EntityTypeStatus is the per-type slice of the status aggregate.
type EntityTypeStatus struct {
	Count      int        `json:"count"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
}

// SyncStatus is a read-only diagnostic aggregate, not part of the core sync
// path.
type SyncStatus struct {
	PendingChanges int                         `json:"pendingChanges"`
	Entities       map[string]EntityTypeStatus `json:"entities"`
}
