// Package deltasync reconciles client-held copies of mutable entities with a
// server-of-record store. It supports offline-first clients with resumable
// cursor pagination over a change feed, optimistic version-gated conflict
// detection, and idempotent partial-success batch application of client
// mutations. Storage backends are pluggable through the Adapter interface
// (SQLite, Postgres, in-memory implementations ship under storage/).
package deltasync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	syncerrors "github.com/upcoach/deltasync/errors"
)

// Adapter exposes the per-entity-type query and update surface of the backing
// store. Implementations must keep (updatedAt, id) a strict total order for
// the owning user so that page boundaries can never skip or duplicate a row.
type Adapter interface {
	// FindChangedSince returns up to limit rows owned by userID with
	// updatedAt >= since, ordered by (updatedAt ASC, id ASC). When afterID is
	// non-empty, rows at exactly since with id <= afterID are excluded; this
	// is the exclusive lower bound a cursor encodes.
	FindChangedSince(ctx context.Context, userID string, since time.Time, afterID string, limit int) ([]Entity, error)

	// FindOne returns the row with the given id owned by userID, or nil when
	// no such row exists. Soft-deleted rows are still returned.
	FindOne(ctx context.Context, userID, entityID string) (*Entity, error)

	// Create inserts a new row and returns it as stored.
	Create(ctx context.Context, row Entity) (*Entity, error)

	// Update applies a patch to an existing row and returns the updated row.
	// The write is keyed by (userID, id, existing version) so a concurrent
	// writer cannot be silently overwritten.
	Update(ctx context.Context, existing Entity, patch Patch) (*Entity, error)

	// Count returns the number of rows owned by userID, including
	// soft-deleted ones.
	Count(ctx context.Context, userID string) (int, error)

	// MostRecentUpdate returns the newest updatedAt among the user's rows, or
	// nil when the user has none.
	MostRecentUpdate(ctx context.Context, userID string) (*time.Time, error)
}

// Patch is the mutation applied to an existing row. A nil Data keeps the
// current payload; a non-nil DeletedAt marks the row soft-deleted.
type Patch struct {
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Registry maps logical entity-type names to adapters. It is safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to an entity-type name, replacing any previous
// binding.
func (r *Registry) Register(entityType string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[entityType] = a
}

// Resolve returns the adapter for entityType. An unregistered name yields a
// KindUnknownEntityType error; callers surface it per operation or per query,
// never as a fatal condition for a whole batch.
func (r *Registry) Resolve(entityType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[entityType]
	if !ok {
		return nil, syncerrors.E(syncerrors.Op("registry.Resolve"), syncerrors.KindUnknownEntityType,
			"unknown entity type: "+entityType)
	}
	return a, nil
}

// Types returns the registered entity-type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
