// Package memory provides an in-memory deltasync.Adapter. It backs the
// engine's tests and is usable as an offline client-side store; it is not
// meant for server deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upcoach/deltasync"
	syncerrors "github.com/upcoach/deltasync/errors"
)

// Store is an in-memory adapter for one entity type. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[string]map[string]deltasync.Entity // userID -> entityID -> row
}

var _ deltasync.Adapter = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{rows: make(map[string]map[string]deltasync.Entity)}
}

// FindChangedSince implements deltasync.Adapter.
func (s *Store) FindChangedSince(ctx context.Context, userID string, since time.Time, afterID string, limit int) ([]deltasync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []deltasync.Entity
	for _, row := range s.rows[userID] {
		if row.UpdatedAt.Before(since) {
			continue
		}
		if afterID != "" && row.UpdatedAt.Equal(since) && row.ID <= afterID {
			continue
		}
		matched = append(matched, row)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// FindOne implements deltasync.Adapter.
func (s *Store) FindOne(ctx context.Context, userID, entityID string) (*deltasync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[userID][entityID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

// Create implements deltasync.Adapter.
func (s *Store) Create(ctx context.Context, row deltasync.Entity) (*deltasync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[row.UserID][row.ID]; ok {
		return nil, syncerrors.NewStorageError("memory.Create", "storage/memory",
			errDuplicateRow(row.ID))
	}
	if s.rows[row.UserID] == nil {
		s.rows[row.UserID] = make(map[string]deltasync.Entity)
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	s.rows[row.UserID][row.ID] = row
	return &row, nil
}

// Update implements deltasync.Adapter. The write is guarded by the version
// the caller read, mirroring the conditional UPDATE of the SQL backends.
func (s *Store) Update(ctx context.Context, existing deltasync.Entity, patch deltasync.Patch) (*deltasync.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rows[existing.UserID][existing.ID]
	if !ok || current.Version != existing.Version {
		return nil, syncerrors.NewStorageError("memory.Update", "storage/memory",
			errConcurrentModification(existing.ID))
	}

	current.Version = patch.Version
	current.UpdatedAt = patch.UpdatedAt.UTC()
	if patch.Data != nil {
		current.Payload = patch.Data
	}
	if patch.DeletedAt != nil {
		deletedAt := patch.DeletedAt.UTC()
		current.DeletedAt = &deletedAt
	}
	s.rows[existing.UserID][existing.ID] = current
	return &current, nil
}

// Count implements deltasync.Adapter.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[userID]), nil
}

// MostRecentUpdate implements deltasync.Adapter.
func (s *Store) MostRecentUpdate(ctx context.Context, userID string) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, row := range s.rows[userID] {
		if latest == nil || row.UpdatedAt.After(*latest) {
			at := row.UpdatedAt
			latest = &at
		}
	}
	return latest, nil
}
