package deltasync

import (
	"context"
	"log/slog"
	"time"

	"github.com/upcoach/deltasync/cursor"
	"github.com/upcoach/deltasync/logging"
)

const (
	// DefaultPageLimit is used when a request carries no limit.
	DefaultPageLimit = 100

	// MaxPageLimit bounds the response size regardless of what the client
	// asked for.
	MaxPageLimit = 500
)

// DeltaEngine produces stable, ordered pages of changed entities for one user
// and entity type, including soft-deleted ones.
type DeltaEngine struct {
	registry     *Registry
	defaultLimit int
	maxLimit     int
	logger       *logging.Logger
	now          func() time.Time
}

// DeltaOption configures a DeltaEngine.
type DeltaOption func(*DeltaEngine)

// WithPageLimits overrides the default and maximum page sizes.
func WithPageLimits(defaultLimit, maxLimit int) DeltaOption {
	return func(e *DeltaEngine) {
		if defaultLimit > 0 {
			e.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			e.maxLimit = maxLimit
		}
	}
}

// WithDeltaClock overrides the engine's time source. Used in tests.
func WithDeltaClock(now func() time.Time) DeltaOption {
	return func(e *DeltaEngine) { e.now = now }
}

// WithDeltaLogger overrides the engine's logger.
func WithDeltaLogger(logger *logging.Logger) DeltaOption {
	return func(e *DeltaEngine) { e.logger = logger }
}

// NewDeltaEngine creates a delta query engine over the given registry.
func NewDeltaEngine(registry *Registry, opts ...DeltaOption) *DeltaEngine {
	e := &DeltaEngine{
		registry:     registry,
		defaultLimit: DefaultPageLimit,
		maxLimit:     MaxPageLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.WithComponent("delta-engine")
	}
	return e
}

// Changes returns one page of changes for req.EntityType. A supplied cursor
// takes precedence over a raw since timestamp. The page is fetched oversized
// by one row to detect whether more remain without a second query.
func (e *DeltaEngine) Changes(ctx context.Context, userID string, req DeltaRequest) (*DeltaResponse, error) {
	adapter, err := e.registry.Resolve(req.EntityType)
	if err != nil {
		return nil, err
	}

	var since time.Time
	var afterID string
	if req.Cursor != "" {
		c := cursor.Decode(req.Cursor)
		since = c.UpdatedAt
		afterID = c.LastID
	} else if req.Since != nil {
		since = *req.Since
	}

	limit := e.clampLimit(req.Limit)
	rows, err := adapter.FindChangedSince(ctx, userID, since, afterID, limit+1)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	// Soft-deleted rows still count for pagination even when the client
	// filters them out; otherwise a page dominated by deletions would never
	// terminate.
	includeDeleted := req.IncludeDeleted == nil || *req.IncludeDeleted
	entities := make([]SyncedEntity, 0, len(rows))
	for _, row := range rows {
		if !includeDeleted && row.Deleted() {
			continue
		}
		entities = append(entities, toSyncedEntity(req.EntityType, row))
	}

	var nextCursor string
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		nextCursor = cursor.New(last.UpdatedAt, last.ID).Encode()
	}

	e.logger.DebugContext(ctx, "delta page served",
		slog.String("entity_type", req.EntityType),
		slog.Int("rows", len(rows)),
		slog.Bool("has_more", hasMore),
	)

	return &DeltaResponse{
		Entities:        entities,
		HasMore:         hasMore,
		NextCursor:      nextCursor,
		ServerTimestamp: e.now().UTC(),
		TotalChanges:    len(rows),
	}, nil
}

func (e *DeltaEngine) clampLimit(requested int) int {
	if requested <= 0 {
		return e.defaultLimit
	}
	if requested > e.maxLimit {
		return e.maxLimit
	}
	return requested
}

func toSyncedEntity(entityType string, row Entity) SyncedEntity {
	return SyncedEntity{
		EntityType: entityType,
		EntityID:   row.ID,
		Data:       row.Payload,
		Version:    row.Version,
		Deleted:    row.Deleted(),
		UpdatedAt:  row.UpdatedAt,
	}
}
