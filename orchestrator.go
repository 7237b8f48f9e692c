package deltasync

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/upcoach/deltasync/cursor"
	syncerrors "github.com/upcoach/deltasync/errors"
	"github.com/upcoach/deltasync/logging"
)

// statusPendingCap bounds how many changed rows the status query will count
// per entity type. Status is a diagnostic, not a substitute for paging.
const statusPendingCap = 1000

// Orchestrator composes the batch processor (client→server push) and the
// delta engine (server→client pull) into a single round trip, and exposes a
// lightweight status query.
type Orchestrator struct {
	registry  *Registry
	processor *BatchProcessor
	delta     *DeltaEngine
	logger    *logging.Logger
	now       func() time.Time
	pullLimit int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock overrides the orchestrator's time source, which is also shared
// with its processor and delta engine. Used in tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger overrides the orchestrator's logger.
func WithLogger(logger *logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPullLimit sets the per-entity-type page size used during a round trip.
func WithPullLimit(limit int) OrchestratorOption {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.pullLimit = limit
		}
	}
}

// NewOrchestrator creates the sync façade over the given registry.
func NewOrchestrator(registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		now:       time.Now,
		pullLimit: DefaultPageLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.WithComponent("orchestrator")
	}
	o.processor = NewBatchProcessor(registry, WithBatchClock(o.now), WithBatchLogger(o.logger))
	o.delta = NewDeltaEngine(registry, WithDeltaClock(o.now), WithDeltaLogger(o.logger))
	return o
}

// Delta exposes the orchestrator's delta engine for standalone per-type pulls.
func (o *Orchestrator) Delta() *DeltaEngine { return o.delta }

// Sync performs a full round trip: apply the client's operations, then pull
// every registered entity type's changes since the client's cursor.
//
// Only the cursor's timestamp is applied to the per-type pulls. The id half
// of the cursor was minted from one type's row; excluding id <= lastID in
// the other types could silently skip a row that landed at exactly the
// boundary timestamp and was never delivered. Re-sending the boundary rows
// is the safe side of that trade: every operation is version-guarded, so
// replayed rows are idempotent.
func (o *Orchestrator) Sync(ctx context.Context, userID string, req SyncRequest) (*SyncResponse, error) {
	results := o.processor.Process(ctx, userID, req.Operations)

	since := cursor.Decode(req.LastSyncCursor).UpdatedAt

	var changes []SyncedEntity
	for _, entityType := range o.registry.Types() {
		page, err := o.delta.Changes(ctx, userID, DeltaRequest{
			EntityType: entityType,
			Since:      &since,
			Limit:      o.pullLimit,
		})
		if err != nil {
			// One type's storage failure must not lose the whole round trip;
			// the client's cursor does not advance past what it never saw.
			o.logger.LogError(ctx, err, "delta pull failed for entity type",
				slog.String("entity_type", entityType))
			continue
		}
		changes = append(changes, page.Entities...)
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if !changes[i].UpdatedAt.Equal(changes[j].UpdatedAt) {
			return changes[i].UpdatedAt.Before(changes[j].UpdatedAt)
		}
		return changes[i].EntityID < changes[j].EntityID
	})

	// Advance the unified cursor to the single most recent change, or keep
	// the old cursor when nothing changed.
	nextCursor := req.LastSyncCursor
	if len(changes) > 0 {
		last := changes[len(changes)-1]
		nextCursor = cursor.New(last.UpdatedAt, last.EntityID).Encode()
	}

	success := true
	for _, r := range results {
		if !r.Success {
			success = false
			break
		}
	}

	o.logger.InfoContext(ctx, "sync round trip completed",
		slog.String("user_id", userID),
		slog.Int("operations", len(req.Operations)),
		slog.Int("server_changes", len(changes)),
		slog.Bool("success", success),
	)

	return &SyncResponse{
		Success:         success,
		Results:         results,
		ServerChanges:   changes,
		NextCursor:      nextCursor,
		ServerTimestamp: o.now().UTC(),
	}, nil
}

// Status returns a read-only diagnostic aggregate: per-type entity counts and
// most recent update, plus the number of rows changed since sinceCursor
// (zero when no cursor is supplied, capped per type).
func (o *Orchestrator) Status(ctx context.Context, userID string, sinceCursor string) (*SyncStatus, error) {
	status := &SyncStatus{Entities: make(map[string]EntityTypeStatus)}
	since := cursor.Decode(sinceCursor)

	for _, entityType := range o.registry.Types() {
		adapter, err := o.registry.Resolve(entityType)
		if err != nil {
			return nil, err
		}

		count, err := adapter.Count(ctx, userID)
		if err != nil {
			return nil, syncerrors.WrapOpComponent(err, "orchestrator.Status", "engine")
		}
		lastUpdate, err := adapter.MostRecentUpdate(ctx, userID)
		if err != nil {
			return nil, syncerrors.WrapOpComponent(err, "orchestrator.Status", "engine")
		}
		status.Entities[entityType] = EntityTypeStatus{Count: count, LastUpdate: lastUpdate}

		if sinceCursor != "" {
			rows, err := adapter.FindChangedSince(ctx, userID, since.UpdatedAt, since.LastID, statusPendingCap)
			if err != nil {
				return nil, syncerrors.WrapOpComponent(err, "orchestrator.Status", "engine")
			}
			status.PendingChanges += len(rows)
		}
	}

	return status, nil
}
