package deltasync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	syncerrors "github.com/upcoach/deltasync/errors"
	"github.com/upcoach/deltasync/logging"
)

// BatchProcessor applies an ordered list of client operations against the
// store, one at a time, producing one result per operation in input order.
// No operation's failure aborts the batch: a single bad operation must not
// block an entire device's sync.
//
// Operations within one batch run sequentially; that is what makes the
// read-check-increment sequence race-free without locks. Concurrency across
// batches is left to the store's own row-level atomicity.
type BatchProcessor struct {
	registry *Registry
	logger   *logging.Logger
	now      func() time.Time
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchClock overrides the processor's time source. Used in tests.
func WithBatchClock(now func() time.Time) BatchOption {
	return func(p *BatchProcessor) { p.now = now }
}

// WithBatchLogger overrides the processor's logger.
func WithBatchLogger(logger *logging.Logger) BatchOption {
	return func(p *BatchProcessor) { p.logger = logger }
}

// NewBatchProcessor creates a batch processor over the given registry.
func NewBatchProcessor(registry *Registry, opts ...BatchOption) *BatchProcessor {
	p := &BatchProcessor{
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.WithComponent("batch-processor")
	}
	return p
}

// Process applies ops in submission order and returns exactly one result per
// operation. Two operations targeting the same entity within one batch each
// see the version written by the previous one.
func (p *BatchProcessor) Process(ctx context.Context, userID string, ops []SyncOperation) []SyncOperationResult {
	results := make([]SyncOperationResult, 0, len(ops))
	for _, op := range ops {
		result := p.apply(ctx, userID, op)
		if !result.Success && result.Conflict == nil {
			p.logger.WarnContext(ctx, "sync operation failed",
				slog.String("operation_id", op.ID),
				slog.String("operation_type", string(op.Type)),
				slog.String("entity_type", op.EntityType),
				slog.String("error", result.Error),
			)
		}
		results = append(results, result)
	}
	return results
}

func (p *BatchProcessor) apply(ctx context.Context, userID string, op SyncOperation) SyncOperationResult {
	adapter, err := p.registry.Resolve(op.EntityType)
	if err != nil {
		return failureResult(op, err)
	}

	switch op.Type {
	case OpCreate:
		return p.applyCreate(ctx, adapter, userID, op)
	case OpUpdate:
		return p.applyUpdate(ctx, adapter, userID, op)
	case OpDelete:
		return p.applyDelete(ctx, adapter, userID, op)
	default:
		return failureResult(op, syncerrors.NewValidationError("batch.apply",
			fmt.Errorf("unsupported operation type: %q", op.Type)))
	}
}

// applyCreate inserts a fresh row at version 1. If a row with the same id
// already exists the operation is treated as an idempotent retry and
// redirected to the update path, so clients can retry creates without
// deduplicating.
func (p *BatchProcessor) applyCreate(ctx context.Context, adapter Adapter, userID string, op SyncOperation) SyncOperationResult {
	existing, err := adapter.FindOne(ctx, userID, op.EntityID)
	if err != nil {
		return failureResult(op, err)
	}
	if existing != nil {
		// A retried create carries no version; it re-declares the same
		// intent, so it passes the freshness check as-is. A create that does
		// declare a version is gated like any update.
		if op.Version == nil {
			v := existing.Version
			op.Version = &v
		}
		return p.applyUpdate(ctx, adapter, userID, op)
	}

	created, err := adapter.Create(ctx, Entity{
		ID:        op.EntityID,
		UserID:    userID,
		Version:   1,
		Payload:   op.Data,
		UpdatedAt: p.now().UTC(),
	})
	if err != nil {
		return failureResult(op, err)
	}
	return successResult(op, created.Version)
}

// applyUpdate writes the patch only when the client has proven freshness;
// staleness yields a conflict carrying both payloads and versions, and
// mutates nothing.
func (p *BatchProcessor) applyUpdate(ctx context.Context, adapter Adapter, userID string, op SyncOperation) SyncOperationResult {
	existing, err := adapter.FindOne(ctx, userID, op.EntityID)
	if err != nil {
		return failureResult(op, err)
	}
	if existing == nil {
		return failureResult(op, syncerrors.NewNotFoundError("batch.applyUpdate", op.EntityID))
	}

	clientVersion := op.ClientVersion()
	if Decide(existing.Version, clientVersion) == DecisionConflict {
		return SyncOperationResult{
			OperationID: op.ID,
			Success:     false,
			Conflict: &SyncConflict{
				ClientData:      op.Data,
				ServerData:      existing.Payload,
				LocalVersion:    clientVersion,
				ServerVersion:   existing.Version,
				ServerTimestamp: existing.UpdatedAt,
			},
		}
	}

	updated, err := adapter.Update(ctx, *existing, Patch{
		Data:      op.Data,
		Version:   existing.Version + 1,
		UpdatedAt: p.now().UTC(),
	})
	if err != nil {
		return failureResult(op, err)
	}
	return successResult(op, updated.Version)
}

// applyDelete is idempotent: a missing or already-deleted row is success, not
// an error. Deletes carry no conflict check; with no payload to lose, last
// delete wins.
func (p *BatchProcessor) applyDelete(ctx context.Context, adapter Adapter, userID string, op SyncOperation) SyncOperationResult {
	existing, err := adapter.FindOne(ctx, userID, op.EntityID)
	if err != nil {
		return failureResult(op, err)
	}
	if existing == nil {
		return SyncOperationResult{OperationID: op.ID, Success: true}
	}
	if existing.Deleted() {
		return successResult(op, existing.Version)
	}

	now := p.now().UTC()
	updated, err := adapter.Update(ctx, *existing, Patch{
		Version:   existing.Version + 1,
		UpdatedAt: now,
		DeletedAt: &now,
	})
	if err != nil {
		return failureResult(op, err)
	}
	return successResult(op, updated.Version)
}

func successResult(op SyncOperation, newVersion int64) SyncOperationResult {
	return SyncOperationResult{
		OperationID: op.ID,
		Success:     true,
		NewVersion:  newVersion,
	}
}

func failureResult(op SyncOperation, err error) SyncOperationResult {
	return SyncOperationResult{
		OperationID: op.ID,
		Success:     false,
		Error:       err.Error(),
	}
}
