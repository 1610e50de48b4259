package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultBatchSize   = 200
	handlerSavepoint   = "projection_event"
	opCatchUp          = "projection.catch_up"
	opRebuildAll       = "projection.rebuild_all"
	opStatus           = "projection.status"
	opOrchestratorNew  = "projection.orchestrator.new"
	reasonCheckpoints  = "checkpoint_load_failed"
	reasonReadFailed   = "read_failed"
	reasonApplyFailed  = "apply_failed"
	reasonClearFailed  = "clear_failed"
	reasonMarkFailed   = "mark_ready_failed"
	reasonHandlerError = "handler_failed"
	reasonUndecodable  = "undecodable_event"
)

var (
	errMissingDatabase    = errors.New("projection: database handle is required")
	errMissingStore       = errors.New("projection: event store is required")
	errMissingProjections = errors.New("projection: at least one projection is required")
	errDuplicateName      = errors.New("projection: duplicate projection name")
)

// OrchestratorError carries an operation.reason code in the style of the service errors.
type OrchestratorError struct {
	code string
	err  error
}

func (e *OrchestratorError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OrchestratorError) Unwrap() error {
	return e.err
}

func (e *OrchestratorError) Code() string {
	return e.code
}

func newOrchestratorError(operation, reason string, cause error) error {
	return &OrchestratorError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// OrchestratorConfig wires the orchestrator.
type OrchestratorConfig struct {
	Database    *gorm.DB
	Store       *eventstore.Store
	Projections []Projection
	BatchSize   int
	// Parallelism bounds how many projections apply a batch at the same time.
	Parallelism int
	Notifier    notify.Notifier
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Orchestrator feeds the event log to the registered projections.
// Catch-up and rebuild are serialized; appends proceed concurrently.
type Orchestrator struct {
	db          *gorm.DB
	store       *eventstore.Store
	projections []Projection
	names       []string
	batchSize   int
	parallelism int
	notifier    notify.Notifier
	clock       func() time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

// Result summarizes one catch-up pass.
type Result struct {
	Events          int   `json:"events"`
	Skipped         int   `json:"skipped"`
	HandlerFailures int   `json:"handler_failures"`
	Position        int64 `json:"position"`
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Database == nil {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_store", errMissingStore)
	}
	if len(cfg.Projections) == 0 {
		return nil, newOrchestratorError(opOrchestratorNew, "missing_projections", errMissingProjections)
	}
	names := make([]string, 0, len(cfg.Projections))
	seen := make(map[string]struct{}, len(cfg.Projections))
	for _, projection := range cfg.Projections {
		if _, ok := seen[projection.Name()]; ok {
			return nil, newOrchestratorError(opOrchestratorNew, "duplicate_projection", fmt.Errorf("%w: %s", errDuplicateName, projection.Name()))
		}
		seen[projection.Name()] = struct{}{}
		names = append(names, projection.Name())
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		db:          cfg.Database,
		store:       cfg.Store,
		projections: append([]Projection(nil), cfg.Projections...),
		names:       names,
		batchSize:   batchSize,
		parallelism: parallelism,
		notifier:    notifier,
		clock:       clock,
		logger:      logger,
	}, nil
}

// CatchUp applies every event past the lowest checkpoint, batch by batch, until the log is
// exhausted. Cancellation is observed between batches.
func (o *Orchestrator) CatchUp(ctx context.Context) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.catchUpLocked(ctx, notify.KindCaughtUp)
}

// RebuildAll clears every projection and replays the whole log. An interrupted rebuild leaves
// the projections empty and marked as rebuilding until a later catch-up completes.
func (o *Orchestrator) RebuildAll(ctx context.Context) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.clearAll(ctx); err != nil {
		o.logError(opRebuildAll, reasonClearFailed, err)
		return Result{}, newOrchestratorError(opRebuildAll, reasonClearFailed, err)
	}
	result, err := o.catchUpLocked(ctx, notify.KindRebuilt)
	if err != nil {
		if clearErr := o.clearAll(context.WithoutCancel(ctx)); clearErr != nil {
			o.logError(opRebuildAll, reasonClearFailed, clearErr)
		}
		return result, err
	}
	o.logger.Info("projections rebuilt",
		zap.Int("events", result.Events),
		zap.Int64("position", result.Position))
	return result, nil
}

// Status reports each projection checkpoint and its distance from the head of the log.
func (o *Orchestrator) Status(ctx context.Context) ([]Checkpoint, error) {
	head, err := o.store.HeadPosition(ctx)
	if err != nil {
		return nil, newOrchestratorError(opStatus, reasonReadFailed, err)
	}
	records, err := ensureCheckpoints(o.db.WithContext(ctx), o.names)
	if err != nil {
		return nil, newOrchestratorError(opStatus, reasonCheckpoints, err)
	}
	out := make([]Checkpoint, 0, len(o.names))
	for _, name := range o.names {
		record := records[name]
		out = append(out, Checkpoint{
			Projection:            name,
			LastProcessedPosition: record.LastProcessedPosition,
			Status:                record.Status,
			Lag:                   head - record.LastProcessedPosition,
		})
	}
	return out, nil
}

// NeedsRebuild reports whether a previous rebuild was interrupted.
func (o *Orchestrator) NeedsRebuild(ctx context.Context) (bool, error) {
	statuses, err := o.Status(ctx)
	if err != nil {
		return false, err
	}
	for _, status := range statuses {
		if status.Status != StatusReady {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) clearAll(ctx context.Context) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, projection := range o.projections {
			if err := projection.Reset(ctx, tx); err != nil {
				return fmt.Errorf("reset %s: %w", projection.Name(), err)
			}
			if err := resetCheckpoint(tx, projection.Name()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) catchUpLocked(ctx context.Context, kind string) (Result, error) {
	var result Result
	records, err := ensureCheckpoints(o.db.WithContext(ctx), o.names)
	if err != nil {
		o.logError(opCatchUp, reasonCheckpoints, err)
		return result, newOrchestratorError(opCatchUp, reasonCheckpoints, err)
	}
	checkpoints := make(map[string]int64, len(records))
	lowest := int64(-1)
	for _, name := range o.names {
		position := records[name].LastProcessedPosition
		checkpoints[name] = position
		if lowest < 0 || position < lowest {
			lowest = position
		}
	}
	result.Position = lowest

	cursor := lowest + 1
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := o.store.ReadFrom(ctx, cursor, o.batchSize)
		if err != nil {
			o.logError(opCatchUp, reasonReadFailed, err, zap.Int64("cursor", cursor))
			return result, newOrchestratorError(opCatchUp, reasonReadFailed, err)
		}
		if len(batch) == 0 {
			break
		}
		envelopes := o.decode(batch, &result)
		last := batch[len(batch)-1].GlobalPosition

		failures, err := o.applyBatch(ctx, envelopes, checkpoints, last)
		result.HandlerFailures += failures
		if err != nil {
			return result, err
		}
		result.Events += len(batch)
		result.Position = last
		o.announce(ctx, kind, envelopes, last)

		cursor = last + 1
		if len(batch) < o.batchSize {
			break
		}
	}

	if err := markReady(o.db.WithContext(ctx), o.names); err != nil {
		o.logError(opCatchUp, reasonMarkFailed, err)
		return result, newOrchestratorError(opCatchUp, reasonMarkFailed, err)
	}
	return result, nil
}

func (o *Orchestrator) decode(batch []eventstore.StoredEvent, result *Result) []Envelope {
	envelopes := make([]Envelope, 0, len(batch))
	for _, event := range batch {
		payload, err := domain.DecodePayload(event.EventType, event.Payload)
		if err != nil {
			result.Skipped++
			o.logger.Warn("event skipped",
				zap.String("operation", opCatchUp),
				zap.String("reason", reasonUndecodable),
				zap.Int64("position", event.GlobalPosition),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			payload = nil
		}
		envelopes = append(envelopes, newEnvelope(event, payload))
	}
	return envelopes
}

// applyBatch hands the batch to every projection that is behind last. Each projection applies
// it in its own transaction together with its checkpoint.
func (o *Orchestrator) applyBatch(ctx context.Context, envelopes []Envelope, checkpoints map[string]int64, last int64) (int, error) {
	type pending struct {
		projection Projection
		checkpoint int64
	}
	var work []pending
	for _, projection := range o.projections {
		if checkpoint := checkpoints[projection.Name()]; checkpoint < last {
			work = append(work, pending{projection: projection, checkpoint: checkpoint})
		}
	}

	var (
		group    errgroup.Group
		mu       sync.Mutex
		failures int
		advanced []string
		errs     []error
	)
	group.SetLimit(o.parallelism)
	for _, item := range work {
		group.Go(func() error {
			failed, err := o.applyProjection(ctx, item.projection, envelopes, item.checkpoint, last)
			mu.Lock()
			defer mu.Unlock()
			failures += failed
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", item.projection.Name(), err))
				return nil
			}
			advanced = append(advanced, item.projection.Name())
			return nil
		})
	}
	_ = group.Wait()
	for _, name := range advanced {
		checkpoints[name] = last
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		o.logError(opCatchUp, reasonApplyFailed, err, zap.Int64("position", last))
		return failures, newOrchestratorError(opCatchUp, reasonApplyFailed, err)
	}
	return failures, nil
}

func (o *Orchestrator) applyProjection(ctx context.Context, projection Projection, envelopes []Envelope, checkpoint, last int64) (int, error) {
	failures := 0
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failures = 0
		for _, envelope := range envelopes {
			if envelope.Position <= checkpoint || envelope.Payload == nil {
				continue
			}
			if err := tx.SavePoint(handlerSavepoint).Error; err != nil {
				return err
			}
			if err := projection.Handle(ctx, tx, envelope); err != nil {
				failures++
				o.logError(opCatchUp, reasonHandlerError, err,
					zap.String("projection", projection.Name()),
					zap.Int64("position", envelope.Position),
					zap.String("event_type", envelope.EventType))
				if rollbackErr := tx.RollbackTo(handlerSavepoint).Error; rollbackErr != nil {
					return rollbackErr
				}
			}
			if err := tx.Exec("RELEASE SAVEPOINT " + handlerSavepoint).Error; err != nil {
				return err
			}
		}
		return advanceCheckpoint(tx, projection.Name(), last)
	})
	return failures, err
}

func (o *Orchestrator) announce(ctx context.Context, kind string, envelopes []Envelope, last int64) {
	ids := make(map[string]struct{}, len(envelopes))
	for _, envelope := range envelopes {
		ids[envelope.AggregateID] = struct{}{}
	}
	aggregateIDs := make([]string, 0, len(ids))
	for id := range ids {
		aggregateIDs = append(aggregateIDs, id)
	}
	sort.Strings(aggregateIDs)
	now := o.clock().UTC()
	for _, name := range o.names {
		o.notifier.Notify(ctx, notify.Update{
			Kind:         kind,
			Projection:   name,
			Position:     last,
			AggregateIDs: aggregateIDs,
			Timestamp:    now,
		})
	}
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("projection orchestrator error", attrs...)
}
