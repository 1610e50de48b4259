package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"go.uber.org/zap"
)

const defaultSnapshotFrequency = 50

var errMissingStore = errors.New("repository: event store is required")

// Config wires the repository.
type Config struct {
	Store *eventstore.Store
	// SnapshotFrequency is the number of events between snapshots. Zero selects the default,
	// a negative value disables snapshots.
	SnapshotFrequency int64
	Logger            *zap.Logger
}

// Repository loads aggregates from the event store and appends their uncommitted changes.
type Repository struct {
	store             *eventstore.Store
	snapshotFrequency int64
	logger            *zap.Logger
}

func New(cfg Config) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	frequency := cfg.SnapshotFrequency
	if frequency == 0 {
		frequency = defaultSnapshotFrequency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: cfg.Store, snapshotFrequency: frequency, logger: logger}, nil
}

// Load rebuilds aggregate from its latest snapshot and the events after it.
// A stream without history leaves aggregate at version zero.
func (r *Repository) Load(ctx context.Context, aggregate domain.Aggregate) error {
	afterVersion := int64(0)
	if r.snapshotFrequency > 0 {
		snapshot, found, err := r.store.LoadSnapshot(ctx, aggregate.ID())
		if err != nil {
			return err
		}
		if found && snapshot.AggregateType == aggregate.AggregateType() {
			if err := aggregate.RestoreSnapshot(snapshot.StreamVersion, snapshot.State); err != nil {
				r.logger.Warn("snapshot discarded",
					zap.String("aggregate_id", aggregate.ID()),
					zap.Int64("version", snapshot.StreamVersion),
					zap.Error(err))
				return r.replay(ctx, aggregate, 0, true)
			}
			afterVersion = snapshot.StreamVersion
		}
	}
	return r.replay(ctx, aggregate, afterVersion, false)
}

// LoadExisting is Load for callers that require history.
func (r *Repository) LoadExisting(ctx context.Context, aggregate domain.Aggregate) error {
	if err := r.Load(ctx, aggregate); err != nil {
		return err
	}
	if aggregate.Version() == 0 {
		return fmt.Errorf("%w: %s %s", eventstore.ErrStreamNotFound, aggregate.AggregateType(), aggregate.ID())
	}
	return nil
}

func (r *Repository) replay(ctx context.Context, aggregate domain.Aggregate, afterVersion int64, reset bool) error {
	if reset {
		fresh, err := domain.NewAggregate(aggregate.AggregateType(), aggregate.ID())
		if err != nil {
			return err
		}
		state, err := fresh.SnapshotState()
		if err != nil {
			return err
		}
		if err := aggregate.RestoreSnapshot(0, state); err != nil {
			return err
		}
	}
	events, err := r.store.Load(ctx, aggregate.ID(), afterVersion)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.AggregateType != aggregate.AggregateType() {
			return fmt.Errorf("%w: stream %s holds %s events", domain.ErrUnexpectedEvent, aggregate.ID(), event.AggregateType)
		}
		payload, err := domain.DecodePayload(event.EventType, event.Payload)
		if errors.Is(err, domain.ErrUnknownEventType) {
			r.logger.Warn("unknown event type skipped during replay",
				zap.String("aggregate_id", event.AggregateID),
				zap.String("event_type", event.EventType),
				zap.Int64("stream_version", event.StreamVersion))
			payload = nil
		} else if err != nil {
			return err
		}
		if err := aggregate.ApplyHistory(event.StreamVersion, payload); err != nil {
			return err
		}
	}
	return nil
}

// Save appends the uncommitted changes of aggregate with an optimistic concurrency check and
// marks them committed. A conflict leaves the aggregate untouched so the caller can reload.
func (r *Repository) Save(ctx context.Context, aggregate domain.Aggregate) error {
	changes := aggregate.Changes()
	if len(changes) == 0 {
		return nil
	}
	events := make([]eventstore.Event, 0, len(changes))
	for _, change := range changes {
		data, err := domain.EncodePayload(change.Payload)
		if err != nil {
			return err
		}
		events = append(events, eventstore.Event{
			EventType:     change.Payload.EventType(),
			AggregateID:   aggregate.ID(),
			AggregateType: aggregate.AggregateType(),
			Payload:       data,
			OccurredAt:    change.OccurredAt,
		})
	}
	expected := aggregate.Version() - int64(len(changes))
	version, err := r.store.Append(ctx, aggregate.ID(), expected, events)
	if err != nil {
		return err
	}
	aggregate.MarkCommitted()

	if r.snapshotFrequency > 0 && version/r.snapshotFrequency > expected/r.snapshotFrequency {
		r.snapshot(ctx, aggregate, changes[len(changes)-1])
	}
	return nil
}

func (r *Repository) snapshot(ctx context.Context, aggregate domain.Aggregate, last domain.Change) {
	state, err := aggregate.SnapshotState()
	if err == nil {
		err = r.store.SaveSnapshot(ctx, eventstore.Snapshot{
			AggregateID:   aggregate.ID(),
			AggregateType: aggregate.AggregateType(),
			StreamVersion: aggregate.Version(),
			State:         state,
			TakenAt:       last.OccurredAt,
		})
	}
	if err != nil {
		r.logger.Warn("snapshot not saved",
			zap.String("aggregate_id", aggregate.ID()),
			zap.Int64("version", aggregate.Version()),
			zap.Error(err))
	}
}
