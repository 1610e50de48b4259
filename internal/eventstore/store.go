package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/idgen"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxIdentifierLength = 190
	defaultBatchSize    = 500
)

var errMissingDatabase = errors.New("eventstore: database handle is required")

// StoreConfig wires the event store dependencies.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider idgen.Provider
	Logger     *zap.Logger
}

// Store is the append-only event log backed by gorm.
type Store struct {
	db         *gorm.DB
	idProvider idgen.Provider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = idgen.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, idProvider: idProvider, logger: logger}, nil
}

// Append writes events to the stream if its persisted version equals expectedVersion.
// All events become visible together and receive consecutive global positions.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []Event) (int64, error) {
	streamID = strings.TrimSpace(streamID)
	if err := validateStreamID(streamID); err != nil {
		return 0, err
	}
	if expectedVersion < 0 {
		return 0, fmt.Errorf("%w: negative expected version %d", ErrInvalidStream, expectedVersion)
	}
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	records := make([]eventRecord, len(events))
	for index, event := range events {
		if strings.TrimSpace(event.EventType) == "" {
			return 0, fmt.Errorf("%w: event %d has no type", ErrInvalidStream, index)
		}
		if event.AggregateID != "" && event.AggregateID != streamID {
			return 0, fmt.Errorf("%w: event %d targets %s", ErrInvalidStream, index, event.AggregateID)
		}
		eventID := event.EventID
		if eventID == "" {
			generated, err := s.idProvider.NewID()
			if err != nil {
				return 0, fmt.Errorf("eventstore: generate event id: %w", err)
			}
			eventID = generated
		}
		records[index] = eventRecord{
			EventID:         eventID,
			AggregateID:     streamID,
			StreamVersion:   expectedVersion + int64(index) + 1,
			AggregateType:   event.AggregateType,
			EventType:       event.EventType,
			Payload:         string(event.Payload),
			OccurredAtMilli: event.OccurredAt.UTC().UnixMilli(),
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sequence, err := lockSequence(tx)
		if err != nil {
			return err
		}
		current, err := currentVersion(tx, streamID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return &ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
		}
		for index := range records {
			records[index].GlobalPosition = sequence.LastPosition + int64(index) + 1
		}
		if err := tx.Create(&records).Error; err != nil {
			return err
		}
		return tx.Model(&sequenceRecord{}).
			Where("name = ?", globalSequenceName).
			Update("last_position", sequence.LastPosition+int64(len(records))).Error
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.logger.Debug("append rejected",
				zap.String("stream_id", streamID),
				zap.Int64("expected_version", conflict.Expected),
				zap.Int64("actual_version", conflict.Actual))
			return 0, err
		}
		s.logger.Error("append failed", zap.String("stream_id", streamID), zap.Error(err))
		return 0, storageError("append", err)
	}

	newVersion := expectedVersion + int64(len(records))
	s.logger.Debug("events appended",
		zap.String("stream_id", streamID),
		zap.Int64("version", newVersion),
		zap.Int64("last_position", records[len(records)-1].GlobalPosition))
	return newVersion, nil
}

// Load returns the events of a stream with a version greater than afterVersion, in version order.
// An unknown stream yields an empty slice.
func (s *Store) Load(ctx context.Context, streamID string, afterVersion int64) ([]StoredEvent, error) {
	streamID = strings.TrimSpace(streamID)
	if err := validateStreamID(streamID); err != nil {
		return nil, err
	}
	var records []eventRecord
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND stream_version > ?", streamID, afterVersion).
		Order("stream_version ASC").
		Find(&records).Error; err != nil {
		return nil, storageError("load", err)
	}
	return toStoredEvents(records), nil
}

// LoadStream returns the full history of a stream. With requireExisting, an empty history
// fails with ErrStreamNotFound.
func (s *Store) LoadStream(ctx context.Context, streamID string, requireExisting bool) ([]StoredEvent, error) {
	events, err := s.Load(ctx, streamID, 0)
	if err != nil {
		return nil, err
	}
	if requireExisting && len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	return events, nil
}

// ReadFrom returns up to batchSize events with a global position at or after fromPosition,
// ordered by global position.
func (s *Store) ReadFrom(ctx context.Context, fromPosition int64, batchSize int) ([]StoredEvent, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if fromPosition < 1 {
		fromPosition = 1
	}
	var records []eventRecord
	if err := s.db.WithContext(ctx).
		Where("global_position >= ?", fromPosition).
		Order("global_position ASC").
		Limit(batchSize).
		Find(&records).Error; err != nil {
		return nil, storageError("read_from", err)
	}
	return toStoredEvents(records), nil
}

// StreamVersion returns the persisted version of a stream, zero when it has no events.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	streamID = strings.TrimSpace(streamID)
	if err := validateStreamID(streamID); err != nil {
		return 0, err
	}
	version, err := currentVersion(s.db.WithContext(ctx), streamID)
	if err != nil {
		return 0, storageError("stream_version", err)
	}
	return version, nil
}

// HeadPosition returns the global position of the latest event, zero for an empty log.
func (s *Store) HeadPosition(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Select("COALESCE(MAX(global_position), 0)").
		Scan(&head).Error; err != nil {
		return 0, storageError("head_position", err)
	}
	return head, nil
}

// SaveSnapshot stores the snapshot unless a newer one already exists for the aggregate.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := validateStreamID(snapshot.AggregateID); err != nil {
		return err
	}
	if snapshot.StreamVersion <= 0 {
		return fmt.Errorf("%w: snapshot version %d", ErrInvalidStream, snapshot.StreamVersion)
	}
	takenAt := snapshot.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}
	record := snapshotRecord{
		AggregateID:   snapshot.AggregateID,
		AggregateType: snapshot.AggregateType,
		StreamVersion: snapshot.StreamVersion,
		State:         string(snapshot.State),
		TakenAtMilli:  takenAt.UTC().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"aggregate_type", "stream_version", "state", "taken_at_ms"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "aggregate_snapshots.stream_version < excluded.stream_version"},
		}},
	}).Create(&record).Error
	return storageError("save_snapshot", err)
}

// LoadSnapshot returns the latest snapshot of an aggregate, if any.
func (s *Store) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error) {
	if err := validateStreamID(aggregateID); err != nil {
		return Snapshot{}, false, err
	}
	var record snapshotRecord
	err := s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, storageError("load_snapshot", err)
	}
	return Snapshot{
		AggregateID:   record.AggregateID,
		AggregateType: record.AggregateType,
		StreamVersion: record.StreamVersion,
		State:         []byte(record.State),
		TakenAt:       time.UnixMilli(record.TakenAtMilli).UTC(),
	}, true, nil
}

func lockSequence(tx *gorm.DB) (sequenceRecord, error) {
	seed := sequenceRecord{Name: globalSequenceName}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return sequenceRecord{}, err
	}
	var sequence sequenceRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", globalSequenceName).
		Take(&sequence).Error
	return sequence, err
}

func currentVersion(db *gorm.DB, streamID string) (int64, error) {
	var version int64
	err := db.Model(&eventRecord{}).
		Where("aggregate_id = ?", streamID).
		Select("COALESCE(MAX(stream_version), 0)").
		Scan(&version).Error
	return version, err
}

func toStoredEvents(records []eventRecord) []StoredEvent {
	events := make([]StoredEvent, 0, len(records))
	for _, record := range records {
		events = append(events, record.toStored())
	}
	return events
}

func validateStreamID(streamID string) error {
	trimmed := strings.TrimSpace(streamID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty stream id", ErrInvalidStream)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: stream id exceeds %d characters", ErrInvalidStream, maxIdentifierLength)
	}
	return nil
}
