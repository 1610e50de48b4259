package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/idgen"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/inheritance"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"go.uber.org/zap"
)

const defaultMaxRetries = 3

var (
	// ErrAlreadyExists reports a create command for an id that already has history.
	ErrAlreadyExists = errors.New("commands: entity already exists")
	// ErrNotFound reports a command addressed to an entity without history or already deleted.
	ErrNotFound = errors.New("commands: entity not found")

	errMissingRepository  = errors.New("aggregate repository is required")
	errMissingInheritance = errors.New("inheritance engine is required")
	errMissingQueries     = errors.New("query service is required")
	errMissingSync        = errors.New("projection synchronizer is required")
	errRetriesExhausted   = errors.New("concurrency retries exhausted")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// AggregateRepository loads and saves aggregates.
type AggregateRepository interface {
	Load(ctx context.Context, aggregate domain.Aggregate) error
	Save(ctx context.Context, aggregate domain.Aggregate) error
}

// TagPropagator keeps inherited tags aligned with the containment tree.
type TagPropagator interface {
	Apply(ctx context.Context, aggregate domain.Taggable, at time.Time) (bool, error)
	Sync(ctx context.Context, ref domain.EntityRef) (bool, error)
	OnEntityMoved(ctx context.Context, ref domain.EntityRef, oldParentID, newParentID string) (inheritance.Report, error)
	OnAncestorTagAdded(ctx context.Context, ancestor domain.EntityRef, tag string) (inheritance.Report, error)
	OnAncestorTagRemoved(ctx context.Context, ancestor domain.EntityRef, tag string) (inheritance.Report, error)
}

// Reader answers the projection lookups commands need for cross-aggregate rules.
type Reader interface {
	NoteByPath(ctx context.Context, path string) (query.Node, error)
	Children(ctx context.Context, parentID string) ([]query.Node, error)
	TasksInCategory(ctx context.Context, categoryID string) ([]query.Task, error)
	TasksFromDocument(ctx context.Context, documentID string) ([]query.Task, error)
}

// Synchronizer brings the projections up to date before a projection lookup.
type Synchronizer interface {
	CatchUp(ctx context.Context) (projection.Result, error)
}

type ServiceConfig struct {
	Repository  AggregateRepository
	Inheritance TagPropagator
	Queries     Reader
	Sync        Synchronizer
	IDProvider  idgen.Provider
	Clock       func() time.Time
	// MaxRetries bounds reload-and-reapply attempts after a concurrency conflict.
	MaxRetries int
	// DefaultTagColor is used when attaching a tag that has no definition yet.
	DefaultTagColor string
	Logger          *zap.Logger
}

// Service executes commands: load the aggregate, validate and emit events, append with an
// optimistic concurrency check. A conflict reloads the aggregate and re-runs the command.
type Service struct {
	repository      AggregateRepository
	inheritance     TagPropagator
	queries         Reader
	sync            Synchronizer
	idProvider      idgen.Provider
	clock           func() time.Time
	maxRetries      int
	defaultTagColor string
	logger          *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	const op = "commands.service.new"
	if cfg.Repository == nil {
		return nil, newServiceError(op, "missing_repository", errMissingRepository)
	}
	if cfg.Inheritance == nil {
		return nil, newServiceError(op, "missing_inheritance", errMissingInheritance)
	}
	if cfg.Queries == nil {
		return nil, newServiceError(op, "missing_queries", errMissingQueries)
	}
	if cfg.Sync == nil {
		return nil, newServiceError(op, "missing_sync", errMissingSync)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = idgen.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	color := cfg.DefaultTagColor
	if color == "" {
		color = "#888888"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repository:      cfg.Repository,
		inheritance:     cfg.Inheritance,
		queries:         cfg.Queries,
		sync:            cfg.Sync,
		idProvider:      idProvider,
		clock:           clock,
		maxRetries:      maxRetries,
		defaultTagColor: color,
		logger:          logger,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// resolveID validates a caller-supplied id or issues a new one.
func (s *Service) resolveID(raw string) (string, error) {
	if raw == "" {
		return s.idProvider.NewID()
	}
	return domain.NewEntityID(raw)
}

// create saves a brand-new aggregate. It never retries: a conflict means the id is taken.
func (s *Service) create(ctx context.Context, operation string, aggregate domain.Aggregate) error {
	err := s.repository.Save(ctx, aggregate)
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return s.fail(operation, "already_exists", fmt.Errorf("%w: %s", ErrAlreadyExists, aggregate.ID()), aggregate.ID())
	}
	if err != nil {
		return s.fail(operation, "save_failed", err, aggregate.ID())
	}
	return nil
}

// mutate loads an existing aggregate through factory, runs command and saves its changes.
// A concurrency conflict reloads and re-runs command, at most maxRetries times.
func mutate[T domain.Aggregate](ctx context.Context, s *Service, operation string, factory func() T, command func(T, time.Time) (bool, error)) (T, bool, error) {
	var aggregate T
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		aggregate = factory()
		if err := s.repository.Load(ctx, aggregate); err != nil {
			return aggregate, false, s.fail(operation, "load_failed", err, aggregate.ID())
		}
		if aggregate.Version() == 0 {
			return aggregate, false, s.fail(operation, "not_found", fmt.Errorf("%w: %s", ErrNotFound, aggregate.ID()), aggregate.ID())
		}
		changed, err := command(aggregate, s.now())
		if err != nil {
			reason := "validation_failed"
			if !errors.Is(err, domain.ErrValidation) {
				reason = "command_failed"
			}
			return aggregate, false, s.fail(operation, reason, err, aggregate.ID())
		}
		if !changed {
			return aggregate, false, nil
		}
		err = s.repository.Save(ctx, aggregate)
		if err == nil {
			return aggregate, true, nil
		}
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return aggregate, false, s.fail(operation, "save_failed", err, aggregate.ID())
		}
		s.logger.Debug("command retry after concurrency conflict",
			zap.String("operation", operation),
			zap.String("aggregate_id", aggregate.ID()),
			zap.Int("attempt", attempt+1))
	}
	return aggregate, false, s.fail(operation, "conflict", fmt.Errorf("%w: %w", errRetriesExhausted, eventstore.ErrConcurrencyConflict), aggregate.ID())
}

// catchUp brings projections current before a lookup that enforces a rule.
func (s *Service) catchUp(ctx context.Context, operation string) error {
	if _, err := s.sync.CatchUp(ctx); err != nil {
		return s.fail(operation, "catch_up_failed", err, "")
	}
	return nil
}

func (s *Service) fail(operation, reason string, err error, aggregateID string) error {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		s.logger.Info("command rejected",
			zap.String("operation", operation),
			zap.String("reason", reason),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err))
	} else {
		s.logError(operation, reason, err, zap.String("aggregate_id", aggregateID))
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("command service error", attrs...)
}

func loadCategory(id string) func() *domain.Category {
	return func() *domain.Category { return domain.NewCategory(id) }
}

func loadNote(id string) func() *domain.Note {
	return func() *domain.Note { return domain.NewNote(id) }
}

func loadTask(id string) func() *domain.Task {
	return func() *domain.Task { return domain.NewTask(id) }
}

func loadTag(id string) func() *domain.Tag {
	return func() *domain.Tag { return domain.NewTag(id) }
}

func isConflict(err error) bool {
	return errors.Is(err, eventstore.ErrConcurrencyConflict)
}
