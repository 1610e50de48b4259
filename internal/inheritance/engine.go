package inheritance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 3
	maxChainDepth     = 256

	opApplicableTags = "inheritance.applicable_tags"
	opSync           = "inheritance.sync"
	opEntityMoved    = "inheritance.entity_moved"
	opTagAdded       = "inheritance.ancestor_tag_added"
	opTagRemoved     = "inheritance.ancestor_tag_removed"
)

var (
	errMissingRepository = errors.New("inheritance: aggregate repository is required")
	errMissingFinder     = errors.New("inheritance: descendant finder is required")
	errMissingSync       = errors.New("inheritance: projection synchronizer is required")
	errCycle             = errors.New("inheritance: containment cycle")
)

// AggregateRepository loads and saves aggregates.
type AggregateRepository interface {
	Load(ctx context.Context, aggregate domain.Aggregate) error
	Save(ctx context.Context, aggregate domain.Aggregate) error
}

// DescendantFinder lists everything contained below an entity.
type DescendantFinder interface {
	Descendants(ctx context.Context, ref domain.EntityRef) ([]domain.EntityRef, error)
}

// Synchronizer brings the projections up to date with the event log.
type Synchronizer interface {
	CatchUp(ctx context.Context) (projection.Result, error)
}

type Config struct {
	Repository AggregateRepository
	Finder     DescendantFinder
	Sync       Synchronizer
	Clock      func() time.Time
	// MaxRetries bounds reload-and-reapply attempts after a concurrency conflict.
	MaxRetries int
	Logger     *zap.Logger
}

// Engine propagates category and note tags to everything they contain. Every ancestor on the
// containment chain contributes its manual tags; each inherited association names the nearest
// ancestor that owns the tag.
type Engine struct {
	repository AggregateRepository
	finder     DescendantFinder
	sync       Synchronizer
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
}

// Report summarizes a propagation pass.
type Report struct {
	Visited int                `json:"visited"`
	Updated []domain.EntityRef `json:"updated"`
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Finder == nil {
		return nil, errMissingFinder
	}
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repository: cfg.Repository,
		finder:     cfg.Finder,
		sync:       cfg.Sync,
		clock:      clock,
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// ApplicableTags returns the tags the entity owns plus the tags it inherits. With fullUnion unset
// only the nearest ancestor carrying tags contributes.
func (e *Engine) ApplicableTags(ctx context.Context, ref domain.EntityRef, fullUnion bool) ([]domain.TagAssociation, error) {
	aggregate, err := e.loadTaggable(ctx, ref)
	if err != nil {
		e.logError(opApplicableTags, "load_failed", err, zap.String("entity", ref.String()))
		return nil, err
	}
	inherited, err := e.inheritedFor(ctx, aggregate, fullUnion)
	if err != nil {
		e.logError(opApplicableTags, "chain_failed", err, zap.String("entity", ref.String()))
		return nil, err
	}
	out := make([]domain.TagAssociation, 0, len(inherited))
	for _, tag := range aggregate.Tags().Manual() {
		out = append(out, domain.TagAssociation{Tag: tag})
		delete(inherited, tag)
	}
	for tag, source := range inherited {
		out = append(out, domain.TagAssociation{Tag: tag, Inherited: true, SourceEntityID: source})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// Apply aligns the inherited tags of an in-memory aggregate with its current containment chain.
// It records events on the aggregate without saving it.
func (e *Engine) Apply(ctx context.Context, aggregate domain.Taggable, at time.Time) (bool, error) {
	desired, err := e.inheritedFor(ctx, aggregate, true)
	if err != nil {
		return false, err
	}
	changed := false
	for _, association := range aggregate.Tags().Sorted() {
		if !association.Inherited {
			continue
		}
		if _, keep := desired[association.Tag]; keep {
			continue
		}
		retracted, err := aggregate.RetractInheritedTag(association.Tag, association.SourceEntityID, at)
		if err != nil {
			return changed, err
		}
		changed = changed || retracted
	}
	for _, tag := range sortedKeys(desired) {
		inherited, err := aggregate.InheritTag(tag, desired[tag], at)
		if err != nil {
			return changed, err
		}
		changed = changed || inherited
	}
	return changed, nil
}

// Sync recomputes and saves the inherited tags of one stored entity.
func (e *Engine) Sync(ctx context.Context, ref domain.EntityRef) (bool, error) {
	changed, err := e.withRetry(ctx, ref, func(aggregate domain.Taggable) (bool, error) {
		return e.Apply(ctx, aggregate, e.now())
	})
	if err != nil {
		e.logError(opSync, "sync_failed", err, zap.String("entity", ref.String()))
	}
	return changed, err
}

// OnEntityMoved re-derives the inherited tags of a moved entity and of everything below it.
// Associations from ancestors no longer on the chain are retracted; manual tags are untouched.
func (e *Engine) OnEntityMoved(ctx context.Context, ref domain.EntityRef, oldParentID, newParentID string) (Report, error) {
	e.logger.Debug("propagating move",
		zap.String("entity", ref.String()),
		zap.String("old_parent_id", oldParentID),
		zap.String("new_parent_id", newParentID))
	report, err := e.syncSubtree(ctx, ref, true)
	if err != nil {
		e.logError(opEntityMoved, "propagation_failed", err, zap.String("entity", ref.String()))
	}
	return report, err
}

// OnAncestorTagAdded pushes a newly attached tag to every descendant of ancestor.
func (e *Engine) OnAncestorTagAdded(ctx context.Context, ancestor domain.EntityRef, tag string) (Report, error) {
	report, err := e.syncSubtree(ctx, ancestor, false)
	if err != nil {
		e.logError(opTagAdded, "propagation_failed", err, zap.String("entity", ancestor.String()), zap.String("tag", tag))
	}
	return report, err
}

// OnAncestorTagRemoved retracts exactly the associations of tag sourced from ancestor. A descendant
// that still inherits the tag from a farther ancestor is re-attributed to it.
func (e *Engine) OnAncestorTagRemoved(ctx context.Context, ancestor domain.EntityRef, rawTag string) (Report, error) {
	var report Report
	tag, err := domain.NormalizeTag(rawTag)
	if err != nil {
		return report, err
	}
	descendants, err := e.descendants(ctx, ancestor)
	if err != nil {
		e.logError(opTagRemoved, "descendants_failed", err, zap.String("entity", ancestor.String()))
		return report, err
	}
	for _, ref := range descendants {
		report.Visited++
		changed, err := e.withRetry(ctx, ref, func(aggregate domain.Taggable) (bool, error) {
			current, ok := aggregate.Tags()[tag]
			if !ok || !current.Inherited || current.SourceEntityID != ancestor.ID {
				return false, nil
			}
			at := e.now()
			desired, err := e.inheritedFor(ctx, aggregate, true)
			if err != nil {
				return false, err
			}
			if source, still := desired[tag]; still && source != ancestor.ID {
				return aggregate.InheritTag(tag, source, at)
			}
			return aggregate.RetractInheritedTag(tag, ancestor.ID, at)
		})
		if err != nil {
			e.logError(opTagRemoved, "retract_failed", err, zap.String("entity", ref.String()), zap.String("tag", tag))
			return report, err
		}
		if changed {
			report.Updated = append(report.Updated, ref)
		}
	}
	return report, nil
}

func (e *Engine) syncSubtree(ctx context.Context, root domain.EntityRef, includeRoot bool) (Report, error) {
	var report Report
	if includeRoot {
		changed, err := e.Sync(ctx, root)
		if err != nil {
			return report, err
		}
		report.Visited++
		if changed {
			report.Updated = append(report.Updated, root)
		}
	}
	descendants, err := e.descendants(ctx, root)
	if err != nil {
		return report, err
	}
	for _, ref := range descendants {
		changed, err := e.Sync(ctx, ref)
		if err != nil {
			return report, err
		}
		report.Visited++
		if changed {
			report.Updated = append(report.Updated, ref)
		}
	}
	return report, nil
}

func (e *Engine) descendants(ctx context.Context, ref domain.EntityRef) ([]domain.EntityRef, error) {
	if _, err := e.sync.CatchUp(ctx); err != nil {
		return nil, fmt.Errorf("catch up before descendant lookup: %w", err)
	}
	return e.finder.Descendants(ctx, ref)
}

// withRetry loads ref, runs mutate and saves, reloading after a concurrency conflict.
// Missing and deleted entities are skipped.
func (e *Engine) withRetry(ctx context.Context, ref domain.EntityRef, mutate func(domain.Taggable) (bool, error)) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		aggregate, err := e.loadTaggable(ctx, ref)
		if err != nil {
			return false, err
		}
		if aggregate.Version() == 0 || aggregate.Deleted() {
			return false, nil
		}
		changed, err := mutate(aggregate)
		if err != nil {
			return false, err
		}
		if !changed {
			return false, nil
		}
		err = e.repository.Save(ctx, aggregate)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return false, err
		}
		lastErr = err
		e.logger.Debug("retrying after concurrency conflict",
			zap.String("entity", ref.String()),
			zap.Int("attempt", attempt+1))
	}
	return false, lastErr
}

func (e *Engine) loadTaggable(ctx context.Context, ref domain.EntityRef) (domain.Taggable, error) {
	aggregate, err := domain.NewAggregate(ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	taggable, ok := aggregate.(domain.Taggable)
	if !ok {
		return nil, fmt.Errorf("%w: %s carries no tags", domain.ErrValidation, ref)
	}
	if err := e.repository.Load(ctx, taggable); err != nil {
		return nil, err
	}
	return taggable, nil
}

// inheritedFor walks the ancestors of aggregate nearest first and maps each inherited tag to the
// nearest ancestor owning it. The aggregate's own tags are not consulted.
func (e *Engine) inheritedFor(ctx context.Context, aggregate domain.Aggregate, fullUnion bool) (map[string]string, error) {
	inherited := make(map[string]string)
	visited := map[string]struct{}{aggregate.ID(): {}}
	parent := parentOf(aggregate)
	for depth := 0; parent.ID != ""; depth++ {
		if depth >= maxChainDepth {
			return nil, fmt.Errorf("%w: chain deeper than %d", errCycle, maxChainDepth)
		}
		if _, seen := visited[parent.ID]; seen {
			return nil, fmt.Errorf("%w: %s", errCycle, parent)
		}
		visited[parent.ID] = struct{}{}
		ancestor, err := e.loadTaggable(ctx, parent)
		if err != nil {
			return nil, err
		}
		if ancestor.Version() == 0 || ancestor.Deleted() {
			break
		}
		manual := ancestor.Tags().Manual()
		for _, tag := range manual {
			if _, nearer := inherited[tag]; !nearer {
				inherited[tag] = ancestor.ID()
			}
		}
		if !fullUnion && len(manual) > 0 {
			break
		}
		parent = parentOf(ancestor)
	}
	return inherited, nil
}

// parentOf returns the container an aggregate inherits from.
func parentOf(aggregate domain.Aggregate) domain.EntityRef {
	switch typed := aggregate.(type) {
	case *domain.Category:
		if typed.ParentID() != "" {
			return domain.EntityRef{Type: domain.AggregateCategory, ID: typed.ParentID()}
		}
	case *domain.Note:
		if typed.CategoryID() != "" {
			return domain.EntityRef{Type: domain.AggregateCategory, ID: typed.CategoryID()}
		}
	case *domain.Task:
		return typed.Container()
	}
	return domain.EntityRef{}
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("tag inheritance error", attrs...)
}
