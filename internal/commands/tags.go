package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
)

const (
	opDefineTag  = "commands.define_tag"
	opRecolorTag = "commands.recolor_tag"
	opRetireTag  = "commands.retire_tag"
	opAttachTag  = "commands.attach_tag"
	opDetachTag  = "commands.detach_tag"
)

// DefineTag creates or revives a tag definition and returns its id.
func (s *Service) DefineTag(ctx context.Context, name, color string) (string, error) {
	normalized, err := domain.NormalizeTag(name)
	if err != nil {
		return "", s.fail(opDefineTag, "validation_failed", err, "")
	}
	id := domain.TagID(normalized)
	if err := s.defineTag(ctx, opDefineTag, id, normalized, color); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) RecolorTag(ctx context.Context, name, color string) (bool, error) {
	normalized, err := domain.NormalizeTag(name)
	if err != nil {
		return false, s.fail(opRecolorTag, "validation_failed", err, "")
	}
	_, changed, err := mutate(ctx, s, opRecolorTag, loadTag(domain.TagID(normalized)), func(tag *domain.Tag, at time.Time) (bool, error) {
		return tag.Recolor(color, at)
	})
	return changed, err
}

// RetireTag hides a tag definition. Associations already carrying the tag are kept.
func (s *Service) RetireTag(ctx context.Context, name string) error {
	normalized, err := domain.NormalizeTag(name)
	if err != nil {
		return s.fail(opRetireTag, "validation_failed", err, "")
	}
	_, _, err = mutate(ctx, s, opRetireTag, loadTag(domain.TagID(normalized)), func(tag *domain.Tag, at time.Time) (bool, error) {
		return true, tag.Retire(at)
	})
	return err
}

// AttachTag adds a manual tag to a category, note or task. Tags added to categories and notes
// propagate to everything they contain.
func (s *Service) AttachTag(ctx context.Context, ref domain.EntityRef, tag string) (bool, error) {
	changed, err := s.mutateTaggable(ctx, opAttachTag, ref, func(taggable domain.Taggable, at time.Time) (bool, error) {
		return taggable.AttachTag(tag, at)
	})
	if err != nil || !changed {
		return changed, err
	}
	if err := s.ensureTagDefinitions(ctx, opAttachTag, []string{tag}); err != nil {
		return true, err
	}
	if ref.Type != domain.AggregateTask {
		if _, err := s.inheritance.OnAncestorTagAdded(ctx, ref, tag); err != nil {
			return true, s.fail(opAttachTag, "inheritance_failed", err, ref.ID)
		}
	}
	return true, nil
}

// DetachTag removes a manual tag. The entity may then inherit the same tag from an ancestor,
// and descendants lose only the associations this entity provided.
func (s *Service) DetachTag(ctx context.Context, ref domain.EntityRef, tag string) (bool, error) {
	changed, err := s.mutateTaggable(ctx, opDetachTag, ref, func(taggable domain.Taggable, at time.Time) (bool, error) {
		return taggable.DetachTag(tag, at)
	})
	if err != nil || !changed {
		return changed, err
	}
	if _, err := s.inheritance.Sync(ctx, ref); err != nil {
		return true, s.fail(opDetachTag, "inheritance_failed", err, ref.ID)
	}
	if ref.Type != domain.AggregateTask {
		if _, err := s.inheritance.OnAncestorTagRemoved(ctx, ref, tag); err != nil {
			return true, s.fail(opDetachTag, "inheritance_failed", err, ref.ID)
		}
	}
	return true, nil
}

func (s *Service) mutateTaggable(ctx context.Context, operation string, ref domain.EntityRef, command func(domain.Taggable, time.Time) (bool, error)) (bool, error) {
	factory := func() domain.Taggable {
		aggregate, _ := domain.NewAggregate(ref.Type, ref.ID)
		taggable, _ := aggregate.(domain.Taggable)
		return taggable
	}
	if factory() == nil {
		return false, s.fail(operation, "validation_failed",
			&domain.ValidationError{Field: "entity_type", Reason: fmt.Sprintf("%q does not carry tags", ref.Type)}, ref.ID)
	}
	_, changed, err := mutate(ctx, s, operation, factory, command)
	return changed, err
}

// ensureTagDefinitions defines any tag in names that has never been defined, using the default color.
func (s *Service) ensureTagDefinitions(ctx context.Context, operation string, names []string) error {
	for _, name := range names {
		normalized, err := domain.NormalizeTag(name)
		if err != nil {
			return s.fail(operation, "validation_failed", err, "")
		}
		tag := domain.NewTag(domain.TagID(normalized))
		if err := s.repository.Load(ctx, tag); err != nil {
			return s.fail(operation, "load_failed", err, tag.ID())
		}
		if tag.Exists() {
			continue
		}
		if err := s.defineTag(ctx, operation, tag.ID(), normalized, s.defaultTagColor); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) defineTag(ctx context.Context, operation, id, name, color string) error {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		tag := domain.NewTag(id)
		if err := s.repository.Load(ctx, tag); err != nil {
			return s.fail(operation, "load_failed", err, id)
		}
		changed, err := tag.Define(name, color, s.now())
		if err != nil {
			return s.fail(operation, "validation_failed", err, id)
		}
		if !changed {
			return nil
		}
		err = s.repository.Save(ctx, tag)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return s.fail(operation, "save_failed", err, id)
		}
	}
	return s.fail(operation, "conflict", errRetriesExhausted, id)
}
