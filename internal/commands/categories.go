package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
)

const (
	opCreateCategory = "commands.create_category"
	opRenameCategory = "commands.rename_category"
	opMoveCategory   = "commands.move_category"
	opDeleteCategory = "commands.delete_category"

	maxHierarchyDepth = 256
)

// CreateCategoryInput describes a new category. ID is optional; Tags become manual tags.
type CreateCategoryInput struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	ParentID string   `json:"parent_id,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (s *Service) CreateCategory(ctx context.Context, input CreateCategoryInput) (string, error) {
	id, err := s.resolveID(input.ID)
	if err != nil {
		return "", s.fail(opCreateCategory, "invalid_id", err, input.ID)
	}
	parentID := strings.TrimSpace(input.ParentID)
	if parentID != "" {
		if err := s.requireCategory(ctx, opCreateCategory, parentID); err != nil {
			return "", err
		}
	}
	at := s.now()
	category := domain.NewCategory(id)
	if err := category.Create(input.Name, parentID, at); err != nil {
		return "", s.fail(opCreateCategory, "validation_failed", err, id)
	}
	for _, tag := range input.Tags {
		if _, err := category.AttachTag(tag, at); err != nil {
			return "", s.fail(opCreateCategory, "validation_failed", err, id)
		}
	}
	if _, err := s.inheritance.Apply(ctx, category, at); err != nil {
		return "", s.fail(opCreateCategory, "inheritance_failed", err, id)
	}
	if err := s.create(ctx, opCreateCategory, category); err != nil {
		return "", err
	}
	if err := s.ensureTagDefinitions(ctx, opCreateCategory, input.Tags); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Service) RenameCategory(ctx context.Context, id, name string) (bool, error) {
	_, changed, err := mutate(ctx, s, opRenameCategory, loadCategory(id), func(category *domain.Category, at time.Time) (bool, error) {
		return category.Rename(name, at)
	})
	return changed, err
}

// MoveCategory re-parents a category and re-derives the inherited tags of its subtree.
// An empty parentID moves it to the root.
func (s *Service) MoveCategory(ctx context.Context, id, parentID string) (bool, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID != "" {
		if err := s.requireCategory(ctx, opMoveCategory, parentID); err != nil {
			return false, err
		}
		if err := s.rejectCycle(ctx, id, parentID); err != nil {
			return false, err
		}
	}
	var oldParentID string
	_, changed, err := mutate(ctx, s, opMoveCategory, loadCategory(id), func(category *domain.Category, at time.Time) (bool, error) {
		oldParentID = category.ParentID()
		return category.Move(parentID, at)
	})
	if err != nil || !changed {
		return changed, err
	}
	ref := domain.EntityRef{Type: domain.AggregateCategory, ID: id}
	if _, err := s.inheritance.OnEntityMoved(ctx, ref, oldParentID, parentID); err != nil {
		return true, s.fail(opMoveCategory, "inheritance_failed", err, id)
	}
	return true, nil
}

// DeleteCategory deletes an empty category. Categories still holding categories, notes or tasks
// are rejected.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	if err := s.catchUp(ctx, opDeleteCategory); err != nil {
		return err
	}
	children, err := s.queries.Children(ctx, id)
	if err != nil {
		return s.fail(opDeleteCategory, "lookup_failed", err, id)
	}
	tasks, err := s.queries.TasksInCategory(ctx, id)
	if err != nil {
		return s.fail(opDeleteCategory, "lookup_failed", err, id)
	}
	if len(children) > 0 || len(tasks) > 0 {
		return s.fail(opDeleteCategory, "not_empty",
			&domain.ValidationError{Field: "category", Reason: fmt.Sprintf("still holds %d entries and %d tasks", len(children), len(tasks))}, id)
	}
	_, _, err = mutate(ctx, s, opDeleteCategory, loadCategory(id), func(category *domain.Category, at time.Time) (bool, error) {
		return true, category.Delete(at)
	})
	return err
}

// requireCategory fails unless id names a live category.
func (s *Service) requireCategory(ctx context.Context, operation, id string) error {
	category := domain.NewCategory(id)
	if err := s.repository.Load(ctx, category); err != nil {
		return s.fail(operation, "load_failed", err, id)
	}
	if !category.Exists() || category.Deleted() {
		return s.fail(operation, "parent_not_found", fmt.Errorf("%w: category %s", ErrNotFound, id), id)
	}
	return nil
}

// rejectCycle walks up from parentID and fails when it reaches id.
func (s *Service) rejectCycle(ctx context.Context, id, parentID string) error {
	current := parentID
	for depth := 0; current != ""; depth++ {
		if current == id || depth >= maxHierarchyDepth {
			return s.fail(opMoveCategory, "cycle",
				&domain.ValidationError{Field: "parent_id", Reason: "would place the category inside itself"}, id)
		}
		ancestor := domain.NewCategory(current)
		if err := s.repository.Load(ctx, ancestor); err != nil {
			return s.fail(opMoveCategory, "load_failed", err, id)
		}
		current = ancestor.ParentID()
	}
	return nil
}
