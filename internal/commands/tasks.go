package commands

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
)

const (
	opCreateTask        = "commands.create_task"
	opCreateDerivedTask = "commands.create_derived_task"
	opUpdateTaskText    = "commands.update_task_text"
	opRelocateTask      = "commands.relocate_task"
	opCompleteTask      = "commands.complete_task"
	opReopenTask        = "commands.reopen_task"
	opSetTaskDueDate    = "commands.set_task_due_date"
	opMoveTask          = "commands.move_task"
	opOrphanTask        = "commands.orphan_task"
	opRestoreTask       = "commands.restore_task"
	opDeleteTask        = "commands.delete_task"
)

// CreateTaskInput describes a standalone task, optionally filed in a category.
type CreateTaskInput struct {
	ID         string   `json:"id,omitempty"`
	Text       string   `json:"text"`
	CategoryID string   `json:"category_id,omitempty"`
	DueDate    string   `json:"due_date,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Completed  bool     `json:"completed,omitempty"`
}

// DerivedTaskInput describes a task extracted from a bracketed fragment of a document.
type DerivedTaskInput struct {
	ID         string `json:"id,omitempty"`
	DocumentID string `json:"document_id"`
	Line       int    `json:"line"`
	Offset     int    `json:"offset"`
	Text       string `json:"text"`
}

func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput) (string, error) {
	id, err := s.resolveID(input.ID)
	if err != nil {
		return "", s.fail(opCreateTask, "invalid_id", err, input.ID)
	}
	categoryID := strings.TrimSpace(input.CategoryID)
	if categoryID != "" {
		if err := s.requireCategory(ctx, opCreateTask, categoryID); err != nil {
			return "", err
		}
	}
	at := s.now()
	task := domain.NewTask(id)
	if err := task.Create(domain.TaskDraft{Text: input.Text, CategoryID: categoryID, DueDate: input.DueDate}, at); err != nil {
		return "", s.fail(opCreateTask, "validation_failed", err, id)
	}
	for _, tag := range input.Tags {
		if _, err := task.AttachTag(tag, at); err != nil {
			return "", s.fail(opCreateTask, "validation_failed", err, id)
		}
	}
	if input.Completed {
		if _, err := task.Complete(at); err != nil {
			return "", s.fail(opCreateTask, "validation_failed", err, id)
		}
	}
	if _, err := s.inheritance.Apply(ctx, task, at); err != nil {
		return "", s.fail(opCreateTask, "inheritance_failed", err, id)
	}
	if err := s.create(ctx, opCreateTask, task); err != nil {
		return "", err
	}
	if err := s.ensureTagDefinitions(ctx, opCreateTask, input.Tags); err != nil {
		return id, err
	}
	return id, nil
}

// CreateDerivedTask creates a task linked to a fragment of a document. It starts with the tags
// the document and its categories provide.
func (s *Service) CreateDerivedTask(ctx context.Context, input DerivedTaskInput) (string, error) {
	id, err := s.resolveID(input.ID)
	if err != nil {
		return "", s.fail(opCreateDerivedTask, "invalid_id", err, input.ID)
	}
	if _, err := s.LoadNote(ctx, input.DocumentID); err != nil {
		return "", s.fail(opCreateDerivedTask, "document_not_found", err, id)
	}
	at := s.now()
	task := domain.NewTask(id)
	draft := domain.TaskDraft{
		Text:             input.Text,
		SourceDocumentID: input.DocumentID,
		SourceLine:       input.Line,
		SourceOffset:     input.Offset,
	}
	if err := task.Create(draft, at); err != nil {
		return "", s.fail(opCreateDerivedTask, "validation_failed", err, id)
	}
	if _, err := s.inheritance.Apply(ctx, task, at); err != nil {
		return "", s.fail(opCreateDerivedTask, "inheritance_failed", err, id)
	}
	if err := s.create(ctx, opCreateDerivedTask, task); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) UpdateTaskText(ctx context.Context, id, text string) (bool, error) {
	_, changed, err := mutate(ctx, s, opUpdateTaskText, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		return task.ChangeText(text, at)
	})
	return changed, err
}

// RelocateTask records the new position of the fragment behind a linked task.
func (s *Service) RelocateTask(ctx context.Context, id string, line, offset int) (bool, error) {
	_, changed, err := mutate(ctx, s, opRelocateTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		return task.Relocate(line, offset, at)
	})
	return changed, err
}

func (s *Service) CompleteTask(ctx context.Context, id string) (bool, error) {
	_, changed, err := mutate(ctx, s, opCompleteTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		return task.Complete(at)
	})
	return changed, err
}

func (s *Service) ReopenTask(ctx context.Context, id string) (bool, error) {
	_, changed, err := mutate(ctx, s, opReopenTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		return task.Reopen(at)
	})
	return changed, err
}

// SetTaskDueDate sets a YYYY-MM-DD due date; an empty value clears it.
func (s *Service) SetTaskDueDate(ctx context.Context, id, dueDate string) (bool, error) {
	_, changed, err := mutate(ctx, s, opSetTaskDueDate, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		return task.SetDueDate(dueDate, at)
	})
	return changed, err
}

// MoveTask files an unlinked task under a category and re-derives its inherited tags.
func (s *Service) MoveTask(ctx context.Context, id, categoryID string) (bool, error) {
	categoryID = strings.TrimSpace(categoryID)
	if categoryID != "" {
		if err := s.requireCategory(ctx, opMoveTask, categoryID); err != nil {
			return false, err
		}
	}
	_, changed, err := mutate(ctx, s, opMoveTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		moved, err := task.Move(categoryID, at)
		if err != nil || !moved {
			return moved, err
		}
		_, err = s.inheritance.Apply(ctx, task, at)
		return true, err
	})
	return changed, err
}

// OrphanTask detaches a linked task from its document. Tags inherited through the document are
// retracted in the same append.
func (s *Service) OrphanTask(ctx context.Context, id, reason string) error {
	_, _, err := mutate(ctx, s, opOrphanTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		if err := task.Orphan(reason, at); err != nil {
			return false, err
		}
		_, err := s.inheritance.Apply(ctx, task, at)
		return true, err
	})
	return err
}

// RestoreTask re-links an orphaned task to its former document.
func (s *Service) RestoreTask(ctx context.Context, id string) error {
	_, _, err := mutate(ctx, s, opRestoreTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		if !task.Orphaned() || task.PriorDocumentID() == "" {
			return false, task.Restore(at)
		}
		note := domain.NewNote(task.PriorDocumentID())
		if err := s.repository.Load(ctx, note); err != nil {
			return false, err
		}
		if !note.Exists() || note.Deleted() {
			return false, &domain.ValidationError{Field: "task", Reason: "former document no longer exists"}
		}
		if err := task.Restore(at); err != nil {
			return false, err
		}
		_, err := s.inheritance.Apply(ctx, task, at)
		return true, err
	})
	return err
}

// DeleteTask runs one step of the two-step delete. A linked task is orphaned first; deleting an
// orphaned or standalone task removes it.
func (s *Service) DeleteTask(ctx context.Context, id string) (domain.DeleteOutcome, error) {
	var outcome domain.DeleteOutcome
	_, _, err := mutate(ctx, s, opDeleteTask, loadTask(id), func(task *domain.Task, at time.Time) (bool, error) {
		var err error
		outcome, err = task.Delete(at)
		if err != nil {
			return false, err
		}
		if outcome == domain.DeleteOutcomeOrphaned {
			_, err = s.inheritance.Apply(ctx, task, at)
		}
		return true, err
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}
