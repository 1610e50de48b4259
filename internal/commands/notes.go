package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"go.uber.org/zap"
)

const (
	opCreateNote     = "commands.create_note"
	opRenameNote     = "commands.rename_note"
	opMoveNote       = "commands.move_note"
	opDeleteNote     = "commands.delete_note"
	opRecordNoteSave = "commands.record_note_save"
)

// CreateNoteInput describes a new note. Path is the document location reported on save.
type CreateNoteInput struct {
	ID         string   `json:"id,omitempty"`
	Title      string   `json:"title"`
	CategoryID string   `json:"category_id,omitempty"`
	Path       string   `json:"path"`
	Tags       []string `json:"tags,omitempty"`
}

func (s *Service) CreateNote(ctx context.Context, input CreateNoteInput) (string, error) {
	id, err := s.resolveID(input.ID)
	if err != nil {
		return "", s.fail(opCreateNote, "invalid_id", err, input.ID)
	}
	categoryID := strings.TrimSpace(input.CategoryID)
	if categoryID != "" {
		if err := s.requireCategory(ctx, opCreateNote, categoryID); err != nil {
			return "", err
		}
	}
	path := strings.TrimSpace(input.Path)
	if path != "" {
		if err := s.catchUp(ctx, opCreateNote); err != nil {
			return "", err
		}
		existing, err := s.queries.NoteByPath(ctx, path)
		switch {
		case err == nil && existing.ID != id:
			return "", s.fail(opCreateNote, "path_taken",
				&domain.ValidationError{Field: "path", Reason: "already belongs to note " + existing.ID}, id)
		case err != nil && !errors.Is(err, query.ErrNotFound):
			return "", s.fail(opCreateNote, "lookup_failed", err, id)
		}
	}
	at := s.now()
	note := domain.NewNote(id)
	if err := note.Create(input.Title, categoryID, path, at); err != nil {
		return "", s.fail(opCreateNote, "validation_failed", err, id)
	}
	for _, tag := range input.Tags {
		if _, err := note.AttachTag(tag, at); err != nil {
			return "", s.fail(opCreateNote, "validation_failed", err, id)
		}
	}
	if _, err := s.inheritance.Apply(ctx, note, at); err != nil {
		return "", s.fail(opCreateNote, "inheritance_failed", err, id)
	}
	if err := s.create(ctx, opCreateNote, note); err != nil {
		return "", err
	}
	if err := s.ensureTagDefinitions(ctx, opCreateNote, input.Tags); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Service) RenameNote(ctx context.Context, id, title string) (bool, error) {
	_, changed, err := mutate(ctx, s, opRenameNote, loadNote(id), func(note *domain.Note, at time.Time) (bool, error) {
		return note.Rename(title, at)
	})
	return changed, err
}

// MoveNote files a note under another category and re-derives the inherited tags of the note and
// of the tasks linked to it.
func (s *Service) MoveNote(ctx context.Context, id, categoryID string) (bool, error) {
	categoryID = strings.TrimSpace(categoryID)
	if categoryID != "" {
		if err := s.requireCategory(ctx, opMoveNote, categoryID); err != nil {
			return false, err
		}
	}
	var oldCategoryID string
	_, changed, err := mutate(ctx, s, opMoveNote, loadNote(id), func(note *domain.Note, at time.Time) (bool, error) {
		oldCategoryID = note.CategoryID()
		return note.Move(categoryID, at)
	})
	if err != nil || !changed {
		return changed, err
	}
	ref := domain.EntityRef{Type: domain.AggregateNote, ID: id}
	if _, err := s.inheritance.OnEntityMoved(ctx, ref, oldCategoryID, categoryID); err != nil {
		return true, s.fail(opMoveNote, "inheritance_failed", err, id)
	}
	return true, nil
}

// DeleteNote deletes a note and orphans every task derived from it. Orphaned tasks survive.
func (s *Service) DeleteNote(ctx context.Context, id string) (int, error) {
	if _, _, err := mutate(ctx, s, opDeleteNote, loadNote(id), func(note *domain.Note, at time.Time) (bool, error) {
		return true, note.Delete(at)
	}); err != nil {
		return 0, err
	}
	if err := s.catchUp(ctx, opDeleteNote); err != nil {
		return 0, err
	}
	linked, err := s.queries.TasksFromDocument(ctx, id)
	if err != nil {
		return 0, s.fail(opDeleteNote, "lookup_failed", err, id)
	}
	orphaned := 0
	for _, task := range linked {
		if err := s.OrphanTask(ctx, task.ID, domain.OrphanReasonDocumentDeleted); err != nil {
			return orphaned, err
		}
		orphaned++
	}
	s.logger.Debug("note deleted",
		zap.String("note_id", id),
		zap.Int("orphaned_tasks", orphaned))
	return orphaned, nil
}

// RecordNoteSave stores the content hash of a reconciled save. An unchanged hash records nothing.
func (s *Service) RecordNoteSave(ctx context.Context, id, contentHash string, fragmentCount int, savedAt time.Time) (bool, error) {
	_, changed, err := mutate(ctx, s, opRecordNoteSave, loadNote(id), func(note *domain.Note, at time.Time) (bool, error) {
		return note.RecordSave(contentHash, fragmentCount, savedAt, at)
	})
	return changed, err
}

// LoadNote returns the current state of a note from its event stream.
func (s *Service) LoadNote(ctx context.Context, id string) (*domain.Note, error) {
	note := domain.NewNote(id)
	if err := s.repository.Load(ctx, note); err != nil {
		return nil, s.fail("commands.load_note", "load_failed", err, id)
	}
	if !note.Exists() || note.Deleted() {
		return nil, newServiceError("commands.load_note", "not_found", fmt.Errorf("%w: note %s", ErrNotFound, id))
	}
	return note, nil
}
