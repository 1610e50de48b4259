package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTaskTextLength = 1000
	dueDateLayout     = "2006-01-02"

	// OrphanReasonFragmentRemoved marks a task whose fragment vanished from its document.
	OrphanReasonFragmentRemoved = "fragment_removed"
	// OrphanReasonDocumentDeleted marks a task whose document was deleted.
	OrphanReasonDocumentDeleted = "document_deleted"
	// OrphanReasonUserDeleted marks the first step of a user deleting a linked task.
	OrphanReasonUserDeleted = "user_deleted"
)

// DeleteOutcome reports which step of the two-step delete a command performed.
type DeleteOutcome string

const (
	DeleteOutcomeOrphaned DeleteOutcome = "orphaned"
	DeleteOutcomeDeleted  DeleteOutcome = "deleted"
)

// TaskDraft describes a new task. Derived tasks name their source document and position;
// standalone tasks name a category or nothing.
type TaskDraft struct {
	Text             string
	CategoryID       string
	SourceDocumentID string
	SourceLine       int
	SourceOffset     int
	DueDate          string
}

// Task is an actionable item. A derived task follows a bracketed fragment in a document:
// Active (linked) then Orphaned then Deleted.
type Task struct {
	taggedRoot
	text             string
	categoryID       string
	sourceDocumentID string
	priorDocumentID  string
	sourceLine       int
	sourceOffset     int
	orphaned         bool
	completed        bool
	dueDate          string
}

func NewTask(id string) *Task {
	task := &Task{}
	task.taggedRoot = newTaggedRoot(id, AggregateTask, task.apply)
	return task
}

func (t *Task) Text() string             { return t.text }
func (t *Task) CategoryID() string       { return t.categoryID }
func (t *Task) SourceDocumentID() string { return t.sourceDocumentID }
func (t *Task) PriorDocumentID() string  { return t.priorDocumentID }
func (t *Task) SourceLine() int          { return t.sourceLine }
func (t *Task) SourceOffset() int        { return t.sourceOffset }
func (t *Task) Orphaned() bool           { return t.orphaned }
func (t *Task) Completed() bool          { return t.completed }
func (t *Task) DueDate() string          { return t.dueDate }
func (t *Task) Exists() bool             { return t.version > 0 }

// Linked reports whether the task currently follows a document fragment.
func (t *Task) Linked() bool {
	return t.sourceDocumentID != "" && !t.orphaned
}

// Container returns the entity the task inherits tags from: its document while linked,
// otherwise its category.
func (t *Task) Container() EntityRef {
	if t.Linked() {
		return EntityRef{Type: AggregateNote, ID: t.sourceDocumentID}
	}
	if t.categoryID != "" {
		return EntityRef{Type: AggregateCategory, ID: t.categoryID}
	}
	return EntityRef{}
}

func (t *Task) Create(draft TaskDraft, at time.Time) error {
	if t.version > 0 {
		return invalid("task", "already exists")
	}
	text, err := cleanTaskText(draft.Text)
	if err != nil {
		return err
	}
	dueDate, err := cleanDueDate(draft.DueDate)
	if err != nil {
		return err
	}
	document := strings.TrimSpace(draft.SourceDocumentID)
	category := strings.TrimSpace(draft.CategoryID)
	if document != "" {
		if category != "" {
			return invalid("category_id", "must be empty for a task derived from a document")
		}
		if draft.SourceLine < 1 || draft.SourceOffset < 0 {
			return invalid("source_line", "must point into the document")
		}
	}
	return t.record(TaskCreated{
		Text:             text,
		CategoryID:       category,
		SourceDocumentID: document,
		SourceLine:       draft.SourceLine,
		SourceOffset:     draft.SourceOffset,
		DueDate:          dueDate,
	}, at)
}

func (t *Task) ChangeText(raw string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	text, err := cleanTaskText(raw)
	if err != nil {
		return false, err
	}
	if text == t.text {
		return false, nil
	}
	return true, t.record(TaskTextChanged{Text: text}, at)
}

// Relocate updates the fragment position of a linked task.
func (t *Task) Relocate(line, offset int, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	if !t.Linked() {
		return false, invalid("task", "is not linked to a document")
	}
	if line < 1 || offset < 0 {
		return false, invalid("source_line", "must point into the document")
	}
	if line == t.sourceLine && offset == t.sourceOffset {
		return false, nil
	}
	return true, t.record(TaskRelocated{Line: line, Offset: offset}, at)
}

func (t *Task) Complete(at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	if t.completed {
		return false, nil
	}
	return true, t.record(TaskCompleted{}, at)
}

func (t *Task) Reopen(at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	if !t.completed {
		return false, nil
	}
	return true, t.record(TaskReopened{}, at)
}

// SetDueDate accepts YYYY-MM-DD, or an empty string to clear the date.
func (t *Task) SetDueDate(raw string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	dueDate, err := cleanDueDate(raw)
	if err != nil {
		return false, err
	}
	if dueDate == t.dueDate {
		return false, nil
	}
	return true, t.record(TaskDueSet{DueDate: dueDate}, at)
}

// Move places an unlinked task in a category. Linked tasks follow their document.
func (t *Task) Move(categoryID string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	if t.Linked() {
		return false, invalid("task", "follows its document and cannot be moved")
	}
	categoryID = strings.TrimSpace(categoryID)
	if categoryID == t.categoryID {
		return false, nil
	}
	return true, t.record(TaskMoved{OldCategoryID: t.categoryID, NewCategoryID: categoryID}, at)
}

// Orphan detaches a linked task from its document. The task survives as uncategorized work.
func (t *Task) Orphan(reason string, at time.Time) error {
	if err := t.ensureActive(); err != nil {
		return err
	}
	if !t.Linked() {
		return invalid("task", "is not linked to a document")
	}
	if strings.TrimSpace(reason) == "" {
		reason = OrphanReasonFragmentRemoved
	}
	return t.record(TaskOrphaned{PriorDocumentID: t.sourceDocumentID, Reason: reason}, at)
}

// Restore re-links an orphaned task to the document it came from.
func (t *Task) Restore(at time.Time) error {
	if err := t.ensureActive(); err != nil {
		return err
	}
	if !t.orphaned || t.priorDocumentID == "" {
		return invalid("task", "is not orphaned")
	}
	if t.categoryID != "" {
		return invalid("task", "was moved to a category after it was orphaned")
	}
	return t.record(TaskRestored{DocumentID: t.priorDocumentID, Line: t.sourceLine, Offset: t.sourceOffset}, at)
}

// Delete is two-step for linked tasks: the first call orphans, a later call on the
// orphaned task removes it.
func (t *Task) Delete(at time.Time) (DeleteOutcome, error) {
	if err := t.ensureActive(); err != nil {
		return "", err
	}
	if t.Linked() {
		if err := t.Orphan(OrphanReasonUserDeleted, at); err != nil {
			return "", err
		}
		return DeleteOutcomeOrphaned, nil
	}
	if err := t.record(TaskDeleted{}, at); err != nil {
		return "", err
	}
	return DeleteOutcomeDeleted, nil
}

func (t *Task) apply(payload Payload) error {
	switch event := payload.(type) {
	case TaskCreated:
		t.text = event.Text
		t.categoryID = event.CategoryID
		t.sourceDocumentID = event.SourceDocumentID
		t.sourceLine = event.SourceLine
		t.sourceOffset = event.SourceOffset
		t.dueDate = event.DueDate
	case TaskTextChanged:
		t.text = event.Text
	case TaskRelocated:
		t.sourceLine = event.Line
		t.sourceOffset = event.Offset
	case TaskCompleted:
		t.completed = true
	case TaskReopened:
		t.completed = false
	case TaskDueSet:
		t.dueDate = event.DueDate
	case TaskMoved:
		t.categoryID = event.NewCategoryID
	case TaskOrphaned:
		t.orphaned = true
		t.priorDocumentID = event.PriorDocumentID
		t.sourceDocumentID = ""
	case TaskRestored:
		t.orphaned = false
		t.sourceDocumentID = event.DocumentID
		t.priorDocumentID = ""
		t.sourceLine = event.Line
		t.sourceOffset = event.Offset
	case TaskDeleted:
		t.deleted = true
	default:
		if t.applyTagEvent(payload) {
			return nil
		}
		return fmt.Errorf("%w: %s on task", ErrUnexpectedEvent, payload.EventType())
	}
	return nil
}

type taskState struct {
	Text             string `json:"text"`
	CategoryID       string `json:"category_id,omitempty"`
	SourceDocumentID string `json:"source_document_id,omitempty"`
	PriorDocumentID  string `json:"prior_document_id,omitempty"`
	SourceLine       int    `json:"source_line,omitempty"`
	SourceOffset     int    `json:"source_offset,omitempty"`
	Orphaned         bool   `json:"orphaned,omitempty"`
	Completed        bool   `json:"completed,omitempty"`
	DueDate          string `json:"due_date,omitempty"`
	Deleted          bool   `json:"deleted,omitempty"`
	Tags             TagSet `json:"tags,omitempty"`
}

func (t *Task) SnapshotState() ([]byte, error) {
	return json.Marshal(taskState{
		Text:             t.text,
		CategoryID:       t.categoryID,
		SourceDocumentID: t.sourceDocumentID,
		PriorDocumentID:  t.priorDocumentID,
		SourceLine:       t.sourceLine,
		SourceOffset:     t.sourceOffset,
		Orphaned:         t.orphaned,
		Completed:        t.completed,
		DueDate:          t.dueDate,
		Deleted:          t.deleted,
		Tags:             t.tags,
	})
}

func (t *Task) RestoreSnapshot(version int64, data []byte) error {
	var state taskState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: task snapshot: %v", ErrDeserialization, err)
	}
	t.text = state.Text
	t.categoryID = state.CategoryID
	t.sourceDocumentID = state.SourceDocumentID
	t.priorDocumentID = state.PriorDocumentID
	t.sourceLine = state.SourceLine
	t.sourceOffset = state.SourceOffset
	t.orphaned = state.Orphaned
	t.completed = state.Completed
	t.dueDate = state.DueDate
	t.deleted = state.Deleted
	t.tags = TagSet{}
	for tag, association := range state.Tags {
		t.tags[tag] = association
	}
	t.restoreVersion(version)
	return nil
}

func cleanTaskText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", invalid("text", "must not be empty")
	}
	if utf8.RuneCountInString(text) > maxTaskTextLength {
		return "", invalid("text", fmt.Sprintf("exceeds %d characters", maxTaskTextLength))
	}
	return text, nil
}

func cleanDueDate(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", nil
	}
	if _, err := time.Parse(dueDateLayout, value); err != nil {
		return "", invalid("due_date", "must be formatted as YYYY-MM-DD")
	}
	return value, nil
}
