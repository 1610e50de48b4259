package domain

import "time"

// Aggregate type names as stored alongside each event.
const (
	AggregateCategory = "category"
	AggregateNote     = "note"
	AggregateTag      = "tag"
	AggregateTask     = "task"
)

// Event type discriminators.
const (
	EventCategoryCreated = "category.created"
	EventCategoryRenamed = "category.renamed"
	EventCategoryMoved   = "category.moved"
	EventCategoryDeleted = "category.deleted"

	EventNoteCreated = "note.created"
	EventNoteRenamed = "note.renamed"
	EventNoteMoved   = "note.moved"
	EventNoteSaved   = "note.saved"
	EventNoteDeleted = "note.deleted"

	EventTagDefined   = "tag.defined"
	EventTagRecolored = "tag.recolored"
	EventTagRetired   = "tag.retired"

	EventTaskCreated     = "task.created"
	EventTaskTextChanged = "task.text_changed"
	EventTaskRelocated   = "task.relocated"
	EventTaskCompleted   = "task.completed"
	EventTaskReopened    = "task.reopened"
	EventTaskDueSet      = "task.due_set"
	EventTaskMoved       = "task.moved"
	EventTaskOrphaned    = "task.orphaned"
	EventTaskRestored    = "task.restored"
	EventTaskDeleted     = "task.deleted"

	EventTagAttached = "entity.tag_attached"
	EventTagDetached = "entity.tag_detached"
)

// Payload is the closed set of event bodies. Only types in this package implement it.
type Payload interface {
	EventType() string
	sealed()
}

type CategoryCreated struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

type CategoryRenamed struct {
	Name string `json:"name"`
}

type CategoryMoved struct {
	OldParentID string `json:"old_parent_id,omitempty"`
	NewParentID string `json:"new_parent_id,omitempty"`
}

type CategoryDeleted struct{}

type NoteCreated struct {
	Title      string `json:"title"`
	CategoryID string `json:"category_id,omitempty"`
	Path       string `json:"path,omitempty"`
}

type NoteRenamed struct {
	Title string `json:"title"`
}

type NoteMoved struct {
	OldCategoryID string `json:"old_category_id,omitempty"`
	NewCategoryID string `json:"new_category_id,omitempty"`
}

// NoteSaved records the content hash reconciled for a document save.
type NoteSaved struct {
	ContentHash   string    `json:"content_hash"`
	FragmentCount int       `json:"fragment_count"`
	SavedAt       time.Time `json:"saved_at"`
}

type NoteDeleted struct{}

type TagDefined struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type TagRecolored struct {
	Color string `json:"color"`
}

type TagRetired struct{}

type TaskCreated struct {
	Text             string `json:"text"`
	CategoryID       string `json:"category_id,omitempty"`
	SourceDocumentID string `json:"source_document_id,omitempty"`
	SourceLine       int    `json:"source_line,omitempty"`
	SourceOffset     int    `json:"source_offset,omitempty"`
	DueDate          string `json:"due_date,omitempty"`
}

type TaskTextChanged struct {
	Text string `json:"text"`
}

type TaskRelocated struct {
	Line   int `json:"line"`
	Offset int `json:"offset"`
}

type TaskCompleted struct{}

type TaskReopened struct{}

type TaskDueSet struct {
	DueDate string `json:"due_date"`
}

type TaskMoved struct {
	OldCategoryID string `json:"old_category_id,omitempty"`
	NewCategoryID string `json:"new_category_id,omitempty"`
}

// TaskOrphaned detaches a derived task from its document while keeping the link for restore.
type TaskOrphaned struct {
	PriorDocumentID string `json:"prior_document_id"`
	Reason          string `json:"reason"`
}

type TaskRestored struct {
	DocumentID string `json:"document_id"`
	Line       int    `json:"line"`
	Offset     int    `json:"offset"`
}

type TaskDeleted struct{}

// TagAttached adds or replaces the association of Tag on the emitting entity.
type TagAttached struct {
	Tag            string `json:"tag"`
	Inherited      bool   `json:"inherited"`
	SourceEntityID string `json:"source_entity_id,omitempty"`
}

// TagDetached removes the association of Tag when its source matches SourceEntityID.
type TagDetached struct {
	Tag            string `json:"tag"`
	SourceEntityID string `json:"source_entity_id,omitempty"`
}

func (CategoryCreated) EventType() string { return EventCategoryCreated }
func (CategoryRenamed) EventType() string { return EventCategoryRenamed }
func (CategoryMoved) EventType() string   { return EventCategoryMoved }
func (CategoryDeleted) EventType() string { return EventCategoryDeleted }
func (NoteCreated) EventType() string     { return EventNoteCreated }
func (NoteRenamed) EventType() string     { return EventNoteRenamed }
func (NoteMoved) EventType() string       { return EventNoteMoved }
func (NoteSaved) EventType() string       { return EventNoteSaved }
func (NoteDeleted) EventType() string     { return EventNoteDeleted }
func (TagDefined) EventType() string      { return EventTagDefined }
func (TagRecolored) EventType() string    { return EventTagRecolored }
func (TagRetired) EventType() string      { return EventTagRetired }
func (TaskCreated) EventType() string     { return EventTaskCreated }
func (TaskTextChanged) EventType() string { return EventTaskTextChanged }
func (TaskRelocated) EventType() string   { return EventTaskRelocated }
func (TaskCompleted) EventType() string   { return EventTaskCompleted }
func (TaskReopened) EventType() string    { return EventTaskReopened }
func (TaskDueSet) EventType() string      { return EventTaskDueSet }
func (TaskMoved) EventType() string       { return EventTaskMoved }
func (TaskOrphaned) EventType() string    { return EventTaskOrphaned }
func (TaskRestored) EventType() string    { return EventTaskRestored }
func (TaskDeleted) EventType() string     { return EventTaskDeleted }
func (TagAttached) EventType() string     { return EventTagAttached }
func (TagDetached) EventType() string     { return EventTagDetached }

func (CategoryCreated) sealed() {}
func (CategoryRenamed) sealed() {}
func (CategoryMoved) sealed()   {}
func (CategoryDeleted) sealed() {}
func (NoteCreated) sealed()     {}
func (NoteRenamed) sealed()     {}
func (NoteMoved) sealed()       {}
func (NoteSaved) sealed()       {}
func (NoteDeleted) sealed()     {}
func (TagDefined) sealed()      {}
func (TagRecolored) sealed()    {}
func (TagRetired) sealed()      {}
func (TaskCreated) sealed()     {}
func (TaskTextChanged) sealed() {}
func (TaskRelocated) sealed()   {}
func (TaskCompleted) sealed()   {}
func (TaskReopened) sealed()    {}
func (TaskDueSet) sealed()      {}
func (TaskMoved) sealed()       {}
func (TaskOrphaned) sealed()    {}
func (TaskRestored) sealed()    {}
func (TaskDeleted) sealed()     {}
func (TagAttached) sealed()     {}
func (TagDetached) sealed()     {}
