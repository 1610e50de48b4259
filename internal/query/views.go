package query

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
)

// Node is a category or note as served to readers.
type Node struct {
	ID          string                  `json:"id"`
	Type        string                  `json:"type"`
	ParentID    string                  `json:"parent_id,omitempty"`
	Title       string                  `json:"title"`
	Path        string                  `json:"path,omitempty"`
	ContentHash string                  `json:"content_hash,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Tags        []domain.TagAssociation `json:"tags"`
}

// Ref returns the aggregate reference of the node.
func (n Node) Ref() domain.EntityRef {
	return domain.EntityRef{Type: n.Type, ID: n.ID}
}

// Task is a task list entry.
type Task struct {
	ID               string                  `json:"id"`
	Text             string                  `json:"text"`
	CategoryID       string                  `json:"category_id,omitempty"`
	SourceDocumentID string                  `json:"source_document_id,omitempty"`
	PriorDocumentID  string                  `json:"prior_document_id,omitempty"`
	SourceLine       int                     `json:"source_line,omitempty"`
	SourceOffset     int                     `json:"source_offset,omitempty"`
	Orphaned         bool                    `json:"orphaned"`
	Completed        bool                    `json:"completed"`
	DueDate          string                  `json:"due_date,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
	Tags             []domain.TagAssociation `json:"tags"`
}

// TaggedEntity is one entity carrying a tag.
type TaggedEntity struct {
	Ref            domain.EntityRef `json:"ref"`
	Inherited      bool             `json:"inherited"`
	SourceEntityID string           `json:"source_entity_id,omitempty"`
}

// TagDefinition is a defined tag.
type TagDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Retired   bool      `json:"retired"`
	CreatedAt time.Time `json:"created_at"`
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nodeFromRow(row projection.HierarchyNode) Node {
	return Node{
		ID:          row.EntityID,
		Type:        row.EntityType,
		ParentID:    row.ParentID,
		Title:       row.Title,
		Path:        row.Path,
		ContentHash: row.ContentHash,
		CreatedAt:   fromMillis(row.CreatedAtMilli),
		UpdatedAt:   fromMillis(row.UpdatedAtMilli),
		Tags:        []domain.TagAssociation{},
	}
}

func taskFromRow(row projection.TaskRow) Task {
	task := Task{
		ID:               row.TaskID,
		Text:             row.Text,
		CategoryID:       row.CategoryID,
		SourceDocumentID: row.SourceDocumentID,
		PriorDocumentID:  row.PriorDocumentID,
		SourceLine:       row.SourceLine,
		SourceOffset:     row.SourceOffset,
		Orphaned:         row.IsOrphaned,
		Completed:        row.IsCompleted,
		DueDate:          row.DueDate,
		CreatedAt:        fromMillis(row.CreatedAtMilli),
		UpdatedAt:        fromMillis(row.UpdatedAtMilli),
		Tags:             []domain.TagAssociation{},
	}
	if row.IsCompleted && row.CompletedAtMilli > 0 {
		completedAt := fromMillis(row.CompletedAtMilli)
		task.CompletedAt = &completedAt
	}
	return task
}

func associationFromRow(row projection.TagAssociationRow) domain.TagAssociation {
	return domain.TagAssociation{Tag: row.Tag, Inherited: row.IsInherited, SourceEntityID: row.SourceEntityID}
}
