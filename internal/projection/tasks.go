package projection

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const TaskProjectionName = "tasks"

// TaskRow is the list view of a task, including the fragment position of derived tasks.
type TaskRow struct {
	TaskID           string `gorm:"column:task_id;primaryKey;size:190"`
	Text             string `gorm:"column:text;size:1000;not null"`
	CategoryID       string `gorm:"column:category_id;size:190;not null;index"`
	SourceDocumentID string `gorm:"column:source_document_id;size:190;not null;index"`
	PriorDocumentID  string `gorm:"column:prior_document_id;size:190;not null"`
	SourceLine       int    `gorm:"column:source_line;not null"`
	SourceOffset     int    `gorm:"column:source_offset;not null"`
	IsOrphaned       bool   `gorm:"column:is_orphaned;not null;index"`
	IsCompleted      bool   `gorm:"column:is_completed;not null;index"`
	DueDate          string `gorm:"column:due_date;size:10;not null;index"`
	CreatedAtMilli   int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMilli   int64  `gorm:"column:updated_at_ms;not null"`
	CompletedAtMilli int64  `gorm:"column:completed_at_ms;not null"`
}

func (TaskRow) TableName() string {
	return "task_list"
}

// TaskProjection maintains the task list.
type TaskProjection struct{}

func NewTaskProjection() *TaskProjection {
	return &TaskProjection{}
}

func (p *TaskProjection) Name() string {
	return TaskProjectionName
}

func (p *TaskProjection) Reset(_ context.Context, tx *gorm.DB) error {
	return tx.Where("1 = 1").Delete(&TaskRow{}).Error
}

func (p *TaskProjection) Handle(_ context.Context, tx *gorm.DB, event Envelope) error {
	at := millis(event.OccurredAt)
	switch payload := event.Payload.(type) {
	case domain.TaskCreated:
		row := TaskRow{
			TaskID:           event.AggregateID,
			Text:             payload.Text,
			CategoryID:       payload.CategoryID,
			SourceDocumentID: payload.SourceDocumentID,
			SourceLine:       payload.SourceLine,
			SourceOffset:     payload.SourceOffset,
			DueDate:          payload.DueDate,
			CreatedAtMilli:   at,
			UpdatedAtMilli:   at,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	case domain.TaskTextChanged:
		return updateTask(tx, event.AggregateID, at, map[string]any{"text": payload.Text})
	case domain.TaskRelocated:
		return updateTask(tx, event.AggregateID, at, map[string]any{"source_line": payload.Line, "source_offset": payload.Offset})
	case domain.TaskCompleted:
		return updateTask(tx, event.AggregateID, at, map[string]any{"is_completed": true, "completed_at_ms": at})
	case domain.TaskReopened:
		return updateTask(tx, event.AggregateID, at, map[string]any{"is_completed": false, "completed_at_ms": 0})
	case domain.TaskDueSet:
		return updateTask(tx, event.AggregateID, at, map[string]any{"due_date": payload.DueDate})
	case domain.TaskMoved:
		return updateTask(tx, event.AggregateID, at, map[string]any{"category_id": payload.NewCategoryID})
	case domain.TaskOrphaned:
		return updateTask(tx, event.AggregateID, at, map[string]any{
			"is_orphaned":        true,
			"prior_document_id":  payload.PriorDocumentID,
			"source_document_id": "",
		})
	case domain.TaskRestored:
		return updateTask(tx, event.AggregateID, at, map[string]any{
			"is_orphaned":        false,
			"prior_document_id":  "",
			"source_document_id": payload.DocumentID,
			"source_line":        payload.Line,
			"source_offset":      payload.Offset,
		})
	case domain.TaskDeleted:
		return tx.Where("task_id = ?", event.AggregateID).Delete(&TaskRow{}).Error
	default:
		return nil
	}
}

func updateTask(tx *gorm.DB, taskID string, at int64, values map[string]any) error {
	values["updated_at_ms"] = at
	return tx.Model(&TaskRow{}).Where("task_id = ?", taskID).Updates(values).Error
}
