package projection

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const HierarchyProjectionName = "hierarchy"

// HierarchyNode is one category or note in the containment tree.
type HierarchyNode struct {
	EntityID       string `gorm:"column:entity_id;primaryKey;size:190"`
	EntityType     string `gorm:"column:entity_type;size:32;not null;index"`
	ParentID       string `gorm:"column:parent_id;size:190;not null;index"`
	Title          string `gorm:"column:title;size:200;not null"`
	Path           string `gorm:"column:path;size:1024;not null;index"`
	ContentHash    string `gorm:"column:content_hash;size:64;not null"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMilli int64  `gorm:"column:updated_at_ms;not null"`
}

func (HierarchyNode) TableName() string {
	return "hierarchy_nodes"
}

// HierarchyProjection maintains the category and note tree.
type HierarchyProjection struct{}

func NewHierarchyProjection() *HierarchyProjection {
	return &HierarchyProjection{}
}

func (p *HierarchyProjection) Name() string {
	return HierarchyProjectionName
}

func (p *HierarchyProjection) Reset(_ context.Context, tx *gorm.DB) error {
	return tx.Where("1 = 1").Delete(&HierarchyNode{}).Error
}

func (p *HierarchyProjection) Handle(_ context.Context, tx *gorm.DB, event Envelope) error {
	at := millis(event.OccurredAt)
	switch payload := event.Payload.(type) {
	case domain.CategoryCreated:
		return upsertNode(tx, HierarchyNode{
			EntityID:       event.AggregateID,
			EntityType:     domain.AggregateCategory,
			ParentID:       payload.ParentID,
			Title:          payload.Name,
			CreatedAtMilli: at,
			UpdatedAtMilli: at,
		})
	case domain.CategoryRenamed:
		return updateNode(tx, event.AggregateID, map[string]any{"title": payload.Name, "updated_at_ms": at})
	case domain.CategoryMoved:
		return updateNode(tx, event.AggregateID, map[string]any{"parent_id": payload.NewParentID, "updated_at_ms": at})
	case domain.NoteCreated:
		return upsertNode(tx, HierarchyNode{
			EntityID:       event.AggregateID,
			EntityType:     domain.AggregateNote,
			ParentID:       payload.CategoryID,
			Title:          payload.Title,
			Path:           payload.Path,
			CreatedAtMilli: at,
			UpdatedAtMilli: at,
		})
	case domain.NoteRenamed:
		return updateNode(tx, event.AggregateID, map[string]any{"title": payload.Title, "updated_at_ms": at})
	case domain.NoteMoved:
		return updateNode(tx, event.AggregateID, map[string]any{"parent_id": payload.NewCategoryID, "updated_at_ms": at})
	case domain.NoteSaved:
		return updateNode(tx, event.AggregateID, map[string]any{"content_hash": payload.ContentHash, "updated_at_ms": at})
	case domain.CategoryDeleted, domain.NoteDeleted:
		return tx.Where("entity_id = ?", event.AggregateID).Delete(&HierarchyNode{}).Error
	default:
		return nil
	}
}

func upsertNode(tx *gorm.DB, node HierarchyNode) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		UpdateAll: true,
	}).Create(&node).Error
}

func updateNode(tx *gorm.DB, entityID string, values map[string]any) error {
	return tx.Model(&HierarchyNode{}).Where("entity_id = ?", entityID).Updates(values).Error
}
