package projection

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const TagProjectionName = "tags"

// TagAssociationRow is one tag on one entity.
type TagAssociationRow struct {
	EntityID       string `gorm:"column:entity_id;primaryKey;size:190"`
	Tag            string `gorm:"column:tag;primaryKey;size:64;index"`
	EntityType     string `gorm:"column:entity_type;size:32;not null"`
	IsInherited    bool   `gorm:"column:is_inherited;not null"`
	SourceEntityID string `gorm:"column:source_entity_id;size:190;not null;index"`
}

func (TagAssociationRow) TableName() string {
	return "tag_associations"
}

// TagDefinitionRow is a defined tag with its display color.
type TagDefinitionRow struct {
	TagID          string `gorm:"column:tag_id;primaryKey;size:64"`
	Name           string `gorm:"column:name;size:64;not null;uniqueIndex"`
	Color          string `gorm:"column:color;size:7;not null"`
	IsRetired      bool   `gorm:"column:is_retired;not null"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms;not null"`
}

func (TagDefinitionRow) TableName() string {
	return "tag_definitions"
}

// TagProjection maintains tag associations and tag definitions.
type TagProjection struct{}

func NewTagProjection() *TagProjection {
	return &TagProjection{}
}

func (p *TagProjection) Name() string {
	return TagProjectionName
}

func (p *TagProjection) Reset(_ context.Context, tx *gorm.DB) error {
	if err := tx.Where("1 = 1").Delete(&TagAssociationRow{}).Error; err != nil {
		return err
	}
	return tx.Where("1 = 1").Delete(&TagDefinitionRow{}).Error
}

func (p *TagProjection) Handle(_ context.Context, tx *gorm.DB, event Envelope) error {
	switch payload := event.Payload.(type) {
	case domain.TagAttached:
		source := payload.SourceEntityID
		if !payload.Inherited {
			source = ""
		}
		row := TagAssociationRow{
			EntityID:       event.AggregateID,
			Tag:            payload.Tag,
			EntityType:     event.AggregateType,
			IsInherited:    payload.Inherited,
			SourceEntityID: source,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}, {Name: "tag"}},
			UpdateAll: true,
		}).Create(&row).Error
	case domain.TagDetached:
		return tx.Where("entity_id = ? AND tag = ? AND source_entity_id = ?", event.AggregateID, payload.Tag, payload.SourceEntityID).
			Delete(&TagAssociationRow{}).Error
	case domain.CategoryDeleted, domain.NoteDeleted, domain.TaskDeleted:
		return tx.Where("entity_id = ?", event.AggregateID).Delete(&TagAssociationRow{}).Error
	case domain.TagDefined:
		row := TagDefinitionRow{
			TagID:          event.AggregateID,
			Name:           payload.Name,
			Color:          payload.Color,
			CreatedAtMilli: millis(event.OccurredAt),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tag_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "color", "is_retired"}),
		}).Create(&row).Error
	case domain.TagRecolored:
		return tx.Model(&TagDefinitionRow{}).Where("tag_id = ?", event.AggregateID).Update("color", payload.Color).Error
	case domain.TagRetired:
		return tx.Model(&TagDefinitionRow{}).Where("tag_id = ?", event.AggregateID).Update("is_retired", true).Error
	default:
		return nil
	}
}
