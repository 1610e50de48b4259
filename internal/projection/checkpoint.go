package projection

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StatusReady      = "ready"
	StatusRebuilding = "rebuilding"
)

type checkpointRecord struct {
	ProjectionName        string `gorm:"column:projection_name;primaryKey;size:64"`
	LastProcessedPosition int64  `gorm:"column:last_processed_position;not null"`
	Status                string `gorm:"column:status;size:16;not null;default:ready"`
}

func (checkpointRecord) TableName() string {
	return "projection_checkpoint"
}

// Checkpoint reports the progress of one projection.
type Checkpoint struct {
	Projection            string `json:"projection"`
	LastProcessedPosition int64  `json:"last_processed_position"`
	Status                string `json:"status"`
	Lag                   int64  `json:"lag"`
}

func ensureCheckpoints(tx *gorm.DB, names []string) (map[string]checkpointRecord, error) {
	for _, name := range names {
		seed := checkpointRecord{ProjectionName: name, Status: StatusReady}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, err
		}
	}
	var records []checkpointRecord
	if err := tx.Where("projection_name IN ?", names).Find(&records).Error; err != nil {
		return nil, err
	}
	byName := make(map[string]checkpointRecord, len(records))
	for _, record := range records {
		byName[record.ProjectionName] = record
	}
	return byName, nil
}

func advanceCheckpoint(tx *gorm.DB, name string, position int64) error {
	return tx.Model(&checkpointRecord{}).
		Where("projection_name = ?", name).
		Update("last_processed_position", position).Error
}

func resetCheckpoint(tx *gorm.DB, name string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "projection_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_position", "status"}),
	}).Create(&checkpointRecord{ProjectionName: name, LastProcessedPosition: 0, Status: StatusRebuilding}).Error
}

func markReady(tx *gorm.DB, names []string) error {
	return tx.Model(&checkpointRecord{}).
		Where("projection_name IN ? AND status <> ?", names, StatusReady).
		Update("status", StatusReady).Error
}
