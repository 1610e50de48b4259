package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationAlignEventSequence = "2026-10-01_align_event_sequence"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationAlignEventSequence, apply: alignEventSequence},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// alignEventSequence seeds the global sequence row from the highest stored position, so event
// logs written before the sequence table existed keep gap-free positions.
func alignEventSequence(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var head int64
		if err := tx.Table("events").Select("COALESCE(MAX(global_position), 0)").Scan(&head).Error; err != nil {
			return err
		}
		if err := tx.Exec("INSERT INTO event_sequence (name, last_position) VALUES (?, ?) ON CONFLICT (name) DO NOTHING", "global", head).Error; err != nil {
			return err
		}
		return tx.Exec("UPDATE event_sequence SET last_position = ? WHERE name = ? AND last_position < ?", head, "global", head).Error
	})
}
