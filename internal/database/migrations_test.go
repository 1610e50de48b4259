package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsAlignsEventSequence(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(eventstore.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	for position := 1; position <= 3; position++ {
		if err := database.Exec(
			"INSERT INTO events (global_position, event_id, aggregate_id, stream_version, aggregate_type, event_type, payload, occurred_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			position, "legacy-"+string(rune('0'+position)), "cat-1", position, "category", "category.renamed", `{"name":"x"}`, 0,
		).Error; err != nil {
			testContext.Fatalf("failed to insert legacy event: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationAlignEventSequence).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	store, err := eventstore.NewStore(eventstore.StoreConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	if _, err := store.Append(context.Background(), "cat-2", 0, []eventstore.Event{{EventType: "category.created", Payload: []byte(`{"name":"y"}`)}}); err != nil {
		testContext.Fatalf("append after migration failed: %v", err)
	}
	head, err := store.HeadPosition(context.Background())
	if err != nil || head != 4 {
		testContext.Fatalf("expected the next position to follow the legacy events, got %d (%v)", head, err)
	}
}

func TestOpenMigratesASQLiteFile(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "core.db")
	database, err := Open(Options{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"events", "event_sequence", "aggregate_snapshots", "projection_checkpoint", "hierarchy_nodes", "tag_associations", "tag_definitions", "task_list", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := Open(Options{Driver: "mysql"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver to be rejected")
	}
}
