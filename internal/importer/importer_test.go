package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/archive"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/inheritance"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/repository"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const legacyFixture = `{
  "tags": [
    {"name": "work", "color": "#FF0000"},
    {"name": "old", "retired": true}
  ],
  "categories": [
    {"id": "cat-child", "name": "Child", "parent_id": "cat-root"},
    {"id": "cat-root", "name": "Root", "tags": ["work"]}
  ],
  "notes": [
    {"id": "note-plan", "title": "Plan", "category_id": "cat-child", "path": "plan.md"}
  ],
  "tasks": [
    {"id": "task-linked", "text": "write plan", "document_id": "note-plan", "line": 2, "offset": 0, "completed": true},
    {"id": "task-loose", "text": "file taxes", "category_id": "cat-root", "due_date": "2026-10-20", "tags": ["home"]},
    {"id": "task-orphan", "text": "old idea", "document_id": "note-plan", "line": 5, "offset": 0, "orphaned": true}
  ]
}`

type importSystem struct {
	importer     *Importer
	queries      *query.Service
	orchestrator *projection.Orchestrator
}

func newImportSystem(testContext *testing.T) importSystem {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(append(eventstore.Models(), projection.Models()...)...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := eventstore.NewStore(eventstore.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	repo, err := repository.New(repository.Config{Store: store})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}
	orchestrator, err := projection.NewOrchestrator(projection.OrchestratorConfig{Database: db, Store: store, Projections: projection.Defaults()})
	if err != nil {
		testContext.Fatalf("failed to build orchestrator: %v", err)
	}
	queries, err := query.NewService(query.Config{Database: db, Location: time.UTC})
	if err != nil {
		testContext.Fatalf("failed to build queries: %v", err)
	}
	engine, err := inheritance.NewEngine(inheritance.Config{Repository: repo, Finder: queries, Sync: orchestrator})
	if err != nil {
		testContext.Fatalf("failed to build inheritance engine: %v", err)
	}
	service, err := commands.NewService(commands.ServiceConfig{Repository: repo, Inheritance: engine, Queries: queries, Sync: orchestrator})
	if err != nil {
		testContext.Fatalf("failed to build command service: %v", err)
	}
	importer, err := New(Config{Commands: service, Queries: queries, Sync: orchestrator})
	if err != nil {
		testContext.Fatalf("failed to build importer: %v", err)
	}
	return importSystem{importer: importer, queries: queries, orchestrator: orchestrator}
}

func mustParse(testContext *testing.T, raw string) LegacyData {
	testContext.Helper()
	data, err := ParseLegacy(strings.NewReader(raw))
	if err != nil {
		testContext.Fatalf("parse failed: %v", err)
	}
	return data
}

func TestImportRebuildsTheLegacyWorkspace(testContext *testing.T) {
	system := newImportSystem(testContext)
	ctx := context.Background()

	report, err := system.importer.Import(ctx, mustParse(testContext, legacyFixture))
	if err != nil {
		testContext.Fatalf("import failed: %v", err)
	}
	want := Report{Tags: 2, Categories: 2, Notes: 1, Tasks: 3}
	if report != want {
		testContext.Fatalf("unexpected report %+v", report)
	}
	if _, err := system.orchestrator.CatchUp(ctx); err != nil {
		testContext.Fatalf("catch-up failed: %v", err)
	}

	child, err := system.queries.Category(ctx, "cat-child")
	if err != nil || child.ParentID != "cat-root" {
		testContext.Fatalf("expected child under root, got %+v (%v)", child, err)
	}
	linked, err := system.queries.Task(ctx, "task-linked")
	if err != nil {
		testContext.Fatalf("task lookup failed: %v", err)
	}
	if !linked.Completed || len(linked.Tags) != 1 || linked.Tags[0].Tag != "work" || linked.Tags[0].SourceEntityID != "cat-root" {
		testContext.Fatalf("unexpected linked task %+v", linked)
	}
	loose, err := system.queries.Task(ctx, "task-loose")
	if err != nil || loose.DueDate != "2026-10-20" || len(loose.Tags) != 2 {
		testContext.Fatalf("unexpected loose task %+v (%v)", loose, err)
	}
	orphaned, err := system.queries.SmartList(ctx, query.ListOrphaned)
	if err != nil || len(orphaned) != 1 || orphaned[0].PriorDocumentID != "note-plan" {
		testContext.Fatalf("expected one orphaned task, got %+v (%v)", orphaned, err)
	}
	definitions, err := system.queries.TagDefinitions(ctx, false)
	if err != nil {
		testContext.Fatalf("tag definitions failed: %v", err)
	}
	if len(definitions) != 2 || definitions[0].Name != "home" || definitions[1].Name != "work" || definitions[1].Color != "#ff0000" {
		testContext.Fatalf("unexpected tag definitions %+v", definitions)
	}
}

func TestImportCanRunAgain(testContext *testing.T) {
	system := newImportSystem(testContext)
	ctx := context.Background()
	path := filepath.Join(testContext.TempDir(), "legacy.json")
	if err := os.WriteFile(path, []byte(legacyFixture), 0o600); err != nil {
		testContext.Fatalf("write fixture failed: %v", err)
	}
	source := archive.FileDestination{Path: path}

	if _, err := system.importer.ImportFrom(ctx, source); err != nil {
		testContext.Fatalf("first import failed: %v", err)
	}
	report, err := system.importer.ImportFrom(ctx, source)
	if err != nil {
		testContext.Fatalf("second import failed: %v", err)
	}
	if report != (Report{Skipped: 8}) {
		testContext.Fatalf("expected everything to be skipped, got %+v", report)
	}
	if _, err := system.orchestrator.CatchUp(ctx); err != nil {
		testContext.Fatalf("catch-up failed: %v", err)
	}
	definitions, err := system.queries.TagDefinitions(ctx, false)
	if err != nil || len(definitions) != 2 {
		testContext.Fatalf("retired tag must stay retired, got %+v (%v)", definitions, err)
	}
}

func TestParseLegacyRejectsInconsistentData(testContext *testing.T) {
	testCases := map[string]string{
		"cycle":            `{"categories":[{"id":"a","name":"A","parent_id":"b"},{"id":"b","name":"B","parent_id":"a"}]}`,
		"dangling parent":  `{"categories":[{"id":"a","name":"A","parent_id":"missing"}]}`,
		"duplicate":        `{"categories":[{"id":"a","name":"A"},{"id":"a","name":"B"}]}`,
		"unknown note":     `{"tasks":[{"id":"t","text":"x","document_id":"nope"}]}`,
		"linked and filed": `{"categories":[{"id":"c","name":"C"}],"notes":[{"id":"n","title":"N","path":"n.md"}],"tasks":[{"id":"t","text":"x","document_id":"n","category_id":"c"}]}`,
		"not json":         `categories:`,
	}
	for name, raw := range testCases {
		testContext.Run(name, func(testContext *testing.T) {
			if _, err := ParseLegacy(strings.NewReader(raw)); !errors.Is(err, ErrInvalidLegacyData) {
				testContext.Fatalf("expected ErrInvalidLegacyData, got %v", err)
			}
		})
	}
}

func TestOrderCategoriesPutsParentsFirst(testContext *testing.T) {
	ordered, err := orderCategories([]LegacyCategory{
		{ID: "leaf", ParentID: "mid"},
		{ID: "mid", ParentID: "top"},
		{ID: "top"},
		{ID: "other"},
	})
	if err != nil {
		testContext.Fatalf("order failed: %v", err)
	}
	var ids []string
	for _, category := range ordered {
		ids = append(ids, category.ID)
	}
	if strings.Join(ids, ",") != "top,mid,leaf,other" {
		testContext.Fatalf("unexpected order %v", ids)
	}
}
