package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/idgen"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/inheritance"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/repository"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var saveTime = time.Date(2026, 10, 6, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine       *Engine
	service      *commands.Service
	queries      *query.Service
	orchestrator *projection.Orchestrator
}

func newHarness(t *testing.T) harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(append(eventstore.Models(), projection.Models()...)...))

	store, err := eventstore.NewStore(eventstore.StoreConfig{Database: db})
	require.NoError(t, err)
	repo, err := repository.New(repository.Config{Store: store})
	require.NoError(t, err)
	orchestrator, err := projection.NewOrchestrator(projection.OrchestratorConfig{Database: db, Store: store, Projections: projection.Defaults()})
	require.NoError(t, err)
	queries, err := query.NewService(query.Config{Database: db, Location: time.UTC})
	require.NoError(t, err)
	clock := func() time.Time { return saveTime }
	inherit, err := inheritance.NewEngine(inheritance.Config{Repository: repo, Finder: queries, Sync: orchestrator, Clock: clock})
	require.NoError(t, err)
	service, err := commands.NewService(commands.ServiceConfig{
		Repository:  repo,
		Inheritance: inherit,
		Queries:     queries,
		Sync:        orchestrator,
		IDProvider:  idgen.NewSequence("task-a", "task-b", "task-c", "task-d"),
		Clock:       clock,
	})
	require.NoError(t, err)
	engine, err := NewEngine(Config{Commands: service, Queries: queries, Sync: orchestrator})
	require.NoError(t, err)
	return harness{engine: engine, service: service, queries: queries, orchestrator: orchestrator}
}

func (h harness) save(t *testing.T, content string) Result {
	t.Helper()
	result, err := h.engine.OnDocumentSaved(context.Background(), DocumentSaved{Path: "groceries.md", Content: content, SavedAt: saveTime})
	require.NoError(t, err)
	return result
}

func (h harness) linkedTasks(t *testing.T, documentID string) []query.Task {
	t.Helper()
	_, err := h.orchestrator.CatchUp(context.Background())
	require.NoError(t, err)
	tasks, err := h.queries.TasksFromDocument(context.Background(), documentID)
	require.NoError(t, err)
	return tasks
}

func TestDocumentSaveReconcilesDerivedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.service.CreateCategory(ctx, commands.CreateCategoryInput{ID: "home", Name: "Home", Tags: []string{"errands"}})
	require.NoError(t, err)
	_, err = h.service.CreateNote(ctx, commands.CreateNoteInput{ID: "doc", Title: "Groceries", CategoryID: "home", Path: "groceries.md"})
	require.NoError(t, err)

	first := h.save(t, "# Groceries\n- [buy milk]\n- [call mom]")
	require.Equal(t, "doc", first.DocumentID)
	require.Len(t, first.Commands, 2)
	tasks := h.linkedTasks(t, "doc")
	require.Len(t, tasks, 2)
	require.Equal(t, "buy milk", tasks[0].Text)
	require.Equal(t, 2, tasks[0].SourceLine)
	require.Len(t, tasks[0].Tags, 1)
	require.Equal(t, "errands", tasks[0].Tags[0].Tag)
	require.Equal(t, "home", tasks[0].Tags[0].SourceEntityID)

	again := h.save(t, "# Groceries\n- [buy milk]\n- [call mom]")
	require.True(t, again.Unchanged)
	require.Empty(t, again.Commands)

	edited := h.save(t, "# Groceries\n- [buy milk and eggs]\n- [call mom]")
	require.Len(t, edited.Commands, 1)
	require.Equal(t, KindUpdateText, edited.Commands[0].Kind)
	require.Equal(t, tasks[0].ID, edited.Commands[0].TaskID)
	tasks = h.linkedTasks(t, "doc")
	require.Len(t, tasks, 2)
	require.Equal(t, "buy milk and eggs", tasks[0].Text)

	removed := h.save(t, "# Groceries\n- [buy milk and eggs]")
	require.Len(t, removed.Commands, 1)
	require.Equal(t, KindOrphan, removed.Commands[0].Kind)
	require.Len(t, h.linkedTasks(t, "doc"), 1)
	orphaned, err := h.queries.SmartList(ctx, query.ListOrphaned)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "call mom", orphaned[0].Text)
	require.Equal(t, "doc", orphaned[0].PriorDocumentID)
	require.Empty(t, orphaned[0].Tags)
}

func TestDocumentSaveRelocatesMovedFragments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.service.CreateNote(ctx, commands.CreateNoteInput{ID: "doc", Title: "Groceries", Path: "groceries.md"})
	require.NoError(t, err)

	h.save(t, "[buy milk]")
	result := h.save(t, "intro line\n\nlater: [buy milk]")
	require.Len(t, result.Commands, 1)
	require.Equal(t, KindRelocate, result.Commands[0].Kind)
	tasks := h.linkedTasks(t, "doc")
	require.Len(t, tasks, 1)
	require.Equal(t, 3, tasks[0].SourceLine)
	require.Equal(t, 7, tasks[0].SourceOffset)
}

func TestDocumentSaveForUnknownPathFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.OnDocumentSaved(context.Background(), DocumentSaved{Path: "missing.md", Content: "[x y]"})
	require.ErrorIs(t, err, ErrUnknownDocument)
}

func TestDocumentLocksAreReleased(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.CreateNote(context.Background(), commands.CreateNoteInput{ID: "doc", Title: "Groceries", Path: "groceries.md"})
	require.NoError(t, err)

	h.save(t, "[buy milk]")
	_, err = h.engine.OnDocumentSaved(context.Background(), DocumentSaved{Path: "missing.md", Content: "[x y]"})
	require.ErrorIs(t, err, ErrUnknownDocument)
	require.Zero(t, lockCount(h.engine))

	unlockFirst := h.engine.lock("groceries.md")
	acquired := make(chan func())
	go func() {
		acquired <- h.engine.lock("groceries.md")
	}()
	require.Eventually(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		entry := h.engine.locks["groceries.md"]
		return entry != nil && entry.holders == 2
	}, time.Second, 5*time.Millisecond)

	unlockFirst()
	unlockSecond := <-acquired
	require.Equal(t, 1, lockCount(h.engine))
	unlockSecond()
	require.Zero(t, lockCount(h.engine))
}

func lockCount(engine *Engine) int {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return len(engine.locks)
}

func TestContentHashIsStable(t *testing.T) {
	require.Equal(t, ContentHash("same"), ContentHash("same"))
	require.NotEqual(t, ContentHash("same"), ContentHash("same "))
	require.Len(t, ContentHash(""), 64)
}
