package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(testContext *testing.T) *eventstore.Store {
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
	if err := db.AutoMigrate(eventstore.Models()...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := eventstore.NewStore(eventstore.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustRepository(testContext *testing.T, store *eventstore.Store, frequency int64) *Repository {
	testContext.Helper()
	repo, err := New(Config{Store: store, SnapshotFrequency: frequency})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}
	return repo
}

func TestSnapshotLoadMatchesFullReplay(testContext *testing.T) {
	ctx := context.Background()
	store := newTestStore(testContext)
	snapshotting := mustRepository(testContext, store, 4)
	replaying := mustRepository(testContext, store, -1)
	at := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)

	note := domain.NewNote("note-1")
	if err := note.Create("Plan", "cat-1", "plan.md", at); err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if err := snapshotting.Save(ctx, note); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	for index := 0; index < 7; index++ {
		loaded := domain.NewNote("note-1")
		if err := snapshotting.LoadExisting(ctx, loaded); err != nil {
			testContext.Fatalf("load failed: %v", err)
		}
		if _, err := loaded.Rename(fmt.Sprintf("Plan %d", index), at); err != nil {
			testContext.Fatalf("rename failed: %v", err)
		}
		if _, err := loaded.InheritTag(fmt.Sprintf("tag-%d", index), "cat-1", at); err != nil {
			testContext.Fatalf("inherit failed: %v", err)
		}
		if err := snapshotting.Save(ctx, loaded); err != nil {
			testContext.Fatalf("save failed: %v", err)
		}
	}

	snapshot, found, err := store.LoadSnapshot(ctx, "note-1")
	if err != nil || !found {
		testContext.Fatalf("expected a snapshot, found=%v err=%v", found, err)
	}
	if snapshot.StreamVersion >= 15 {
		testContext.Fatalf("expected snapshot to precede the head, got version %d", snapshot.StreamVersion)
	}

	viaSnapshot := domain.NewNote("note-1")
	if err := snapshotting.Load(ctx, viaSnapshot); err != nil {
		testContext.Fatalf("snapshot load failed: %v", err)
	}
	viaReplay := domain.NewNote("note-1")
	if err := replaying.Load(ctx, viaReplay); err != nil {
		testContext.Fatalf("replay load failed: %v", err)
	}
	left, _ := viaSnapshot.SnapshotState()
	right, _ := viaReplay.SnapshotState()
	if !bytes.Equal(left, right) {
		testContext.Fatalf("states diverged:\n%s\n%s", left, right)
	}
	if viaSnapshot.Version() != 15 || viaReplay.Version() != 15 {
		testContext.Fatalf("expected version 15, got %d and %d", viaSnapshot.Version(), viaReplay.Version())
	}
}

func TestSaveReportsConflictForStaleAggregate(testContext *testing.T) {
	ctx := context.Background()
	store := newTestStore(testContext)
	repo := mustRepository(testContext, store, -1)
	at := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)

	category := domain.NewCategory("cat-1")
	if err := category.Create("Work", "", at); err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if err := repo.Save(ctx, category); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	first := domain.NewCategory("cat-1")
	second := domain.NewCategory("cat-1")
	if err := repo.Load(ctx, first); err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if err := repo.Load(ctx, second); err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if _, err := first.Rename("Office", at); err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	if _, err := second.Rename("Home", at); err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	err := repo.Save(ctx, second)
	if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		testContext.Fatalf("expected concurrency conflict, got %v", err)
	}
	if len(second.Changes()) != 1 {
		testContext.Fatalf("expected rejected changes to stay buffered")
	}
}

func TestLoadExistingRequiresHistory(testContext *testing.T) {
	store := newTestStore(testContext)
	repo := mustRepository(testContext, store, 0)
	err := repo.LoadExisting(context.Background(), domain.NewTask("missing"))
	if !errors.Is(err, eventstore.ErrStreamNotFound) {
		testContext.Fatalf("expected stream not found, got %v", err)
	}
}

func TestReplaySkipsUnknownEventTypes(testContext *testing.T) {
	ctx := context.Background()
	store := newTestStore(testContext)
	repo := mustRepository(testContext, store, -1)
	at := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)

	_, err := store.Append(ctx, "cat-1", 0, []eventstore.Event{
		{EventType: domain.EventCategoryCreated, AggregateType: domain.AggregateCategory, Payload: []byte(`{"name":"Work"}`), OccurredAt: at},
		{EventType: "category.archived", AggregateType: domain.AggregateCategory, Payload: []byte(`{}`), OccurredAt: at},
		{EventType: domain.EventCategoryRenamed, AggregateType: domain.AggregateCategory, Payload: []byte(`{"name":"Office"}`), OccurredAt: at},
	})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	category := domain.NewCategory("cat-1")
	if err := repo.Load(ctx, category); err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if category.Name() != "Office" || category.Version() != 3 {
		testContext.Fatalf("unexpected state name=%q version=%d", category.Name(), category.Version())
	}
}
