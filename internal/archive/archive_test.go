package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var archiveTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(testContext *testing.T, suffix string) *eventstore.Store {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name()) + suffix
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

func mustAppend(testContext *testing.T, store *eventstore.Store, streamID string, expected int64, payloads ...string) {
	testContext.Helper()
	events := make([]eventstore.Event, 0, len(payloads))
	for _, payload := range payloads {
		events = append(events, eventstore.Event{
			EventType:     "category.renamed",
			AggregateID:   streamID,
			AggregateType: "category",
			Payload:       []byte(payload),
			OccurredAt:    archiveTime,
		})
	}
	if _, err := store.Append(context.Background(), streamID, expected, events); err != nil {
		testContext.Fatalf("append to %s failed: %v", streamID, err)
	}
}

func TestExportThenRestoreReproducesTheLog(testContext *testing.T) {
	ctx := context.Background()
	source := newTestStore(testContext, "_source")
	mustAppend(testContext, source, "cat-a", 0, `{"name":"A"}`, `{"name":"A2"}`)
	mustAppend(testContext, source, "cat-b", 0, `{"name":"B"}`)
	mustAppend(testContext, source, "cat-a", 2, `{"name":"A3"}`)

	var buffer bytes.Buffer
	count, err := ExportJSONL(ctx, source, &buffer, archiveTime)
	if err != nil || count != 4 {
		testContext.Fatalf("export failed: %d events (%v)", count, err)
	}
	if lines := strings.Count(buffer.String(), "\n"); lines != 5 {
		testContext.Fatalf("expected header plus four events, got %d lines", lines)
	}

	target := newTestStore(testContext, "_target")
	restored, err := RestoreJSONL(ctx, target, bytes.NewReader(buffer.Bytes()))
	if err != nil || restored != 4 {
		testContext.Fatalf("restore failed: %d events (%v)", restored, err)
	}
	original, _ := source.ReadFrom(ctx, 1, 10)
	copied, err := target.ReadFrom(ctx, 1, 10)
	if err != nil || len(copied) != len(original) {
		testContext.Fatalf("expected %d restored events, got %d (%v)", len(original), len(copied), err)
	}
	for index := range original {
		want, got := original[index], copied[index]
		if want.EventID != got.EventID || want.GlobalPosition != got.GlobalPosition || want.StreamVersion != got.StreamVersion || string(want.Payload) != string(got.Payload) {
			testContext.Fatalf("event %d differs: want %+v, got %+v", index, want, got)
		}
		if !want.OccurredAt.Equal(got.OccurredAt) {
			testContext.Fatalf("event %d time differs: %v vs %v", index, want.OccurredAt, got.OccurredAt)
		}
	}
}

func TestRestoreRefusesAPopulatedStore(testContext *testing.T) {
	ctx := context.Background()
	store := newTestStore(testContext, "")
	mustAppend(testContext, store, "cat-a", 0, `{"name":"A"}`)
	var buffer bytes.Buffer
	if _, err := ExportJSONL(ctx, store, &buffer, archiveTime); err != nil {
		testContext.Fatalf("export failed: %v", err)
	}
	if _, err := RestoreJSONL(ctx, store, &buffer); !errors.Is(err, ErrStoreNotEmpty) {
		testContext.Fatalf("expected ErrStoreNotEmpty, got %v", err)
	}
}

func TestRestoreRejectsMalformedArchives(testContext *testing.T) {
	testCases := map[string]string{
		"empty":          "",
		"missing header": `{"type":"event","data":{}}` + "\n",
		"short":          `{"version":"1","type":"header","event_count":2}` + "\n",
		"wrong version":  `{"version":"9","type":"header","event_count":0}` + "\n",
	}
	for name, archive := range testCases {
		testContext.Run(name, func(testContext *testing.T) {
			store := newTestStore(testContext, "")
			if _, err := RestoreJSONL(context.Background(), store, strings.NewReader(archive)); !errors.Is(err, ErrMalformedArchive) {
				testContext.Fatalf("expected ErrMalformedArchive, got %v", err)
			}
		})
	}
}

type failingDestination struct{}

func (failingDestination) Write(context.Context, []byte) error {
	return errors.New("disk full")
}

func TestBackupWritesEveryDestination(testContext *testing.T) {
	ctx := context.Background()
	store := newTestStore(testContext, "")
	mustAppend(testContext, store, "cat-a", 0, `{"name":"A"}`)
	file := FileDestination{Path: filepath.Join(testContext.TempDir(), "backups", "events.jsonl")}

	backup, err := NewBackup(BackupConfig{
		Log:          store,
		Destinations: []Destination{failingDestination{}, file},
		Clock:        func() time.Time { return archiveTime },
	})
	if err != nil {
		testContext.Fatalf("failed to build backup: %v", err)
	}
	if err := backup.Run(ctx); err == nil || !strings.Contains(err.Error(), "disk full") {
		testContext.Fatalf("expected the failing destination to be reported, got %v", err)
	}
	data, err := file.Read(ctx)
	if err != nil {
		testContext.Fatalf("read backup failed: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"version":"1","type":"header"`) {
		testContext.Fatalf("unexpected archive content %q", data)
	}
}
