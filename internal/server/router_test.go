package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/idgen"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/inheritance"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/reconcile"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/repository"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var requestTime = time.Date(2026, 10, 6, 9, 0, 0, 0, time.UTC)

type testServer struct {
	server     *httptest.Server
	dispatcher *notify.Dispatcher
}

func newTestServer(testContext *testing.T, tokens TokenValidator) testServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	db, err := gorm.Open(githubsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(append(eventstore.Models(), projection.Models()...)...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := notify.NewDispatcher()
	store, err := eventstore.NewStore(eventstore.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	repo, err := repository.New(repository.Config{Store: store})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}
	orchestrator, err := projection.NewOrchestrator(projection.OrchestratorConfig{
		Database:    db,
		Store:       store,
		Projections: projection.Defaults(),
		Notifier:    dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to build orchestrator: %v", err)
	}
	queries, err := query.NewService(query.Config{Database: db, Location: time.UTC})
	if err != nil {
		testContext.Fatalf("failed to build query service: %v", err)
	}
	clock := func() time.Time { return requestTime }
	inherit, err := inheritance.NewEngine(inheritance.Config{Repository: repo, Finder: queries, Sync: orchestrator, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to build inheritance engine: %v", err)
	}
	service, err := commands.NewService(commands.ServiceConfig{
		Repository:  repo,
		Inheritance: inherit,
		Queries:     queries,
		Sync:        orchestrator,
		IDProvider:  idgen.NewSequence(),
		Clock:       clock,
	})
	if err != nil {
		testContext.Fatalf("failed to build command service: %v", err)
	}
	reconciler, err := reconcile.NewEngine(reconcile.Config{Commands: service, Queries: queries, Sync: orchestrator})
	if err != nil {
		testContext.Fatalf("failed to build reconcile engine: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Commands:          service,
		Queries:           queries,
		Reconciler:        reconciler,
		Projections:       orchestrator,
		Updates:           dispatcher,
		Tokens:            tokens,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)
	return testServer{server: server, dispatcher: dispatcher}
}

func (s testServer) do(testContext *testing.T, method, path, token string, body any) (int, map[string]any) {
	testContext.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		testContext.Fatalf("failed to decode response of %s %s: %v", method, path, err)
	}
	return response.StatusCode, decoded
}

func TestDocumentSavedCreatesTasksVisibleThroughQueries(testContext *testing.T) {
	server := newTestServer(testContext, nil)

	status, created := server.do(testContext, http.MethodPost, "/api/v1/categories", "", map[string]any{"name": "Home", "tags": []string{"home"}})
	if status != http.StatusCreated {
		testContext.Fatalf("unexpected category status %d: %v", status, created)
	}
	categoryID, _ := created["id"].(string)

	status, created = server.do(testContext, http.MethodPost, "/api/v1/notes", "", map[string]any{
		"title":       "Groceries",
		"path":        "groceries.md",
		"category_id": categoryID,
	})
	if status != http.StatusCreated {
		testContext.Fatalf("unexpected note status %d: %v", status, created)
	}
	noteID, _ := created["id"].(string)

	status, saved := server.do(testContext, http.MethodPost, "/api/v1/documents/saved?consistent=true", "", map[string]any{
		"path":    "groceries.md",
		"content": "# List\n[buy milk] and [call plumber]\n",
	})
	if status != http.StatusOK {
		testContext.Fatalf("unexpected save status %d: %v", status, saved)
	}
	if saved["document_id"] != noteID {
		testContext.Fatalf("expected document %s, got %v", noteID, saved["document_id"])
	}
	if issued, _ := saved["commands"].([]any); len(issued) != 2 {
		testContext.Fatalf("expected two commands, got %v", saved["commands"])
	}

	status, listed := server.do(testContext, http.MethodGet, "/api/v1/notes/"+noteID+"/tasks", "", nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected tasks status %d: %v", status, listed)
	}
	tasks, _ := listed["tasks"].([]any)
	if len(tasks) != 2 {
		testContext.Fatalf("expected two linked tasks, got %v", listed)
	}
	first, _ := tasks[0].(map[string]any)
	tags, _ := first["tags"].([]any)
	if len(tags) != 1 {
		testContext.Fatalf("expected the category tag to be inherited, got %v", first["tags"])
	}

	status, byPath := server.do(testContext, http.MethodGet, "/api/v1/documents?path=groceries.md", "", nil)
	if status != http.StatusOK || byPath["id"] != noteID {
		testContext.Fatalf("unexpected note by path %d: %v", status, byPath)
	}

	status, open := server.do(testContext, http.MethodGet, "/api/v1/lists/open", "", nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected list status %d: %v", status, open)
	}
	if openTasks, _ := open["tasks"].([]any); len(openTasks) != 2 {
		testContext.Fatalf("expected two open tasks, got %v", open)
	}
}

func TestCommandErrorsMapToStatusCodes(testContext *testing.T) {
	server := newTestServer(testContext, nil)

	status, body := server.do(testContext, http.MethodPost, "/api/v1/categories", "", map[string]any{"name": "   "})
	if status != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for a blank name, got %d: %v", status, body)
	}

	status, body = server.do(testContext, http.MethodGet, "/api/v1/tasks/missing", "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected 404 for a missing task, got %d: %v", status, body)
	}

	status, body = server.do(testContext, http.MethodPost, "/api/v1/documents/saved", "", map[string]any{"path": "nowhere.md", "content": "[x y]"})
	if status != http.StatusNotFound {
		testContext.Fatalf("expected 404 for an unknown document, got %d: %v", status, body)
	}

	status, body = server.do(testContext, http.MethodGet, "/api/v1/lists/someday", "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected 404 for an unknown list, got %d: %v", status, body)
	}

	status, body = server.do(testContext, http.MethodPost, "/api/v1/categories", "", map[string]any{"id": "cat-work", "name": "Work"})
	if status != http.StatusCreated {
		testContext.Fatalf("expected 201 for a new category, got %d: %v", status, body)
	}
	status, body = server.do(testContext, http.MethodPost, "/api/v1/categories", "", map[string]any{"id": "cat-work", "name": "Work again"})
	if status != http.StatusConflict {
		testContext.Fatalf("expected 409 for a reused id, got %d: %v", status, body)
	}
	if body["code"] == nil {
		testContext.Fatalf("expected an error code in %v", body)
	}

	status, body = server.do(testContext, http.MethodPut, "/api/v1/categories/cat-work/name", "", map[string]any{"name": "Work"})
	if status != http.StatusOK || body["changed"] != false {
		testContext.Fatalf("expected an unchanged rename to report changed=false, got %d: %v", status, body)
	}
}

func TestProjectionEndpoints(testContext *testing.T) {
	server := newTestServer(testContext, nil)

	server.do(testContext, http.MethodPost, "/api/v1/categories", "", map[string]any{"name": "Work"})
	status, result := server.do(testContext, http.MethodPost, "/api/v1/projections/rebuild", "", nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected rebuild status %d: %v", status, result)
	}
	status, body := server.do(testContext, http.MethodGet, "/api/v1/projections/status", "", nil)
	if status != http.StatusOK {
		testContext.Fatalf("unexpected status code %d: %v", status, body)
	}
	checkpoints, _ := body["projections"].([]any)
	if len(checkpoints) != len(projection.Defaults()) {
		testContext.Fatalf("expected a checkpoint per projection, got %v", body)
	}
	for _, raw := range checkpoints {
		checkpoint, _ := raw.(map[string]any)
		if checkpoint["lag"] != float64(0) {
			testContext.Fatalf("expected no lag after rebuild, got %v", checkpoint)
		}
	}
}

func TestScopesGuardWritesAndRebuilds(testContext *testing.T) {
	manager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "gravity-core",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token manager: %v", err)
	}
	server := newTestServer(testContext, manager)
	reader, _, err := manager.Issue("desktop", auth.ScopeRead)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	writer, _, err := manager.Issue("desktop", auth.ScopeRead, auth.ScopeWrite)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	if status, _ := server.do(testContext, http.MethodGet, "/api/v1/lists", "", nil); status != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without a token, got %d", status)
	}
	if status, _ := server.do(testContext, http.MethodGet, "/api/v1/lists", reader, nil); status != http.StatusOK {
		testContext.Fatalf("expected 200 for a read token, got %d", status)
	}
	if status, _ := server.do(testContext, http.MethodPost, "/api/v1/categories", reader, map[string]any{"name": "Work"}); status != http.StatusForbidden {
		testContext.Fatalf("expected 403 for a read token on a command, got %d", status)
	}
	if status, _ := server.do(testContext, http.MethodPost, "/api/v1/categories", writer, map[string]any{"name": "Work"}); status != http.StatusCreated {
		testContext.Fatalf("expected 201 for a write token, got %d", status)
	}
	if status, _ := server.do(testContext, http.MethodPost, "/api/v1/projections/rebuild", writer, nil); status != http.StatusForbidden {
		testContext.Fatalf("expected 403 for a rebuild without admin scope, got %d", status)
	}
	if status, _ := server.do(testContext, http.MethodGet, "/healthz", "", nil); status != http.StatusOK {
		testContext.Fatalf("expected health check to stay open, got %d", status)
	}
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		testContext.Fatalf("expected missing dependencies to fail")
	}
}
