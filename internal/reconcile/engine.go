package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"go.uber.org/zap"
)

const opDocumentSaved = "reconcile.document_saved"

var (
	// ErrUnknownDocument reports a save for a path no note is registered at.
	ErrUnknownDocument = errors.New("reconcile: no note registered for path")

	errMissingCommands = errors.New("reconcile: command service is required")
	errMissingReader   = errors.New("reconcile: query service is required")
	errMissingSync     = errors.New("reconcile: projection synchronizer is required")
)

// CommandIssuer is the subset of the command service reconciliation drives.
type CommandIssuer interface {
	LoadNote(ctx context.Context, id string) (*domain.Note, error)
	CreateDerivedTask(ctx context.Context, input commands.DerivedTaskInput) (string, error)
	UpdateTaskText(ctx context.Context, id, text string) (bool, error)
	RelocateTask(ctx context.Context, id string, line, offset int) (bool, error)
	OrphanTask(ctx context.Context, id, reason string) error
	RecordNoteSave(ctx context.Context, id, contentHash string, fragmentCount int, savedAt time.Time) (bool, error)
}

// Reader resolves documents and their linked tasks from the projections.
type Reader interface {
	NoteByPath(ctx context.Context, path string) (query.Node, error)
	TasksFromDocument(ctx context.Context, documentID string) ([]query.Task, error)
}

type Synchronizer interface {
	CatchUp(ctx context.Context) (projection.Result, error)
}

type Config struct {
	Commands CommandIssuer
	Queries  Reader
	Sync     Synchronizer
	// MatchWindow is the column tolerance for treating an edited fragment as the same task.
	MatchWindow int
	Logger      *zap.Logger
}

// DocumentSaved is the notification sent by the editor after a document is written.
type DocumentSaved struct {
	Path    string    `json:"path"`
	Content string    `json:"content"`
	SavedAt time.Time `json:"saved_at"`
}

// Result lists what a reconciliation pass did.
type Result struct {
	DocumentID  string    `json:"document_id"`
	ContentHash string    `json:"content_hash"`
	Unchanged   bool      `json:"unchanged"`
	Fragments   int       `json:"fragments"`
	Commands    []Command `json:"commands"`
}

// Engine keeps the tasks derived from a document in step with its bracketed fragments.
// Saves of the same document are reconciled one at a time.
type Engine struct {
	commands CommandIssuer
	queries  Reader
	sync     Synchronizer
	window   int
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*pathLock
}

// pathLock serializes saves of one document; holders counts callers holding or waiting for it.
type pathLock struct {
	mu      sync.Mutex
	holders int
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Commands == nil {
		return nil, errMissingCommands
	}
	if cfg.Queries == nil {
		return nil, errMissingReader
	}
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	window := cfg.MatchWindow
	if window <= 0 {
		window = DefaultMatchWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		commands: cfg.Commands,
		queries:  cfg.Queries,
		sync:     cfg.Sync,
		window:   window,
		logger:   logger,
		locks:    make(map[string]*pathLock),
	}, nil
}

// OnDocumentSaved reconciles the derived tasks of the note at event.Path with event.Content.
// A save whose content hash matches the last reconciled save issues no commands.
func (e *Engine) OnDocumentSaved(ctx context.Context, event DocumentSaved) (Result, error) {
	path := strings.TrimSpace(event.Path)
	unlock := e.lock(path)
	defer unlock()

	if _, err := e.sync.CatchUp(ctx); err != nil {
		e.logError("catch_up_failed", err, path)
		return Result{}, err
	}
	node, err := e.queries.NoteByPath(ctx, path)
	if errors.Is(err, query.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownDocument, path)
	}
	if err != nil {
		e.logError("lookup_failed", err, path)
		return Result{}, err
	}
	note, err := e.commands.LoadNote(ctx, node.ID)
	if err != nil {
		return Result{}, err
	}

	result := Result{DocumentID: note.ID(), ContentHash: ContentHash(event.Content), Commands: []Command{}}
	if note.ContentHash() == result.ContentHash {
		result.Unchanged = true
		result.Fragments = note.FragmentCount()
		return result, nil
	}

	linked, err := e.queries.TasksFromDocument(ctx, note.ID())
	if err != nil {
		e.logError("lookup_failed", err, path)
		return result, err
	}
	previous := make([]KnownFragment, 0, len(linked))
	for _, task := range linked {
		previous = append(previous, KnownFragment{
			TaskID:   task.ID,
			Fragment: Fragment{Line: task.SourceLine, Offset: task.SourceOffset, Text: task.Text},
		})
	}
	current := Extract(event.Content)
	result.Fragments = len(current)

	for _, command := range Diff(previous, current, e.window) {
		issued, err := e.issue(ctx, note.ID(), command)
		if err != nil {
			e.logError("command_failed", err, path, zap.String("kind", command.Kind), zap.String("task_id", command.TaskID))
			return result, err
		}
		result.Commands = append(result.Commands, issued)
	}

	savedAt := event.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := e.commands.RecordNoteSave(ctx, note.ID(), result.ContentHash, len(current), savedAt); err != nil {
		e.logError("record_save_failed", err, path)
		return result, err
	}
	e.logger.Debug("document reconciled",
		zap.String("path", path),
		zap.String("document_id", note.ID()),
		zap.Int("fragments", len(current)),
		zap.Int("commands", len(result.Commands)))
	return result, nil
}

func (e *Engine) issue(ctx context.Context, documentID string, command Command) (Command, error) {
	fragment := command.Fragment
	switch command.Kind {
	case KindCreate:
		id, err := e.commands.CreateDerivedTask(ctx, commands.DerivedTaskInput{
			DocumentID: documentID,
			Line:       fragment.Line,
			Offset:     fragment.Offset,
			Text:       fragment.Text,
		})
		command.TaskID = id
		return command, err
	case KindUpdateText:
		if _, err := e.commands.UpdateTaskText(ctx, command.TaskID, fragment.Text); err != nil {
			return command, err
		}
		_, err := e.commands.RelocateTask(ctx, command.TaskID, fragment.Line, fragment.Offset)
		return command, err
	case KindRelocate:
		_, err := e.commands.RelocateTask(ctx, command.TaskID, fragment.Line, fragment.Offset)
		return command, err
	case KindOrphan:
		return command, e.commands.OrphanTask(ctx, command.TaskID, domain.OrphanReasonFragmentRemoved)
	default:
		return command, fmt.Errorf("reconcile: unknown command kind %q", command.Kind)
	}
}

func (e *Engine) lock(path string) func() {
	e.mu.Lock()
	entry, ok := e.locks[path]
	if !ok {
		entry = &pathLock{}
		e.locks[path] = entry
	}
	entry.holders++
	e.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		e.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(e.locks, path)
		}
		e.mu.Unlock()
	}
}

// ContentHash is the hex SHA-256 of a document body.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) logError(reason string, err error, path string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opDocumentSaved),
		zap.String("reason", reason),
		zap.String("path", path),
		zap.Error(err),
	}
	e.logger.Error("document reconciliation error", append(attrs, fields...)...)
}
