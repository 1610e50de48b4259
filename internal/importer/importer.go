package importer

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/archive"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"go.uber.org/zap"
)

const opImport = "importer.import"

var (
	errMissingCommands = errors.New("importer: command service is required")
	errMissingReader   = errors.New("importer: query service is required")
	errMissingSync     = errors.New("importer: projection synchronizer is required")
)

// CommandIssuer is the subset of the command service the importer replays legacy rows through.
type CommandIssuer interface {
	DefineTag(ctx context.Context, name, color string) (string, error)
	RetireTag(ctx context.Context, name string) error
	CreateCategory(ctx context.Context, input commands.CreateCategoryInput) (string, error)
	CreateNote(ctx context.Context, input commands.CreateNoteInput) (string, error)
	CreateTask(ctx context.Context, input commands.CreateTaskInput) (string, error)
	CreateDerivedTask(ctx context.Context, input commands.DerivedTaskInput) (string, error)
	AttachTag(ctx context.Context, ref domain.EntityRef, tag string) (bool, error)
	CompleteTask(ctx context.Context, id string) (bool, error)
	SetTaskDueDate(ctx context.Context, id, dueDate string) (bool, error)
	OrphanTask(ctx context.Context, id, reason string) error
}

type Reader interface {
	TagDefinitions(ctx context.Context, includeRetired bool) ([]query.TagDefinition, error)
}

type Synchronizer interface {
	CatchUp(ctx context.Context) (projection.Result, error)
}

type Config struct {
	Commands CommandIssuer
	Queries  Reader
	Sync     Synchronizer
	Logger   *zap.Logger
}

// Report counts what an import created and what it found already present.
type Report struct {
	Tags       int `json:"tags"`
	Categories int `json:"categories"`
	Notes      int `json:"notes"`
	Tasks      int `json:"tasks"`
	Skipped    int `json:"skipped"`
}

// Importer turns a legacy export into commands, so the resulting event history looks as if the
// data had been entered through the command surface: tags first, then categories ancestors
// first, then notes, then tasks. Legacy ids are kept, and rows that already exist are skipped,
// so an interrupted import can be run again.
type Importer struct {
	commands CommandIssuer
	queries  Reader
	sync     Synchronizer
	logger   *zap.Logger
}

func New(cfg Config) (*Importer, error) {
	if cfg.Commands == nil {
		return nil, errMissingCommands
	}
	if cfg.Queries == nil {
		return nil, errMissingReader
	}
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{commands: cfg.Commands, queries: cfg.Queries, sync: cfg.Sync, logger: logger}, nil
}

// ImportFrom reads a legacy export from source and imports it.
func (i *Importer) ImportFrom(ctx context.Context, source archive.Source) (Report, error) {
	raw, err := source.Read(ctx)
	if err != nil {
		i.logError("read_failed", err)
		return Report{}, err
	}
	data, err := ParseLegacyBytes(raw)
	if err != nil {
		i.logError("parse_failed", err)
		return Report{}, err
	}
	return i.Import(ctx, data)
}

func (i *Importer) Import(ctx context.Context, data LegacyData) (Report, error) {
	if err := data.validate(); err != nil {
		return Report{}, err
	}
	categories, err := orderCategories(data.Categories)
	if err != nil {
		return Report{}, err
	}
	var report Report
	if err := i.importTags(ctx, data.Tags, &report); err != nil {
		return report, err
	}
	for _, category := range categories {
		_, err := i.commands.CreateCategory(ctx, commands.CreateCategoryInput{
			ID:       category.ID,
			Name:     category.Name,
			ParentID: category.ParentID,
			Tags:     category.Tags,
		})
		if err := i.count(err, &report.Categories, &report.Skipped, "category", category.ID); err != nil {
			return report, err
		}
	}
	for _, note := range data.Notes {
		_, err := i.commands.CreateNote(ctx, commands.CreateNoteInput{
			ID:         note.ID,
			Title:      note.Title,
			CategoryID: note.CategoryID,
			Path:       note.Path,
			Tags:       note.Tags,
		})
		if err := i.count(err, &report.Notes, &report.Skipped, "note", note.ID); err != nil {
			return report, err
		}
	}
	for _, task := range data.Tasks {
		created, err := i.importTask(ctx, task)
		if err := i.count(err, &report.Tasks, &report.Skipped, "task", task.ID); err != nil {
			return report, err
		}
		if !created {
			continue
		}
		if err := i.finishTask(ctx, task); err != nil {
			i.logError("task_failed", err, zap.String("task_id", task.ID))
			return report, err
		}
	}
	for _, tag := range data.Tags {
		if !tag.Retired {
			continue
		}
		if err := i.commands.RetireTag(ctx, tag.Name); err != nil && !errors.Is(err, domain.ErrValidation) {
			i.logError("retire_failed", err, zap.String("tag", tag.Name))
			return report, err
		}
	}
	i.logger.Info("legacy import finished",
		zap.Int("tags", report.Tags),
		zap.Int("categories", report.Categories),
		zap.Int("notes", report.Notes),
		zap.Int("tasks", report.Tasks),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// importTags defines tags missing from the projections. Tags already known are left alone so a
// second run cannot revive a tag retired since the first.
func (i *Importer) importTags(ctx context.Context, tags []LegacyTag, report *Report) error {
	if _, err := i.sync.CatchUp(ctx); err != nil {
		i.logError("catch_up_failed", err)
		return err
	}
	known, err := i.queries.TagDefinitions(ctx, true)
	if err != nil {
		i.logError("lookup_failed", err)
		return err
	}
	existing := make(map[string]bool, len(known))
	for _, definition := range known {
		existing[definition.Name] = true
	}
	for _, tag := range tags {
		name, err := domain.NormalizeTag(tag.Name)
		if err != nil {
			i.logError("invalid_tag", err, zap.String("tag", tag.Name))
			return err
		}
		if existing[name] {
			report.Skipped++
			continue
		}
		if _, err := i.commands.DefineTag(ctx, name, tag.Color); err != nil {
			i.logError("define_failed", err, zap.String("tag", name))
			return err
		}
		existing[name] = true
		report.Tags++
	}
	return nil
}

func (i *Importer) importTask(ctx context.Context, task LegacyTask) (bool, error) {
	if task.DocumentID != "" {
		_, err := i.commands.CreateDerivedTask(ctx, commands.DerivedTaskInput{
			ID:         task.ID,
			DocumentID: task.DocumentID,
			Line:       task.Line,
			Offset:     task.Offset,
			Text:       task.Text,
		})
		return err == nil, err
	}
	_, err := i.commands.CreateTask(ctx, commands.CreateTaskInput{
		ID:         task.ID,
		Text:       task.Text,
		CategoryID: task.CategoryID,
		DueDate:    task.DueDate,
		Tags:       task.Tags,
		Completed:  task.Completed,
	})
	return false, err
}

// finishTask replays the state a linked legacy task reached after creation.
func (i *Importer) finishTask(ctx context.Context, task LegacyTask) error {
	ref := domain.EntityRef{Type: domain.AggregateTask, ID: task.ID}
	for _, tag := range task.Tags {
		if _, err := i.commands.AttachTag(ctx, ref, tag); err != nil {
			return err
		}
	}
	if strings.TrimSpace(task.DueDate) != "" {
		if _, err := i.commands.SetTaskDueDate(ctx, task.ID, task.DueDate); err != nil {
			return err
		}
	}
	if task.Completed {
		if _, err := i.commands.CompleteTask(ctx, task.ID); err != nil {
			return err
		}
	}
	if task.Orphaned {
		return i.commands.OrphanTask(ctx, task.ID, domain.OrphanReasonFragmentRemoved)
	}
	return nil
}

func (i *Importer) count(err error, created, skipped *int, kind, id string) error {
	switch {
	case err == nil:
		*created++
		return nil
	case errors.Is(err, commands.ErrAlreadyExists):
		*skipped++
		return nil
	default:
		i.logError("create_failed", err, zap.String("kind", kind), zap.String("id", id))
		return err
	}
}

func (i *Importer) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opImport),
		zap.String("reason", reason),
		zap.Error(err),
	}
	i.logger.Error("legacy import error", append(attrs, fields...)...)
}
