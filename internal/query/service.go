package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Smart list names.
const (
	ListToday         = "today"
	ListOverdue       = "overdue"
	ListOrphaned      = "orphaned"
	ListUncategorized = "uncategorized"
	ListCompleted     = "completed"
	ListOpen          = "open"

	dueDateLayout = "2006-01-02"
	opQuery       = "query"
)

var (
	ErrNotFound    = errors.New("query: entity not found")
	ErrUnknownList = errors.New("query: unknown smart list")

	errMissingDatabase = errors.New("query: database handle is required")
)

// SmartLists enumerates the supported smart list names.
func SmartLists() []string {
	return []string{ListToday, ListOverdue, ListOrphaned, ListUncategorized, ListCompleted, ListOpen}
}

// Config wires the query service. Location decides which calendar day "today" is.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Location *time.Location
	Logger   *zap.Logger
}

// Service answers read-only questions from the projection tables. Results reflect the
// projections as of their last catch-up.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	location *time.Location
	logger   *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, location: location, logger: logger}, nil
}

func (s *Service) Category(ctx context.Context, id string) (Node, error) {
	return s.node(ctx, "category", domain.AggregateCategory, id)
}

func (s *Service) Note(ctx context.Context, id string) (Node, error) {
	return s.node(ctx, "note", domain.AggregateNote, id)
}

// NoteByPath resolves a document path to its note.
func (s *Service) NoteByPath(ctx context.Context, path string) (Node, error) {
	var row projection.HierarchyNode
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND path = ?", domain.AggregateNote, strings.TrimSpace(path)).
		Order("entity_id").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, fmt.Errorf("%w: note at path %q", ErrNotFound, path)
	}
	if err != nil {
		return Node{}, s.storageError("note_by_path", err)
	}
	nodes, err := s.withNodeTags(ctx, []Node{nodeFromRow(row)})
	if err != nil {
		return Node{}, err
	}
	return nodes[0], nil
}

func (s *Service) Task(ctx context.Context, id string) (Task, error) {
	var row projection.TaskRow
	err := s.db.WithContext(ctx).Where("task_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return Task{}, s.storageError("task", err)
	}
	tasks, err := s.withTaskTags(ctx, []Task{taskFromRow(row)})
	if err != nil {
		return Task{}, err
	}
	return tasks[0], nil
}

// Children lists the categories and notes directly inside parentID; an empty parentID lists the roots.
// Categories come first, then notes, each ordered by title.
func (s *Service) Children(ctx context.Context, parentID string) ([]Node, error) {
	return s.nodes(ctx, "children", s.db.WithContext(ctx).Where("parent_id = ?", parentID))
}

func (s *Service) ChildCategories(ctx context.Context, parentID string) ([]Node, error) {
	return s.nodes(ctx, "child_categories", s.db.WithContext(ctx).
		Where("parent_id = ? AND entity_type = ?", parentID, domain.AggregateCategory))
}

func (s *Service) NotesInCategory(ctx context.Context, categoryID string) ([]Node, error) {
	return s.nodes(ctx, "notes_in_category", s.db.WithContext(ctx).
		Where("parent_id = ? AND entity_type = ?", categoryID, domain.AggregateNote))
}

// TasksInCategory lists the standalone and orphaned tasks filed directly in categoryID.
func (s *Service) TasksInCategory(ctx context.Context, categoryID string) ([]Task, error) {
	return s.tasks(ctx, "tasks_in_category", s.db.WithContext(ctx).
		Where("category_id = ? AND source_document_id = ''", categoryID).
		Order("created_at_ms, task_id"))
}

// TasksFromDocument lists the tasks linked to documentID in document order.
func (s *Service) TasksFromDocument(ctx context.Context, documentID string) ([]Task, error) {
	return s.tasks(ctx, "tasks_from_document", s.db.WithContext(ctx).
		Where("source_document_id = ? AND is_orphaned = ?", documentID, false).
		Order("source_line, source_offset, task_id"))
}

// TagsOf returns the tag associations of one entity ordered by tag.
func (s *Service) TagsOf(ctx context.Context, entityID string) ([]domain.TagAssociation, error) {
	var rows []projection.TagAssociationRow
	if err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("tag").Find(&rows).Error; err != nil {
		return nil, s.storageError("tags_of", err)
	}
	out := make([]domain.TagAssociation, 0, len(rows))
	for _, row := range rows {
		out = append(out, associationFromRow(row))
	}
	return out, nil
}

// EntitiesWithTag lists every entity carrying tag, manual or inherited.
func (s *Service) EntitiesWithTag(ctx context.Context, rawTag string) ([]TaggedEntity, error) {
	tag, err := domain.NormalizeTag(rawTag)
	if err != nil {
		return nil, err
	}
	var rows []projection.TagAssociationRow
	if err := s.db.WithContext(ctx).Where("tag = ?", tag).Order("entity_type, entity_id").Find(&rows).Error; err != nil {
		return nil, s.storageError("entities_with_tag", err)
	}
	out := make([]TaggedEntity, 0, len(rows))
	for _, row := range rows {
		out = append(out, TaggedEntity{
			Ref:            domain.EntityRef{Type: row.EntityType, ID: row.EntityID},
			Inherited:      row.IsInherited,
			SourceEntityID: row.SourceEntityID,
		})
	}
	return out, nil
}

// TagDefinitions lists defined tags by name.
func (s *Service) TagDefinitions(ctx context.Context, includeRetired bool) ([]TagDefinition, error) {
	query := s.db.WithContext(ctx).Order("name")
	if !includeRetired {
		query = query.Where("is_retired = ?", false)
	}
	var rows []projection.TagDefinitionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.storageError("tag_definitions", err)
	}
	out := make([]TagDefinition, 0, len(rows))
	for _, row := range rows {
		out = append(out, TagDefinition{
			ID:        row.TagID,
			Name:      row.Name,
			Color:     row.Color,
			Retired:   row.IsRetired,
			CreatedAt: fromMillis(row.CreatedAtMilli),
		})
	}
	return out, nil
}

// SmartList evaluates one of the named task lists against the current day.
func (s *Service) SmartList(ctx context.Context, name string) ([]Task, error) {
	today := s.clock().In(s.location).Format(dueDateLayout)
	query := s.db.WithContext(ctx)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ListToday:
		query = query.Where("is_completed = ? AND due_date = ?", false, today).Order("created_at_ms, task_id")
	case ListOverdue:
		query = query.Where("is_completed = ? AND due_date <> '' AND due_date < ?", false, today).Order("due_date, task_id")
	case ListOrphaned:
		query = query.Where("is_orphaned = ?", true).Order("updated_at_ms DESC, task_id")
	case ListUncategorized:
		query = query.Where("is_completed = ? AND category_id = '' AND source_document_id = ''", false).Order("created_at_ms, task_id")
	case ListCompleted:
		query = query.Where("is_completed = ?", true).Order("completed_at_ms DESC, task_id")
	case ListOpen:
		query = query.Where("is_completed = ?", false).Order("created_at_ms, task_id")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownList, name)
	}
	return s.tasks(ctx, "smart_list", query)
}

// Descendants walks the containment tree below ref: sub-categories, their notes, tasks filed in
// them and tasks linked to those notes. The result is breadth-first and excludes ref itself.
func (s *Service) Descendants(ctx context.Context, ref domain.EntityRef) ([]domain.EntityRef, error) {
	var out []domain.EntityRef
	visited := map[string]struct{}{ref.ID: {}}
	queue := []domain.EntityRef{ref}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := s.directChildren(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

func (s *Service) directChildren(ctx context.Context, ref domain.EntityRef) ([]domain.EntityRef, error) {
	var refs []domain.EntityRef
	switch ref.Type {
	case domain.AggregateCategory:
		var nodes []projection.HierarchyNode
		if err := s.db.WithContext(ctx).Where("parent_id = ?", ref.ID).Order("entity_type, entity_id").Find(&nodes).Error; err != nil {
			return nil, s.storageError("descendants", err)
		}
		for _, node := range nodes {
			refs = append(refs, domain.EntityRef{Type: node.EntityType, ID: node.EntityID})
		}
		var taskIDs []string
		if err := s.db.WithContext(ctx).Model(&projection.TaskRow{}).
			Where("category_id = ? AND source_document_id = ''", ref.ID).
			Order("task_id").Pluck("task_id", &taskIDs).Error; err != nil {
			return nil, s.storageError("descendants", err)
		}
		for _, id := range taskIDs {
			refs = append(refs, domain.EntityRef{Type: domain.AggregateTask, ID: id})
		}
	case domain.AggregateNote:
		var taskIDs []string
		if err := s.db.WithContext(ctx).Model(&projection.TaskRow{}).
			Where("source_document_id = ? AND is_orphaned = ?", ref.ID, false).
			Order("task_id").Pluck("task_id", &taskIDs).Error; err != nil {
			return nil, s.storageError("descendants", err)
		}
		for _, id := range taskIDs {
			refs = append(refs, domain.EntityRef{Type: domain.AggregateTask, ID: id})
		}
	}
	return refs, nil
}

func (s *Service) node(ctx context.Context, label, entityType, id string) (Node, error) {
	var row projection.HierarchyNode
	err := s.db.WithContext(ctx).Where("entity_id = ? AND entity_type = ?", id, entityType).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, fmt.Errorf("%w: %s %s", ErrNotFound, label, id)
	}
	if err != nil {
		return Node{}, s.storageError(label, err)
	}
	nodes, err := s.withNodeTags(ctx, []Node{nodeFromRow(row)})
	if err != nil {
		return Node{}, err
	}
	return nodes[0], nil
}

func (s *Service) nodes(ctx context.Context, label string, query *gorm.DB) ([]Node, error) {
	var rows []projection.HierarchyNode
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.storageError(label, err)
	}
	out := make([]Node, 0, len(rows))
	for _, row := range rows {
		out = append(out, nodeFromRow(row))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == domain.AggregateCategory
		}
		if out[i].Title != out[j].Title {
			return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
		}
		return out[i].ID < out[j].ID
	})
	return s.withNodeTags(ctx, out)
}

func (s *Service) tasks(ctx context.Context, label string, query *gorm.DB) ([]Task, error) {
	var rows []projection.TaskRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.storageError(label, err)
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, taskFromRow(row))
	}
	return s.withTaskTags(ctx, out)
}

func (s *Service) withNodeTags(ctx context.Context, nodes []Node) ([]Node, error) {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	byEntity, err := s.tagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for index := range nodes {
		if tags, ok := byEntity[nodes[index].ID]; ok {
			nodes[index].Tags = tags
		}
	}
	return nodes, nil
}

func (s *Service) withTaskTags(ctx context.Context, tasks []Task) ([]Task, error) {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	byEntity, err := s.tagsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for index := range tasks {
		if tags, ok := byEntity[tasks[index].ID]; ok {
			tasks[index].Tags = tags
		}
	}
	return tasks, nil
}

func (s *Service) tagsFor(ctx context.Context, entityIDs []string) (map[string][]domain.TagAssociation, error) {
	out := make(map[string][]domain.TagAssociation, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	var rows []projection.TagAssociationRow
	if err := s.db.WithContext(ctx).Where("entity_id IN ?", entityIDs).Order("entity_id, tag").Find(&rows).Error; err != nil {
		return nil, s.storageError("tags", err)
	}
	for _, row := range rows {
		out[row.EntityID] = append(out[row.EntityID], associationFromRow(row))
	}
	return out, nil
}

func (s *Service) storageError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Error("query failed",
		zap.String("operation", opQuery+"."+operation),
		zap.String("reason", "select_failed"),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %w", eventstore.ErrStorageUnavailable, operation, err)
}
