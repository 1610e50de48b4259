package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const maxNameLength = 200

// Category is a folder in the containment hierarchy. Notes, tasks and child categories live in it.
type Category struct {
	taggedRoot
	name     string
	parentID string
}

// NewCategory returns an empty category aggregate ready for replay or creation.
func NewCategory(id string) *Category {
	category := &Category{}
	category.taggedRoot = newTaggedRoot(id, AggregateCategory, category.apply)
	return category
}

func (c *Category) Name() string     { return c.name }
func (c *Category) ParentID() string { return c.parentID }
func (c *Category) Exists() bool     { return c.version > 0 }

// Create names the category and places it under parentID, or at the root when parentID is empty.
func (c *Category) Create(name, parentID string, at time.Time) error {
	if c.version > 0 {
		return invalid("category", "already exists")
	}
	cleaned, err := cleanName("name", name)
	if err != nil {
		return err
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == c.id {
		return invalid("parent_id", "must differ from the category")
	}
	return c.record(CategoryCreated{Name: cleaned, ParentID: parentID}, at)
}

func (c *Category) Rename(name string, at time.Time) (bool, error) {
	if err := c.ensureActive(); err != nil {
		return false, err
	}
	cleaned, err := cleanName("name", name)
	if err != nil {
		return false, err
	}
	if cleaned == c.name {
		return false, nil
	}
	return true, c.record(CategoryRenamed{Name: cleaned}, at)
}

// Move re-parents the category. Cycle detection needs the whole hierarchy and happens in the caller.
func (c *Category) Move(parentID string, at time.Time) (bool, error) {
	if err := c.ensureActive(); err != nil {
		return false, err
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == c.id {
		return false, invalid("parent_id", "must differ from the category")
	}
	if parentID == c.parentID {
		return false, nil
	}
	return true, c.record(CategoryMoved{OldParentID: c.parentID, NewParentID: parentID}, at)
}

func (c *Category) Delete(at time.Time) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	return c.record(CategoryDeleted{}, at)
}

func (c *Category) apply(payload Payload) error {
	switch event := payload.(type) {
	case CategoryCreated:
		c.name = event.Name
		c.parentID = event.ParentID
	case CategoryRenamed:
		c.name = event.Name
	case CategoryMoved:
		c.parentID = event.NewParentID
	case CategoryDeleted:
		c.deleted = true
	default:
		if c.applyTagEvent(payload) {
			return nil
		}
		return fmt.Errorf("%w: %s on category", ErrUnexpectedEvent, payload.EventType())
	}
	return nil
}

type categoryState struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
	Tags     TagSet `json:"tags,omitempty"`
}

func (c *Category) SnapshotState() ([]byte, error) {
	return json.Marshal(categoryState{Name: c.name, ParentID: c.parentID, Deleted: c.deleted, Tags: c.tags})
}

func (c *Category) RestoreSnapshot(version int64, data []byte) error {
	var state categoryState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: category snapshot: %v", ErrDeserialization, err)
	}
	c.name = state.Name
	c.parentID = state.ParentID
	c.deleted = state.Deleted
	c.tags = TagSet{}
	for tag, association := range state.Tags {
		c.tags[tag] = association
	}
	c.restoreVersion(version)
	return nil
}

func cleanName(field, raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", invalid(field, "must not be empty")
	}
	if utf8.RuneCountInString(cleaned) > maxNameLength {
		return "", invalid(field, fmt.Sprintf("exceeds %d characters", maxNameLength))
	}
	return cleaned, nil
}
