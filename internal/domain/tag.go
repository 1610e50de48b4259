package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Tag is the definition of a tag name with its display color.
// Its stream id is TagID(name).
type Tag struct {
	Root
	name    string
	color   string
	retired bool
}

func NewTag(id string) *Tag {
	tag := &Tag{}
	tag.Root = newRoot(id, AggregateTag, tag.apply)
	return tag
}

func (t *Tag) Name() string  { return t.name }
func (t *Tag) Color() string { return t.color }
func (t *Tag) Retired() bool { return t.retired }
func (t *Tag) Exists() bool  { return t.version > 0 }

// Define creates the tag definition, or revives a retired one.
func (t *Tag) Define(name, color string, at time.Time) (bool, error) {
	normalized, err := NormalizeTag(name)
	if err != nil {
		return false, err
	}
	if TagID(normalized) != t.id {
		return false, invalid("name", "does not match the tag id")
	}
	color, err = cleanColor(color)
	if err != nil {
		return false, err
	}
	if t.version > 0 && !t.retired {
		return false, nil
	}
	return true, t.record(TagDefined{Name: normalized, Color: color}, at)
}

func (t *Tag) Recolor(color string, at time.Time) (bool, error) {
	if t.version == 0 || t.retired {
		return false, invalid("tag", "is not defined")
	}
	color, err := cleanColor(color)
	if err != nil {
		return false, err
	}
	if color == t.color {
		return false, nil
	}
	return true, t.record(TagRecolored{Color: color}, at)
}

func (t *Tag) Retire(at time.Time) error {
	if t.version == 0 || t.retired {
		return invalid("tag", "is not defined")
	}
	return t.record(TagRetired{}, at)
}

func (t *Tag) apply(payload Payload) error {
	switch event := payload.(type) {
	case TagDefined:
		t.name = event.Name
		t.color = event.Color
		t.retired = false
	case TagRecolored:
		t.color = event.Color
	case TagRetired:
		t.retired = true
	default:
		return fmt.Errorf("%w: %s on tag", ErrUnexpectedEvent, payload.EventType())
	}
	return nil
}

type tagState struct {
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
	Retired bool   `json:"retired,omitempty"`
}

func (t *Tag) SnapshotState() ([]byte, error) {
	return json.Marshal(tagState{Name: t.name, Color: t.color, Retired: t.retired})
}

func (t *Tag) RestoreSnapshot(version int64, data []byte) error {
	var state tagState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: tag snapshot: %v", ErrDeserialization, err)
	}
	t.name = state.Name
	t.color = state.Color
	t.retired = state.Retired
	t.restoreVersion(version)
	return nil
}

func cleanColor(raw string) (string, error) {
	color := strings.ToLower(strings.TrimSpace(raw))
	if color == "" {
		return "", nil
	}
	if !colorPattern.MatchString(color) {
		return "", invalid("color", "must be a #rrggbb value")
	}
	return color, nil
}
