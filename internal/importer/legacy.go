package importer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidLegacyData reports a legacy export that cannot be turned into a consistent history.
var ErrInvalidLegacyData = errors.New("importer: invalid legacy data")

// LegacyData is the pre-event-sourced export: flat tables of categories, notes, tasks and tags.
type LegacyData struct {
	Tags       []LegacyTag      `json:"tags"`
	Categories []LegacyCategory `json:"categories"`
	Notes      []LegacyNote     `json:"notes"`
	Tasks      []LegacyTask     `json:"tasks"`
}

type LegacyTag struct {
	Name    string `json:"name"`
	Color   string `json:"color"`
	Retired bool   `json:"retired"`
}

type LegacyCategory struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	ParentID string   `json:"parent_id"`
	Tags     []string `json:"tags"`
}

type LegacyNote struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	CategoryID string   `json:"category_id"`
	Path       string   `json:"path"`
	Tags       []string `json:"tags"`
}

// LegacyTask is a task row. DocumentID links it to a note fragment at Line and Offset; an
// orphaned task keeps the note it was detached from in DocumentID.
type LegacyTask struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	CategoryID string   `json:"category_id"`
	DocumentID string   `json:"document_id"`
	Line       int      `json:"line"`
	Offset     int      `json:"offset"`
	Orphaned   bool     `json:"orphaned"`
	Completed  bool     `json:"completed"`
	DueDate    string   `json:"due_date"`
	Tags       []string `json:"tags"`
}

// ParseLegacy decodes a legacy export and checks its references.
func ParseLegacy(r io.Reader) (LegacyData, error) {
	var data LegacyData
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&data); err != nil {
		return LegacyData{}, fmt.Errorf("%w: %w", ErrInvalidLegacyData, err)
	}
	if err := data.validate(); err != nil {
		return LegacyData{}, err
	}
	return data, nil
}

// ParseLegacyBytes is ParseLegacy over an in-memory export.
func ParseLegacyBytes(raw []byte) (LegacyData, error) {
	return ParseLegacy(bytes.NewReader(raw))
}

func (d LegacyData) validate() error {
	categories := make(map[string]bool, len(d.Categories))
	for _, category := range d.Categories {
		id := strings.TrimSpace(category.ID)
		if id == "" {
			return fmt.Errorf("%w: category without id", ErrInvalidLegacyData)
		}
		if categories[id] {
			return fmt.Errorf("%w: duplicate category %s", ErrInvalidLegacyData, id)
		}
		categories[id] = true
	}
	notes := make(map[string]bool, len(d.Notes))
	for _, note := range d.Notes {
		id := strings.TrimSpace(note.ID)
		if id == "" {
			return fmt.Errorf("%w: note without id", ErrInvalidLegacyData)
		}
		if notes[id] {
			return fmt.Errorf("%w: duplicate note %s", ErrInvalidLegacyData, id)
		}
		if note.CategoryID != "" && !categories[note.CategoryID] {
			return fmt.Errorf("%w: note %s references unknown category %s", ErrInvalidLegacyData, id, note.CategoryID)
		}
		notes[id] = true
	}
	for _, task := range d.Tasks {
		if strings.TrimSpace(task.ID) == "" {
			return fmt.Errorf("%w: task without id", ErrInvalidLegacyData)
		}
		if task.DocumentID != "" && !notes[task.DocumentID] {
			return fmt.Errorf("%w: task %s references unknown note %s", ErrInvalidLegacyData, task.ID, task.DocumentID)
		}
		if task.CategoryID != "" && !categories[task.CategoryID] {
			return fmt.Errorf("%w: task %s references unknown category %s", ErrInvalidLegacyData, task.ID, task.CategoryID)
		}
		if task.DocumentID != "" && task.CategoryID != "" {
			return fmt.Errorf("%w: task %s is both linked and filed", ErrInvalidLegacyData, task.ID)
		}
	}
	_, err := orderCategories(d.Categories)
	return err
}

// orderCategories returns categories with every parent before its children. Siblings keep
// their export order.
func orderCategories(categories []LegacyCategory) ([]LegacyCategory, error) {
	byID := make(map[string]LegacyCategory, len(categories))
	for _, category := range categories {
		byID[category.ID] = category
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(categories))
	ordered := make([]LegacyCategory, 0, len(categories))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: category cycle through %s", ErrInvalidLegacyData, id)
		}
		state[id] = visiting
		category := byID[id]
		if parent := category.ParentID; parent != "" {
			if _, ok := byID[parent]; !ok {
				return fmt.Errorf("%w: category %s references unknown parent %s", ErrInvalidLegacyData, id, parent)
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		state[id] = done
		ordered = append(ordered, category)
		return nil
	}
	for _, category := range categories {
		if err := visit(category.ID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
