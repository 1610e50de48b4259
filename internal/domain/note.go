package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Note is a document. Its content lives outside the core; the aggregate tracks placement,
// title, source path and the hash of the last reconciled save.
type Note struct {
	taggedRoot
	title         string
	categoryID    string
	path          string
	contentHash   string
	fragmentCount int
}

func NewNote(id string) *Note {
	note := &Note{}
	note.taggedRoot = newTaggedRoot(id, AggregateNote, note.apply)
	return note
}

func (n *Note) Title() string       { return n.title }
func (n *Note) CategoryID() string  { return n.categoryID }
func (n *Note) Path() string        { return n.path }
func (n *Note) ContentHash() string { return n.contentHash }
func (n *Note) FragmentCount() int  { return n.fragmentCount }
func (n *Note) Exists() bool        { return n.version > 0 }

func (n *Note) Create(title, categoryID, path string, at time.Time) error {
	if n.version > 0 {
		return invalid("note", "already exists")
	}
	cleaned, err := cleanName("title", title)
	if err != nil {
		return err
	}
	return n.record(NoteCreated{
		Title:      cleaned,
		CategoryID: strings.TrimSpace(categoryID),
		Path:       strings.TrimSpace(path),
	}, at)
}

func (n *Note) Rename(title string, at time.Time) (bool, error) {
	if err := n.ensureActive(); err != nil {
		return false, err
	}
	cleaned, err := cleanName("title", title)
	if err != nil {
		return false, err
	}
	if cleaned == n.title {
		return false, nil
	}
	return true, n.record(NoteRenamed{Title: cleaned}, at)
}

func (n *Note) Move(categoryID string, at time.Time) (bool, error) {
	if err := n.ensureActive(); err != nil {
		return false, err
	}
	categoryID = strings.TrimSpace(categoryID)
	if categoryID == n.categoryID {
		return false, nil
	}
	return true, n.record(NoteMoved{OldCategoryID: n.categoryID, NewCategoryID: categoryID}, at)
}

// RecordSave stores the content hash of a reconciled save. An unchanged hash records nothing.
func (n *Note) RecordSave(contentHash string, fragmentCount int, savedAt, at time.Time) (bool, error) {
	if err := n.ensureActive(); err != nil {
		return false, err
	}
	if strings.TrimSpace(contentHash) == "" {
		return false, invalid("content_hash", "must not be empty")
	}
	if contentHash == n.contentHash {
		return false, nil
	}
	return true, n.record(NoteSaved{ContentHash: contentHash, FragmentCount: fragmentCount, SavedAt: savedAt.UTC()}, at)
}

func (n *Note) Delete(at time.Time) error {
	if err := n.ensureActive(); err != nil {
		return err
	}
	return n.record(NoteDeleted{}, at)
}

func (n *Note) apply(payload Payload) error {
	switch event := payload.(type) {
	case NoteCreated:
		n.title = event.Title
		n.categoryID = event.CategoryID
		n.path = event.Path
	case NoteRenamed:
		n.title = event.Title
	case NoteMoved:
		n.categoryID = event.NewCategoryID
	case NoteSaved:
		n.contentHash = event.ContentHash
		n.fragmentCount = event.FragmentCount
	case NoteDeleted:
		n.deleted = true
	default:
		if n.applyTagEvent(payload) {
			return nil
		}
		return fmt.Errorf("%w: %s on note", ErrUnexpectedEvent, payload.EventType())
	}
	return nil
}

type noteState struct {
	Title         string `json:"title"`
	CategoryID    string `json:"category_id,omitempty"`
	Path          string `json:"path,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	FragmentCount int    `json:"fragment_count,omitempty"`
	Deleted       bool   `json:"deleted,omitempty"`
	Tags          TagSet `json:"tags,omitempty"`
}

func (n *Note) SnapshotState() ([]byte, error) {
	return json.Marshal(noteState{
		Title:         n.title,
		CategoryID:    n.categoryID,
		Path:          n.path,
		ContentHash:   n.contentHash,
		FragmentCount: n.fragmentCount,
		Deleted:       n.deleted,
		Tags:          n.tags,
	})
}

func (n *Note) RestoreSnapshot(version int64, data []byte) error {
	var state noteState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: note snapshot: %v", ErrDeserialization, err)
	}
	n.title = state.Title
	n.categoryID = state.CategoryID
	n.path = state.Path
	n.contentHash = state.ContentHash
	n.fragmentCount = state.FragmentCount
	n.deleted = state.Deleted
	n.tags = TagSet{}
	for tag, association := range state.Tags {
		n.tags[tag] = association
	}
	n.restoreVersion(version)
	return nil
}
