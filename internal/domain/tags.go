package domain

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxTagLength = 64

var tagNamespace = uuid.MustParse("6f1c5a52-43d4-4c52-9a44-0f5d1f7a33c1")

// TagAssociation is one tag on one entity. Inherited associations name the ancestor that owns the tag.
type TagAssociation struct {
	Tag            string `json:"tag"`
	Inherited      bool   `json:"inherited"`
	SourceEntityID string `json:"source_entity_id,omitempty"`
}

// TagSet holds at most one association per tag.
type TagSet map[string]TagAssociation

// Sorted returns the associations ordered by tag.
func (s TagSet) Sorted() []TagAssociation {
	out := make([]TagAssociation, 0, len(s))
	for _, association := range s {
		out = append(out, association)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Manual returns the tags attached directly to the entity, sorted.
func (s TagSet) Manual() []string {
	var out []string
	for tag, association := range s {
		if !association.Inherited {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// Names returns every tag in the set, sorted.
func (s TagSet) Names() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (s TagSet) clone() TagSet {
	out := make(TagSet, len(s))
	for tag, association := range s {
		out[tag] = association
	}
	return out
}

// NormalizeTag lower-cases and trims a tag, dropping a leading '#'.
func NormalizeTag(raw string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.TrimSpace(strings.TrimPrefix(tag, "#"))
	if tag == "" {
		return "", invalid("tag", "must not be empty")
	}
	if utf8.RuneCountInString(tag) > maxTagLength {
		return "", invalid("tag", "is too long")
	}
	if strings.ContainsAny(tag, "\n\r\t") {
		return "", invalid("tag", "must be a single line")
	}
	return tag, nil
}

// TagID derives the stable stream id of a tag definition from its normalized name.
func TagID(name string) string {
	return uuid.NewSHA1(tagNamespace, []byte(name)).String()
}

// Taggable is implemented by aggregates that carry tag associations.
type Taggable interface {
	Aggregate
	Tags() TagSet
	Deleted() bool
	AttachTag(tag string, at time.Time) (bool, error)
	DetachTag(tag string, at time.Time) (bool, error)
	InheritTag(tag, sourceEntityID string, at time.Time) (bool, error)
	RetractInheritedTag(tag, sourceEntityID string, at time.Time) (bool, error)
}

// taggedRoot adds tag associations and a deletion flag to Root.
type taggedRoot struct {
	Root
	tags    TagSet
	deleted bool
}

func newTaggedRoot(id, aggregateType string, applier func(Payload) error) taggedRoot {
	return taggedRoot{Root: newRoot(id, aggregateType, applier), tags: TagSet{}}
}

// Tags returns a copy of the current associations.
func (t *taggedRoot) Tags() TagSet {
	return t.tags.clone()
}

func (t *taggedRoot) Deleted() bool {
	return t.deleted
}

func (t *taggedRoot) ensureActive() error {
	if t.version == 0 {
		return invalid(t.aggregateType, "does not exist")
	}
	if t.deleted {
		return invalid(t.aggregateType, "is deleted")
	}
	return nil
}

// AttachTag adds a manual tag. A manual tag replaces an inherited association of the same name.
func (t *taggedRoot) AttachTag(raw string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	tag, err := NormalizeTag(raw)
	if err != nil {
		return false, err
	}
	if current, ok := t.tags[tag]; ok && !current.Inherited {
		return false, nil
	}
	return true, t.record(TagAttached{Tag: tag}, at)
}

// DetachTag removes a manual tag. Inherited tags are removed from the ancestor that owns them.
func (t *taggedRoot) DetachTag(raw string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	tag, err := NormalizeTag(raw)
	if err != nil {
		return false, err
	}
	current, ok := t.tags[tag]
	if !ok {
		return false, nil
	}
	if current.Inherited {
		return false, invalid("tag", "is inherited from "+current.SourceEntityID)
	}
	return true, t.record(TagDetached{Tag: tag}, at)
}

// InheritTag records that sourceEntityID provides tag. Manual tags are left alone.
func (t *taggedRoot) InheritTag(raw, sourceEntityID string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	tag, err := NormalizeTag(raw)
	if err != nil {
		return false, err
	}
	if sourceEntityID == "" || sourceEntityID == t.id {
		return false, invalid("source_entity_id", "must name an ancestor")
	}
	if current, ok := t.tags[tag]; ok {
		if !current.Inherited || current.SourceEntityID == sourceEntityID {
			return false, nil
		}
	}
	return true, t.record(TagAttached{Tag: tag, Inherited: true, SourceEntityID: sourceEntityID}, at)
}

// RetractInheritedTag removes tag only when it is inherited from sourceEntityID.
func (t *taggedRoot) RetractInheritedTag(raw, sourceEntityID string, at time.Time) (bool, error) {
	if err := t.ensureActive(); err != nil {
		return false, err
	}
	tag, err := NormalizeTag(raw)
	if err != nil {
		return false, err
	}
	current, ok := t.tags[tag]
	if !ok || !current.Inherited || current.SourceEntityID != sourceEntityID {
		return false, nil
	}
	return true, t.record(TagDetached{Tag: tag, SourceEntityID: sourceEntityID}, at)
}

func (t *taggedRoot) applyTagEvent(payload Payload) bool {
	switch event := payload.(type) {
	case TagAttached:
		source := event.SourceEntityID
		if !event.Inherited {
			source = ""
		}
		t.tags[event.Tag] = TagAssociation{Tag: event.Tag, Inherited: event.Inherited, SourceEntityID: source}
		return true
	case TagDetached:
		if current, ok := t.tags[event.Tag]; ok && current.SourceEntityID == event.SourceEntityID {
			delete(t.tags, event.Tag)
		}
		return true
	default:
		return false
	}
}
