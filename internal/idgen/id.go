package idgen

import "github.com/google/uuid"

// Provider issues identifiers for aggregates and events.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence hands out identifiers from a fixed list, then falls back to UUIDv7.
// Tests and the legacy importer use it to pin identifiers.
type Sequence struct {
	values []string
	next   int
	backup Provider
}

// NewSequence returns a Sequence that yields values in order.
func NewSequence(values ...string) *Sequence {
	return &Sequence{values: append([]string(nil), values...), backup: NewUUIDProvider()}
}

func (s *Sequence) NewID() (string, error) {
	if s.next < len(s.values) {
		value := s.values[s.next]
		s.next++
		return value, nil
	}
	return s.backup.NewID()
}
