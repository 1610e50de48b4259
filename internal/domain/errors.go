package domain

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrValidation indicates a command rejected before any event was emitted.
	ErrValidation = errors.New("domain: validation failed")
	// ErrUnknownEventType indicates an event type this build does not recognize.
	ErrUnknownEventType = errors.New("domain: unknown event type")
	// ErrDeserialization indicates a stored payload that could not be decoded.
	ErrDeserialization = errors.New("domain: payload deserialization failed")
	// ErrUnexpectedEvent indicates an event routed to an aggregate that does not own it.
	ErrUnexpectedEvent = errors.New("domain: unexpected event for aggregate")
	// ErrInvalidEntityID indicates an empty or oversized identifier.
	ErrInvalidEntityID = errors.New("domain: invalid entity id")
)

// ValidationError names the field and rule a command violated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewEntityID validates raw input and returns a trimmed identifier.
func NewEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}
