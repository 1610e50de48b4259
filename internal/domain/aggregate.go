package domain

import (
	"fmt"
	"time"
)

// Change is an event emitted by a command and not yet appended to the store.
type Change struct {
	Payload    Payload
	OccurredAt time.Time
}

// Aggregate is implemented by every event-sourced entity.
type Aggregate interface {
	ID() string
	AggregateType() string
	Version() int64
	Changes() []Change
	MarkCommitted()
	// ApplyHistory replays a stored event at its stream version. A nil payload advances
	// the version without touching state, which keeps unknown event types replayable.
	ApplyHistory(version int64, payload Payload) error
	SnapshotState() ([]byte, error)
	RestoreSnapshot(version int64, state []byte) error
}

// Root carries identity, version and the uncommitted change buffer.
type Root struct {
	id            string
	aggregateType string
	version       int64
	changes       []Change
	applier       func(Payload) error
}

func newRoot(id, aggregateType string, applier func(Payload) error) Root {
	return Root{id: id, aggregateType: aggregateType, applier: applier}
}

func (r *Root) ID() string {
	return r.id
}

func (r *Root) AggregateType() string {
	return r.aggregateType
}

// Version counts every applied event, committed or not.
func (r *Root) Version() int64 {
	return r.version
}

// Changes returns the events emitted since the last commit.
func (r *Root) Changes() []Change {
	return append([]Change(nil), r.changes...)
}

func (r *Root) MarkCommitted() {
	r.changes = nil
}

func (r *Root) ApplyHistory(version int64, payload Payload) error {
	if version != r.version+1 {
		return fmt.Errorf("%w: %s %s expected version %d, got %d", ErrUnexpectedEvent, r.aggregateType, r.id, r.version+1, version)
	}
	if payload != nil {
		if err := r.applier(payload); err != nil {
			return err
		}
	}
	r.version = version
	return nil
}

func (r *Root) record(payload Payload, at time.Time) error {
	if err := r.applier(payload); err != nil {
		return err
	}
	r.version++
	r.changes = append(r.changes, Change{Payload: payload, OccurredAt: at.UTC()})
	return nil
}

func (r *Root) restoreVersion(version int64) {
	r.version = version
	r.changes = nil
}

// EntityRef addresses any aggregate by type and id.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string {
	return r.Type + ":" + r.ID
}

// NewAggregate returns an empty aggregate of the given type, ready for replay.
func NewAggregate(aggregateType, id string) (Aggregate, error) {
	switch aggregateType {
	case AggregateCategory:
		return NewCategory(id), nil
	case AggregateNote:
		return NewNote(id), nil
	case AggregateTag:
		return NewTag(id), nil
	case AggregateTask:
		return NewTask(id), nil
	default:
		return nil, fmt.Errorf("%w: aggregate type %q", ErrUnexpectedEvent, aggregateType)
	}
}
