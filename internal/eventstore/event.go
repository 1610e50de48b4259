package eventstore

import "time"

// Event is an immutable fact about one aggregate, before it is assigned a position in the log.
type Event struct {
	EventID       string
	EventType     string
	AggregateID   string
	AggregateType string
	Payload       []byte
	OccurredAt    time.Time
}

// StoredEvent is an Event after a successful append.
type StoredEvent struct {
	Event
	GlobalPosition int64
	StreamVersion  int64
}

// Snapshot is the materialized state of an aggregate at StreamVersion.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	StreamVersion int64
	State         []byte
	TakenAt       time.Time
}
