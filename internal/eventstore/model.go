package eventstore

import "time"

const globalSequenceName = "global"

type eventRecord struct {
	GlobalPosition  int64  `gorm:"column:global_position;primaryKey;autoIncrement:false"`
	EventID         string `gorm:"column:event_id;size:190;not null;uniqueIndex:idx_events_event_id"`
	AggregateID     string `gorm:"column:aggregate_id;size:190;not null;uniqueIndex:idx_events_stream_version,priority:1"`
	StreamVersion   int64  `gorm:"column:stream_version;not null;uniqueIndex:idx_events_stream_version,priority:2"`
	AggregateType   string `gorm:"column:aggregate_type;size:64;not null"`
	EventType       string `gorm:"column:event_type;size:128;not null"`
	Payload         string `gorm:"column:payload;type:text;not null"`
	OccurredAtMilli int64  `gorm:"column:occurred_at_ms;not null"`
}

func (eventRecord) TableName() string {
	return "events"
}

func (r eventRecord) toStored() StoredEvent {
	return StoredEvent{
		Event: Event{
			EventID:       r.EventID,
			EventType:     r.EventType,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			Payload:       []byte(r.Payload),
			OccurredAt:    time.UnixMilli(r.OccurredAtMilli).UTC(),
		},
		GlobalPosition: r.GlobalPosition,
		StreamVersion:  r.StreamVersion,
	}
}

type sequenceRecord struct {
	Name         string `gorm:"column:name;primaryKey;size:64"`
	LastPosition int64  `gorm:"column:last_position;not null"`
}

func (sequenceRecord) TableName() string {
	return "event_sequence"
}

type snapshotRecord struct {
	AggregateID   string `gorm:"column:aggregate_id;primaryKey;size:190"`
	AggregateType string `gorm:"column:aggregate_type;size:64;not null"`
	StreamVersion int64  `gorm:"column:stream_version;not null"`
	State         string `gorm:"column:state;type:text;not null"`
	TakenAtMilli  int64  `gorm:"column:taken_at_ms;not null"`
}

func (snapshotRecord) TableName() string {
	return "aggregate_snapshots"
}

// Models lists the gorm models owned by the event store for schema migration.
func Models() []any {
	return []any{&eventRecord{}, &sequenceRecord{}, &snapshotRecord{}}
}
