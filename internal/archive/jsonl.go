package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
)

const (
	formatVersion  = "1"
	recordHeader   = "header"
	recordEvent    = "event"
	exportBatch    = 500
	maxRecordBytes = 16 << 20
)

var (
	// ErrStoreNotEmpty reports a restore into an event log that already has history.
	ErrStoreNotEmpty = errors.New("archive: event store is not empty")
	// ErrMalformedArchive reports an archive that does not follow the JSONL layout.
	ErrMalformedArchive = errors.New("archive: malformed archive")
)

// EventLog is the part of the event store archives read from and restore into.
type EventLog interface {
	ReadFrom(ctx context.Context, fromPosition int64, batchSize int) ([]eventstore.StoredEvent, error)
	HeadPosition(ctx context.Context) (int64, error)
	Append(ctx context.Context, streamID string, expectedVersion int64, events []eventstore.Event) (int64, error)
}

// header is the first JSONL record of an archive.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	EventCount   int       `json:"event_count"`
	HeadPosition int64     `json:"head_position"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventLine struct {
	GlobalPosition int64           `json:"global_position"`
	StreamVersion  int64           `json:"stream_version"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

// ExportJSONL writes the whole event log to w: a header line, then one line per event in
// global order. It returns the number of events written.
func ExportJSONL(ctx context.Context, log EventLog, w io.Writer, now time.Time) (int, error) {
	head, err := log.HeadPosition(ctx)
	if err != nil {
		return 0, fmt.Errorf("read head position: %w", err)
	}
	var events []eventstore.StoredEvent
	for position := int64(1); position <= head; {
		batch, err := log.ReadFrom(ctx, position, exportBatch)
		if err != nil {
			return 0, fmt.Errorf("read events from %d: %w", position, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, event := range batch {
			if event.GlobalPosition <= head {
				events = append(events, event)
			}
		}
		position = batch[len(batch)-1].GlobalPosition + 1
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{
		Version:      formatVersion,
		Type:         recordHeader,
		Timestamp:    now.UTC(),
		EventCount:   len(events),
		HeadPosition: head,
	}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	for _, event := range events {
		data, err := json.Marshal(eventLine{
			GlobalPosition: event.GlobalPosition,
			StreamVersion:  event.StreamVersion,
			EventID:        event.EventID,
			EventType:      event.EventType,
			AggregateID:    event.AggregateID,
			AggregateType:  event.AggregateType,
			OccurredAt:     event.OccurredAt.UTC(),
			Payload:        json.RawMessage(event.Payload),
		})
		if err != nil {
			return 0, fmt.Errorf("encode event %s: %w", event.EventID, err)
		}
		if err := enc.Encode(record{Type: recordEvent, Data: data}); err != nil {
			return 0, fmt.Errorf("encode event %s: %w", event.EventID, err)
		}
	}
	return len(events), nil
}

// RestoreJSONL appends every event of an archive into an empty event log, stream by stream in
// the archived global order. Event ids and stream versions are preserved.
func RestoreJSONL(ctx context.Context, log EventLog, r io.Reader) (int, error) {
	head, err := log.HeadPosition(ctx)
	if err != nil {
		return 0, fmt.Errorf("read head position: %w", err)
	}
	if head != 0 {
		return 0, fmt.Errorf("%w: head position %d", ErrStoreNotEmpty, head)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	var (
		seenHeader bool
		expected   int
		restored   int
		last       int64
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !seenHeader {
			var first header
			if err := json.Unmarshal(line, &first); err != nil || first.Type != recordHeader {
				return 0, fmt.Errorf("%w: first line is not a header", ErrMalformedArchive)
			}
			if first.Version != formatVersion {
				return 0, fmt.Errorf("%w: unsupported version %q", ErrMalformedArchive, first.Version)
			}
			seenHeader, expected = true, first.EventCount
			continue
		}
		var next record
		if err := json.Unmarshal(line, &next); err != nil {
			return restored, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
		}
		if next.Type != recordEvent {
			continue
		}
		var event eventLine
		if err := json.Unmarshal(next.Data, &event); err != nil {
			return restored, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
		}
		if event.GlobalPosition <= last || event.StreamVersion < 1 {
			return restored, fmt.Errorf("%w: event %s out of order", ErrMalformedArchive, event.EventID)
		}
		last = event.GlobalPosition
		if _, err := log.Append(ctx, event.AggregateID, event.StreamVersion-1, []eventstore.Event{{
			EventID:       event.EventID,
			EventType:     event.EventType,
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			Payload:       []byte(event.Payload),
			OccurredAt:    event.OccurredAt,
		}}); err != nil {
			return restored, fmt.Errorf("restore event %s: %w", event.EventID, err)
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, fmt.Errorf("read archive: %w", err)
	}
	if !seenHeader {
		return 0, fmt.Errorf("%w: empty archive", ErrMalformedArchive)
	}
	if restored != expected {
		return restored, fmt.Errorf("%w: header announced %d events, found %d", ErrMalformedArchive, expected, restored)
	}
	return restored, nil
}
