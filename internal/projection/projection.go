package projection

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"gorm.io/gorm"
)

// Envelope is a stored event with its decoded payload. Payload is nil for event types
// this build cannot decode.
type Envelope struct {
	Position      int64
	StreamVersion int64
	AggregateID   string
	AggregateType string
	EventType     string
	OccurredAt    time.Time
	Payload       domain.Payload
}

func newEnvelope(event eventstore.StoredEvent, payload domain.Payload) Envelope {
	return Envelope{
		Position:      event.GlobalPosition,
		StreamVersion: event.StreamVersion,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		OccurredAt:    event.OccurredAt,
		Payload:       payload,
	}
}

// Projection maintains one read model. Handle must be idempotent and ignore payloads it does
// not recognize; both methods must only use tx.
type Projection interface {
	Name() string
	Handle(ctx context.Context, tx *gorm.DB, event Envelope) error
	Reset(ctx context.Context, tx *gorm.DB) error
}

// Models lists the gorm models owned by the projection package for schema migration.
func Models() []any {
	return []any{
		&checkpointRecord{},
		&HierarchyNode{},
		&TagAssociationRow{},
		&TagDefinitionRow{},
		&TaskRow{},
	}
}

// Defaults returns the read models served to queries, in registration order.
func Defaults() []Projection {
	return []Projection{NewHierarchyProjection(), NewTagProjection(), NewTaskProjection()}
}

func millis(at time.Time) int64 {
	return at.UTC().UnixMilli()
}
