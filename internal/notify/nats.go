package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix prefixes every subject the NATS publisher writes to.
const SubjectPrefix = "gravity.projection"

// NATSPublisher relays projection updates to a NATS server so an out-of-process shell can
// refresh its views. Publish failures are logged and never reach the orchestrator.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("gravity-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Subject returns the subject updates of projection are published on.
func Subject(projection string) string {
	return SubjectPrefix + "." + projection
}

func (p *NATSPublisher) Publish(_ context.Context, update Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshaling update: %w", err)
	}
	return p.conn.Publish(Subject(update.Projection), data)
}

func (p *NATSPublisher) Notify(ctx context.Context, update Update) {
	if err := p.Publish(ctx, update); err != nil {
		p.logger.Warn("projection update not published",
			zap.String("projection", update.Projection),
			zap.Int64("position", update.Position),
			zap.Error(err))
	}
}

// Flush waits until the server has processed everything published so far.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
