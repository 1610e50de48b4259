package notify

import (
	"context"
	"sync"
	"time"
)

const (
	// KindCaughtUp announces that a projection applied a batch and advanced its checkpoint.
	KindCaughtUp = "projection-updated"
	// KindRebuilt announces that a projection finished a full rebuild.
	KindRebuilt = "projection-rebuilt"

	defaultBufferSize = 16
)

// Update is the message handed to consumers once a projection checkpoint has advanced.
type Update struct {
	Kind         string    `json:"kind"`
	Projection   string    `json:"projection"`
	Position     int64     `json:"position"`
	AggregateIDs []string  `json:"aggregate_ids,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier receives projection updates. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, update Update)
}

// Dispatcher fans updates out to in-process subscribers over buffered channels.
// A subscriber that falls behind loses updates rather than stalling catch-up.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id          int64
	projections map[string]struct{}
	stream      chan Update
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe returns a channel of updates for the named projections, or for all projections when
// none are named. The subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, projections ...string) (<-chan Update, func()) {
	filter := make(map[string]struct{}, len(projections))
	for _, name := range projections {
		if name != "" {
			filter[name] = struct{}{}
		}
	}
	entry := &subscriber{
		projections: filter,
		stream:      make(chan Update, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	entry.id = d.nextID
	d.subscribers[entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, entry.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

func (d *Dispatcher) Notify(_ context.Context, update Update) {
	if update.Projection == "" || update.Kind == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers))
	for _, entry := range d.subscribers {
		if len(entry.projections) > 0 {
			if _, ok := entry.projections[update.Projection]; !ok {
				continue
			}
		}
		targets = append(targets, entry)
	}
	d.mu.RUnlock()
	for _, entry := range targets {
		select {
		case entry.stream <- update:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Multi forwards each update to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, update Update) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, update)
		}
	}
}

// Noop discards updates.
type Noop struct{}

func (Noop) Notify(context.Context, Update) {}
