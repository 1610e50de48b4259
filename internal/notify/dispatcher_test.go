package notify

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Notify(ctx, Update{
		Kind:         KindCaughtUp,
		Projection:   "tasks",
		Position:     12,
		AggregateIDs: []string{"task-a", "task-b"},
		Timestamp:    time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Projection != "tasks" || received.Position != 12 {
			t.Fatalf("unexpected update: %#v", received)
		}
		if len(received.AggregateIDs) != 2 {
			t.Fatalf("expected 2 aggregate ids, got %d", len(received.AggregateIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected update within deadline")
	}
}

func TestDispatcherFiltersByProjection(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tagStream, tagCleanup := dispatcher.Subscribe(ctx, "tags")
	defer tagCleanup()
	taskStream, taskCleanup := dispatcher.Subscribe(ctx, "tasks")
	defer taskCleanup()

	dispatcher.Notify(ctx, Update{Kind: KindCaughtUp, Projection: "tasks", Position: 3})

	select {
	case <-tagStream:
		t.Fatal("did not expect update for unrelated projection")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case update := <-taskStream:
		if update.Projection != "tasks" {
			t.Fatalf("expected tasks, received %s", update.Projection)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected update for subscribed projection")
	}
}

func TestDispatcherDropsUpdatesForSlowSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for position := int64(1); position <= defaultBufferSize+5; position++ {
		dispatcher.Notify(ctx, Update{Kind: KindCaughtUp, Projection: "tasks", Position: position})
	}
	if len(stream) != defaultBufferSize {
		t.Fatalf("expected buffer to hold %d updates, got %d", defaultBufferSize, len(stream))
	}
}

func TestDispatcherUnsubscribesWhenContextEnds(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx)
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
