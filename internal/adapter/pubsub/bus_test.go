package pubsub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentmesh/agent-hub/internal/domain/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, event.TopicDeliveryConfirmed)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := event.New(event.TopicDeliveryConfirmed)
	ev.MessageID = "m1"
	ev.Agents = []string{"alice", "bob"}
	b.Publish(ev)

	select {
	case got := <-ch:
		if got.ID != ev.ID || got.MessageID != "m1" {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Topic != event.TopicDeliveryConfirmed {
			t.Fatalf("topic not restored on decode: %q", got.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never arrived")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readCh, err := b.Subscribe(ctx, event.TopicRead)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(event.New(event.TopicAcknowledged))

	select {
	case ev := <-readCh:
		t.Fatalf("leaked event across topics: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberStreamClosesWithContext(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, event.TopicAgentOnline)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not close on cancel")
	}
}
