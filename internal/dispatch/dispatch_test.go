package dispatch

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
)

type stubHub struct {
	mu     sync.Mutex
	pushes []*model.Push
	accept bool
}

func (s *stubHub) Register(model.Instance, registry.Connector)   {}
func (s *stubHub) MarkOffline(string, string)                    {}
func (s *stubHub) Unregister(string, string, uuid.UUID)          {}
func (s *stubHub) Touch(string, string)                          {}
func (s *stubHub) LiveInstances(string) []model.Instance         { return nil }
func (s *stubHub) AllLiveAgentIDs() []string                     { return nil }
func (s *stubHub) Instances(string) []model.Instance             { return nil }
func (s *stubHub) AllInstances() []model.Instance                { return nil }
func (s *stubHub) Sessions() int                                 { return 0 }
func (s *stubHub) Shutdown()                                     {}

func (s *stubHub) Push(_, _ string, p *model.Push) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, p)
	return s.accept
}

type stubBus struct {
	events []event.Event
}

func (b *stubBus) Publish(ev event.Event) {
	b.events = append(b.events, ev)
}

func TestDeliverBuildsWireFrame(t *testing.T) {
	hub := &stubHub{accept: true}
	f := New(hub, &stubBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ok := f.Deliver(model.Envelope{
		Kind:        model.EnvelopeDeliver,
		MessageID:   "m1",
		From:        "alice",
		ToAgent:     "bob",
		ToInstance:  "i1",
		Type:        model.TypeContent,
		Priority:    model.PriorityHigh,
		Content:     "hello",
		RequiresAck: true,
	})
	if !ok {
		t.Fatalf("deliver refused")
	}

	if len(hub.pushes) != 1 {
		t.Fatalf("expected one push, got %d", len(hub.pushes))
	}
	p := hub.pushes[0]
	if p.Priority != model.PriorityHigh {
		t.Fatalf("push priority %s", p.Priority)
	}
	frame, ok := p.Frame.(*MessageReceivedFrame)
	if !ok {
		t.Fatalf("unexpected frame %T", p.Frame)
	}
	if frame.Type != "message.received" || frame.MessageID != "m1" || frame.From != "alice" {
		t.Fatalf("frame %+v", frame)
	}
	if !frame.RequiresAck {
		t.Fatalf("ack policy lost on the wire")
	}
}

func TestDeliverReportsSaturation(t *testing.T) {
	hub := &stubHub{accept: false}
	f := New(hub, &stubBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if f.Deliver(model.Envelope{MessageID: "m1", ToAgent: "bob"}) {
		t.Fatalf("saturated push reported as delivered")
	}
}

func TestPublishForwards(t *testing.T) {
	bus := &stubBus{}
	f := New(&stubHub{}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := event.New(event.TopicDeliveryFailed)
	f.Publish(ev)
	if len(bus.events) != 1 || bus.events[0].ID != ev.ID {
		t.Fatalf("event not forwarded: %+v", bus.events)
	}
}
