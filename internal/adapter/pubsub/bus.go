// Package pubsub is the in-process lifecycle event bus plus the optional
// export of those events to an external AMQP exchange.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/agentmesh/agent-hub/internal/domain/event"
)

// Bus fans lifecycle events out to in-process subscribers. No
// persistence, no replay: subscribers see events published after they
// subscribed.
type Bus struct {
	goch *gochannel.GoChannel
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		goch: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewSlogLogger(log),
		),
		log: log,
	}
}

// Publish marshals the event onto its topic. Publishing never fails the
// caller: a bus error is a delivery-observability problem, not a
// delivery-correctness one.
func (b *Bus) Publish(ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("event marshal failed", "topic", ev.Topic, "err", err)
		return
	}

	msg := message.NewMessage(ev.ID, payload)
	if err := b.goch.Publish(ev.Topic, msg); err != nil {
		b.log.Error("event publish failed", "topic", ev.Topic, "err", err)
	}
}

// Subscribe returns a decoded event stream for one topic. The stream
// closes when the context is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan event.Event, error) {
	msgs, err := b.goch.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan event.Event, 64)
	go func() {
		defer close(out)
		for m := range msgs {
			var ev event.Event
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				b.log.Error("event decode failed", "topic", topic, "err", err)
				m.Ack()
				continue
			}
			ev.Topic = topic
			m.Ack()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Subscriber exposes the raw watermill side for the AMQP exporter.
func (b *Bus) Subscriber() message.Subscriber {
	return b.goch
}

func (b *Bus) Close() error {
	return b.goch.Close()
}
