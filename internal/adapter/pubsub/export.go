package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/agentmesh/agent-hub/internal/domain/event"
)

// Routing key layout on the external exchange: agenthub.v1.<topic>.
const exportKeyPrefix = "agenthub.v1."

// Exporter re-publishes every lifecycle event to an AMQP broker so that
// other nodes or audit consumers can observe this hub. Entirely optional;
// the hub is correct without a broker.
type Exporter struct {
	bus *Bus
	pub message.Publisher
	log *slog.Logger
}

// NewExporter connects a durable publisher to the given broker URL.
func NewExporter(url string, bus *Bus, log *slog.Logger) (*Exporter, error) {
	cfg := amqp.NewDurablePubSubConfig(url, nil)
	pub, err := amqp.NewPublisher(cfg, watermill.NewSlogLogger(log))
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	return &Exporter{bus: bus, pub: pub, log: log}, nil
}

// Run bridges every lifecycle topic until the context is cancelled.
func (x *Exporter) Run(ctx context.Context) error {
	topics := append(append([]string{}, event.MessageTopics...), event.PresenceTopics...)
	for _, topic := range topics {
		msgs, err := x.bus.Subscriber().Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}

		go func(topic string, msgs <-chan *message.Message) {
			key := exportKeyPrefix + topic
			for m := range msgs {
				out := message.NewMessage(watermill.NewUUID(), m.Payload)
				out.Metadata.Set("x-routing-key", key)
				if err := x.pub.Publish(key, out); err != nil {
					x.log.Warn("event export failed", "topic", topic, "err", err)
				}
				m.Ack()
			}
		}(topic, msgs)
	}

	x.log.Info("lifecycle event export enabled", "topics", len(topics))
	return nil
}

func (x *Exporter) Close() error {
	return x.pub.Close()
}
