// Package eventbus carries domain events between the scheduler, the
// dispatcher and the stream endpoints over an in-process watermill pub/sub.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

const metaKind = "kind"

var _ ports.EventPublisher = (*Bus)(nil)

// Bus publishes domain events on a topic named after their kind.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates a bus whose subscribers buffer up to buffer messages each.
func New(buffer int64) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            buffer,
				BlockPublishUntilSubscriberAck: false,
			},
			NewLogger(),
		),
	}
}

func (b *Bus) Publish(_ context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metaKind, string(ev.Kind()))
	if err := b.pubsub.Publish(string(ev.Kind()), msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}
	return nil
}

func (b *Bus) Close() error { return b.pubsub.Close() }

// Subscribe registers handler for every event of type E. Messages are
// handled one at a time in publish order until ctx is done. Handler errors
// are logged and the message is still acked; the bus does not redeliver.
func Subscribe[E domain.Event](ctx context.Context, b *Bus, handler func(context.Context, E) error) error {
	var zero E
	topic := string(zero.Kind())
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	go func() {
		for msg := range msgs {
			var ev E
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Error().Err(err).Str("topic", topic).Str("message_id", msg.UUID).Msg("drop undecodable event")
				msg.Ack()
				continue
			}
			if err := handler(ctx, ev); err != nil {
				log.Warn().Err(err).Str("topic", topic).Str("message_id", msg.UUID).Msg("event handler failed")
			}
			msg.Ack()
		}
	}()
	return nil
}
