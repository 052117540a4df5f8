package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/solucity-dev/solucity-sub000/internal/services"
)

// PubSubPublisher publishes order events to a Pub/Sub topic, keyed by order id.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed order event publisher. Message ordering is
// enabled on the topic so events of a single order are delivered in version order.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent sends the message and waits for the server acknowledgement.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, message services.OrderEventMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	key := OrderingKey(message)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  Attributes(message),
		OrderingKey: key,
	})

	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		if key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSubPublisher) Close() error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	return nil
}
