package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishNacked means the broker refused to take responsibility for a message.
var ErrPublishNacked = errors.New("broker rejected published message")

// RabbitMQPublisher publishes in confirm mode: Publish returns only after the
// broker has persisted the event, so an accepted API call is never lost.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

var _ Publisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg EventMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := newPublishing(msg, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm on queue %q: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("queue %q, event %s: %w", queue, msg.EventID, ErrPublishNacked)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// newPublishing validates msg and builds the persistent AMQP message for it.
// The event name and occurrence time are also carried as headers so operators
// can inspect a queue or DLQ without decoding bodies.
func newPublishing(msg EventMessage, now time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid event message: %w", err)
	}

	occurredAt := msg.OccurredAt.UTC()
	if msg.OccurredAt.IsZero() {
		occurredAt = now.UTC()
		msg.OccurredAt = occurredAt
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event message: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    occurredAt,
		MessageId:    msg.EventID,
		Type:         msg.Event.String(),
		Headers: amqp.Table{
			"event":      msg.Event.String(),
			"occurredAt": occurredAt.Format(time.RFC3339Nano),
		},
		Body: payload,
	}, nil
}
