package queue

import (
	"context"
	"fmt"
)

// Publisher publishes event messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg EventMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg EventMessage) error

// Consumer consumes event messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// EventsQueue carries platform events awaiting fan-out to subscribers.
	EventsQueue = "webhook.events"

	eventsRoutingKey = "webhook.events"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.webhook.events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
