// Package broker provides the message broker abstraction used by the
// scheduling pipeline. Delivery is at-least-once; consumers must be
// idempotent. Guarded status transitions in the schedule store are the
// tie-breaker for duplicate deliveries.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is a broker envelope. Payload is opaque JSON owned by the topic's
// producers and consumers.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with a UUID and current UTC timestamp.
func NewMessage(topic string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Handler processes one delivered message. Returning an error marks the
// delivery failed; the broker logs it but does not redeliver (producers
// re-publish via the store's retry path).
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active consumer registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Broker is the capability contract required by the scanner and dispatcher.
type Broker interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload interface{}) error

	// PublishDelayed sends a message after the given delay. The delay is
	// best-effort; sub-minute delays carry about one second of tolerance.
	PublishDelayed(ctx context.Context, topic string, payload interface{}, delay time.Duration) error

	// Consume registers a handler in the topic's queue group so each message
	// is delivered to one consumer.
	Consume(topic string, handler Handler) (Subscription, error)

	// Close shuts the broker down.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
