package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// MemoryBroker implements Broker in-process. Each topic forms one queue
// group: a published message is delivered to exactly one consumer,
// round-robin across subscribers.
type MemoryBroker struct {
	topics map[string]*topicGroup
	timers map[*time.Timer]struct{}
	mu     sync.RWMutex
	logger *logger.Logger
	closed bool
}

type topicGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

type memorySubscription struct {
	broker  *MemoryBroker
	topic   string
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription from its topic group.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if tg, ok := s.broker.topics[s.topic]; ok {
		tg.mu.Lock()
		for i, sub := range tg.subscribers {
			if sub == s {
				tg.subscribers = append(tg.subscribers[:i], tg.subscribers[i+1:]...)
				break
			}
		}
		tg.mu.Unlock()
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker(log *logger.Logger) *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]*topicGroup),
		timers: make(map[*time.Timer]struct{}),
		logger: log.WithFields(zap.String("component", "memory-broker")),
	}
}

// Publish delivers the payload to one consumer of the topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload interface{}) error {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	tg := b.topics[topic]
	b.mu.RUnlock()

	if tg == nil {
		// No consumers yet; at-least-once does not require retention for
		// the in-memory broker because the scanner re-discovers work.
		b.logger.Debug("dropping message without consumers", zap.String("topic", topic))
		return nil
	}

	b.deliver(ctx, tg, msg)
	return nil
}

// PublishDelayed re-publishes after the delay elapses.
func (b *MemoryBroker) PublishDelayed(ctx context.Context, topic string, payload interface{}, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, topic, payload)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.Publish(context.Background(), topic, payload); err != nil {
			b.logger.Error("delayed publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	})
	b.timers[timer] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Consume registers a handler in the topic's queue group.
func (b *MemoryBroker) Consume(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &memorySubscription{
		broker:  b,
		topic:   topic,
		handler: handler,
		active:  true,
	}

	tg, ok := b.topics[topic]
	if !ok {
		tg = &topicGroup{}
		b.topics[topic] = tg
	}
	tg.mu.Lock()
	tg.subscribers = append(tg.subscribers, sub)
	tg.mu.Unlock()

	b.logger.Info("consumer registered", zap.String("topic", topic))
	return sub, nil
}

// Close shuts the broker down and cancels pending delayed publishes.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})

	for _, tg := range b.topics {
		tg.mu.Lock()
		for _, sub := range tg.subscribers {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		tg.mu.Unlock()
	}
	b.topics = make(map[string]*topicGroup)

	b.logger.Info("memory broker closed")
}

// IsConnected returns true while the broker is open.
func (b *MemoryBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// deliver hands the message to the next active subscriber (round-robin).
func (b *MemoryBroker) deliver(ctx context.Context, tg *topicGroup, msg *Message) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	if len(tg.subscribers) == 0 {
		return
	}

	startIndex := tg.nextIndex
	for i := 0; i < len(tg.subscribers); i++ {
		idx := (startIndex + i) % len(tg.subscribers)
		sub := tg.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()

		if active {
			tg.nextIndex = (idx + 1) % len(tg.subscribers)

			go func(s *memorySubscription, m *Message) {
				if err := s.handler(ctx, m); err != nil {
					b.logger.Error("message handler error",
						zap.String("topic", m.Topic),
						zap.String("message_id", m.ID),
						zap.Error(err))
				}
			}(sub, msg)
			return
		}
	}
}
