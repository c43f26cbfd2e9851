package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/config"
	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// consumerGroup is the queue group shared by all Taskfleet processes so each
// scheduled-task message is handled by exactly one dispatcher.
const consumerGroup = "taskfleet-workers"

// NATSBroker implements Broker on a NATS connection.
type NATSBroker struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

// NewNATSBroker creates a NATS-backed broker with reconnection logic.
func NewNATSBroker(cfg config.NATSConfig, log *logger.Logger) (*NATSBroker, error) {
	b := &NATSBroker{
		logger: log,
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return b, nil
}

// Publish sends a message to a topic.
func (b *NATSBroker) Publish(ctx context.Context, topic string, payload interface{}) error {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.conn.Publish(topic, data); err != nil {
		b.logger.Error("failed to publish message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.logger.Debug("published message",
		zap.String("topic", topic),
		zap.String("message_id", msg.ID),
	)
	return nil
}

// PublishDelayed approximates delayed delivery by republishing after a local
// timer fires. Tolerance is a second or so, which is within the contract for
// schedule-grade delays.
func (b *NATSBroker) PublishDelayed(ctx context.Context, topic string, payload interface{}, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, topic, payload)
	}
	time.AfterFunc(delay, func() {
		if !b.conn.IsConnected() {
			b.logger.Warn("delayed publish skipped, connection down",
				zap.String("topic", topic))
			return
		}
		if err := b.Publish(context.Background(), topic, payload); err != nil {
			b.logger.Error("delayed publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	})
	return nil
}

// Consume registers a queue-group consumer so each message is load-balanced
// to one process.
func (b *NATSBroker) Consume(topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, consumerGroup, func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message",
				zap.String("topic", natsMsg.Subject),
				zap.Error(err),
			)
			return
		}

		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("message handler failed",
				zap.String("topic", natsMsg.Subject),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("consumer registered",
		zap.String("topic", topic),
		zap.String("queue", consumerGroup),
	)
	return &natsSubscription{sub: sub}, nil
}

// Close closes the NATS connection gracefully.
func (b *NATSBroker) Close() {
	if b.conn != nil {
		// Drain processes pending messages before closing.
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBroker) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
