// Package queue wraps the RabbitMQ broker behind a small publish/consume
// API. Queues are durable, messages are persistent, and consumers run with
// prefetch 1 for fair dispatch across worker replicas.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// reconnectDelay paces reconnection attempts after a broker disconnect.
const reconnectDelay = 5 * time.Second

// Handler processes one message body. A nil return acknowledges the
// message; an error negatively acknowledges it without requeue (the broker
// redelivers on disconnect, not on handler failure — poison messages must
// not loop).
type Handler func(ctx context.Context, body []byte) error

// Manager owns one connection to the broker. Connections are established
// lazily and re-established after failures.
type Manager struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewManager creates a manager for the given AMQP URL.
func NewManager(url string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{url: url, logger: logger}
}

// channel returns a live channel, dialing the broker if necessary.
func (m *Manager) channel() (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != nil && !m.ch.IsClosed() {
		return m.ch, nil
	}

	if m.conn == nil || m.conn.IsClosed() {
		conn, err := amqp.Dial(m.url)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		m.conn = conn
	}

	ch, err := m.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	m.ch = ch
	return ch, nil
}

// reset drops the cached channel and connection so the next call redials.
func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// declare ensures the queue exists with durable settings.
func declare(ch *amqp.Channel, queueName string) error {
	_, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return nil
}

// Publish sends one JSON message to the queue as a persistent delivery.
// A failed publish retries once on a fresh connection before giving up.
func (m *Manager) Publish(ctx context.Context, queueName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	publish := func() error {
		ch, err := m.channel()
		if err != nil {
			return err
		}
		if err := declare(ch, queueName); err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	}

	if err := publish(); err != nil {
		m.logger.Warn("publish failed, reconnecting", "queue", queueName, "error", err)
		m.reset()
		if err := publish(); err != nil {
			return fmt.Errorf("publish to %s: %w", queueName, err)
		}
	}
	return nil
}

// Consume processes messages from the queue until the context is canceled,
// reconnecting after broker disconnects. Every delivery ends in exactly one
// ack or nack.
func (m *Manager) Consume(ctx context.Context, queueName string, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.consumeOnce(ctx, queueName, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("consumer disconnected, retrying", "queue", queueName, "error", err)
			m.reset()

			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// consumeOnce runs one consumer session on the current connection. Returns
// when the delivery channel closes or the context is canceled.
func (m *Manager) consumeOnce(ctx context.Context, queueName string, handler Handler) error {
	ch, err := m.channel()
	if err != nil {
		return err
	}
	if err := declare(ch, queueName); err != nil {
		return err
	}

	// Prefetch 1: don't hand a worker a second message while it still
	// holds an unacknowledged one.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	m.logger.Info("consuming", "queue", queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for %s", queueName)
			}
			if err := handler(ctx, d.Body); err != nil {
				m.logger.Error("handler failed", "queue", queueName, "error", err)
				if nackErr := d.Nack(false, false); nackErr != nil {
					m.logger.Error("nack failed", "queue", queueName, "error", nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				m.logger.Error("ack failed", "queue", queueName, "error", ackErr)
			}
		}
	}
}

// Close shuts down the broker connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}
