// Package events publishes chat lifecycle events to RabbitMQ so that other
// tooling (analytics, archiving) can follow activity without touching the
// database. Publishing is fire-and-forget; failures are logged by callers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeName = "polichat.events"

// Event names carried in the routing key.
const (
	TurnCompleted       = "chat.turn_completed"
	ConversationCreated = "conversation.created"
	ConversationDeleted = "conversation.deleted"
)

// Event is the JSON payload published per occurrence.
type Event struct {
	Name           string    `json:"name"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Query          string    `json:"query,omitempty"`
	Augmented      bool      `json:"augmented,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher emits events. A nil *AMQPPublisher is a valid no-op publisher so
// the wiring never has to branch on whether RabbitMQ is configured.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// AMQPPublisher publishes JSON events to a topic exchange.
type AMQPPublisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	url  string
}

// NewAMQPPublisher dials RabbitMQ and declares the topic exchange.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// Publish sends one event, reconnecting once on a closed channel.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.publishLocked(ctx, e.Name, body); err != nil {
		if reconnectErr := p.connect(); reconnectErr != nil {
			return err
		}
		return p.publishLocked(ctx, e.Name, body)
	}
	return nil
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
