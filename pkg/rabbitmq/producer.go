/**
 * @description
 * This package publishes ledger events to RabbitMQ topic exchanges and consumes
 * provisioning results back from them. The producer runs its channel in confirm
 * mode: Publish returns only after the broker has taken responsibility for the
 * message, which is what lets the outbox mark a row as published.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/google/uuid: Message ids for publishes without one.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 10 * time.Second

var (
	// ErrNotConfigured is returned when no broker URL was supplied.
	ErrNotConfigured = errors.New("rabbitmq url not configured")
	// ErrNotConfirmed is returned when the broker nacks a publish.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
)

// Publisher sends JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer is a confirm-mode Publisher over a single channel.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", ErrNotConfigured
	}
	// Drop anything pasted in front of the scheme, e.g. "RABBITMQ_URL=amqp://...".
	if i := strings.Index(strings.ToLower(clean), "amqp"); i > 0 {
		clean = clean[i:]
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	switch parsed.Scheme {
	case "amqp", "amqps":
		return clean, nil
	default:
		return "", fmt.Errorf("unsupported amqp scheme %q", parsed.Scheme)
	}
}

func NewEventProducer(amqpURL string) (*EventProducer, error) {
	target, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(target, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	p := &EventProducer{conn: conn}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventProducer) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.ch = ch
	p.declared = make(map[string]bool)
	return nil
}

// Publish marshals body, publishes it persistently and waits for the broker's
// confirm. A closed channel is reopened once before giving up.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", routingKey, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID(body),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if p.conn == nil || p.conn.IsClosed() {
			return amqp.ErrClosed
		}
		if err := p.openChannel(); err != nil {
			return err
		}
	}
	return p.publishConfirmed(ctx, exchange, routingKey, msg)
}

func (p *EventProducer) publishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if !p.declared[exchange] {
		if err := p.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%w: routing_key=%s message_id=%s", ErrNotConfirmed, routingKey, msg.MessageId)
	}
	return nil
}

// messageID reuses the event's own id so consumers can dedupe redeliveries.
func messageID(body interface{}) string {
	if fields, ok := body.(map[string]interface{}); ok {
		if id, _ := fields["event_id"].(string); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
