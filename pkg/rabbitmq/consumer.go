package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning false asks for a redelivery.
type Handler func(body []byte) bool

// ConsumerOptions tunes delivery. With a DeadLetterExchange, a message whose
// handler fails again after redelivery is parked in "<queue>.dead" instead of
// being re-queued forever.
type ConsumerOptions struct {
	Prefetch           int
	DeadLetterExchange string
}

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts ConsumerOptions
}

func NewConsumer(amqpURL string, opts ConsumerOptions) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, opts: opts}, nil
}

// ConsumeWithBindings declares a durable queue on a topic exchange, binds one
// routing key per handler and dispatches deliveries in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	args, err := c.declareDeadLetter(queueName)
	if err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	deadLetter := c.opts.DeadLetterExchange != ""
	go func() {
		for d := range msgs {
			dispatch(handlers, d, deadLetter)
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

// declareDeadLetter sets up the parking queue and returns the main queue's arguments.
func (c *Consumer) declareDeadLetter(queueName string) (amqp.Table, error) {
	dlx := c.opts.DeadLetterExchange
	if dlx == "" {
		return nil, nil
	}
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare dead-letter exchange %s: %w", dlx, err)
	}
	dead, err := c.ch.QueueDeclare(queueName+".dead", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := c.ch.QueueBind(dead.Name, "", dlx, false, nil); err != nil {
		return nil, fmt.Errorf("bind dead-letter queue: %w", err)
	}
	return amqp.Table{"x-dead-letter-exchange": dlx}, nil
}

// dispatch settles one delivery. A failure is re-queued once; a redelivered
// failure goes to the dead-letter exchange when one is configured.
func dispatch(handlers map[string]Handler, d amqp.Delivery, deadLetter bool) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", d.RoutingKey)
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}

	requeue := !(deadLetter && d.Redelivered)
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed\" routing_key=%s redelivered=%t requeue=%t message_id=%s",
		d.RoutingKey, d.Redelivered, requeue, d.MessageId)
	_ = d.Nack(false, requeue)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
