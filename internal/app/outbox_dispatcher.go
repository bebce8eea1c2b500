package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hongbao/ledger-service/internal/store"
	"github.com/hongbao/ledger-service/pkg/rabbitmq"
)

const (
	outboxBatchSize       = 50
	outboxPollInterval    = 1200 * time.Millisecond
	outboxLeaseTimeout    = 2 * time.Minute
	outboxMaxRetrySeconds = 300
)

// OutboxRepository is the slice of the store the dispatcher needs.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// PublisherFactory opens a broker publisher on demand.
type PublisherFactory func() (rabbitmq.Publisher, error)

// RabbitPublisherFactory dials RabbitMQ at url for each new producer.
func RabbitPublisherFactory(url string) PublisherFactory {
	return func() (rabbitmq.Publisher, error) {
		return rabbitmq.NewEventProducer(url)
	}
}

// OutboxDispatcher relays committed ledger facts (group creation requests) from
// the outbox table to the broker. Delivery is at least once; consumers dedupe on
// the event id.
type OutboxDispatcher struct {
	repo         OutboxRepository
	open         PublisherFactory
	publisher    rabbitmq.Publisher
	interval     time.Duration
	leaseTimeout time.Duration
}

func NewOutboxDispatcher(repo OutboxRepository, open PublisherFactory, pollInterval time.Duration) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = outboxPollInterval
	}
	return &OutboxDispatcher{
		repo:         repo,
		open:         open,
		interval:     pollInterval,
		leaseTimeout: outboxLeaseTimeout,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by the
// next one so a backlog drains without waiting for the poll interval.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	defer d.dropPublisher()

	timer := time.NewTimer(d.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := d.interval
		claimed, _, err := d.flush(ctx)
		switch {
		case err != nil:
			log.Printf("level=warn component=outbox msg=\"outbox flush failed\" err=%v", err)
		case claimed == outboxBatchSize:
			next = 0
		}
		timer.Reset(next)
	}
}

// FlushOnce publishes one batch of due messages and returns how many were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	_, published, err := d.flush(ctx)
	return published, err
}

func (d *OutboxDispatcher) flush(ctx context.Context) (claimed, published int, err error) {
	messages, err := d.repo.ClaimOutboxMessages(ctx, outboxBatchSize, int(d.leaseTimeout/time.Second))
	if err != nil {
		return 0, 0, err
	}

	for _, message := range messages {
		if err := d.relay(ctx, message); err != nil {
			delay := retryDelaySeconds(message.Attempts)
			log.Printf("level=warn component=outbox outbox_id=%d routing_key=%s attempts=%d retry_after_s=%d msg=\"relay failed\" err=%v",
				message.ID, message.RoutingKey, message.Attempts, delay, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, delay, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox outbox_id=%d msg=\"failed to reschedule\" err=%v", message.ID, markErr)
			}
			continue
		}
		// The lease expires and the message is sent again if this mark is lost.
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=warn component=outbox outbox_id=%d msg=\"failed to mark published\" err=%v", message.ID, err)
			continue
		}
		published++
	}
	return len(messages), published, nil
}

func (d *OutboxDispatcher) relay(ctx context.Context, message store.OutboxMessage) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if d.publisher == nil {
		publisher, err := d.open()
		if err != nil {
			return fmt.Errorf("open publisher: %w", err)
		}
		d.publisher = publisher
	}
	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
		// Reconnect on the next message.
		d.dropPublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) dropPublisher() {
	if d.publisher == nil {
		return
	}
	d.publisher.Close()
	d.publisher = nil
}

// retryDelaySeconds backs off exponentially by attempt, capped at five minutes.
func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	return min(1<<min(attempt, 8), outboxMaxRetrySeconds)
}
