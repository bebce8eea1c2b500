package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	outboxClaimDefaultLimit = 50
	outboxLeaseSeconds      = 120
	outboxMaxErrorLength    = 2000
)

// claimOutboxSQL leases due rows: pending rows whose retry time has come, and
// processing rows whose lease ran out because their dispatcher died.
const claimOutboxSQL = `
UPDATE event_outbox
SET status = 'processing',
    processing_started_at = now(),
    attempts = attempts + 1
WHERE id IN (
    SELECT id FROM event_outbox
    WHERE (status = 'pending' AND next_attempt_at <= now())
       OR (status = 'processing' AND processing_started_at < now() - make_interval(secs => $2))
    ORDER BY id
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, exchange, routing_key, payload, attempts`

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = outboxClaimDefaultLimit
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = outboxLeaseSeconds
	}

	rows, err := r.db.Query(ctx, claimOutboxSQL, limit, staleAfterSeconds)
	if err != nil {
		return nil, translateError("claim outbox", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var msg OutboxMessage
		err := row.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &msg.Payload, &msg.Attempts)
		return msg, err
	})
	if err != nil {
		return nil, translateError("claim outbox", err)
	}
	return messages, nil
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE event_outbox
		 SET status = 'published', published_at = now(), processing_started_at = NULL, last_error = NULL
		 WHERE id = $1`, id)
	return translateError("mark outbox published", err)
}

// MarkOutboxFailed returns a leased row to pending with its next attempt
// retryAfterSeconds away.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	retryAfterSeconds = max(retryAfterSeconds, 1)
	if len(reason) > outboxMaxErrorLength {
		reason = reason[:outboxMaxErrorLength]
	}
	_, err := r.db.Exec(ctx,
		`UPDATE event_outbox
		 SET status = 'pending',
		     next_attempt_at = now() + make_interval(secs => $2),
		     processing_started_at = NULL,
		     last_error = $3
		 WHERE id = $1 AND status = 'processing'`, id, retryAfterSeconds, reason)
	return translateError("mark outbox failed", err)
}

// insertOutboxTx records a fact inside the caller's transaction, so it is
// published only if the transaction commits.
func insertOutboxTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO event_outbox (exchange, routing_key, payload) VALUES ($1, $2, $3)`,
		strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(payload))
	return err
}
