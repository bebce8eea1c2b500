package store

import (
	"context"
	"fmt"
)

// schemaStatements are applied in order on startup. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS star_accounts (
		account_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CONSTRAINT star_accounts_balance_check CHECK (balance >= 0),
		lifetime_earned BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_earned >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS star_ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES star_accounts(account_id),
		amount BIGINT NOT NULL CHECK (amount <> 0),
		reason TEXT NOT NULL CHECK (reason IN ('group_create', 'group_pin', 'entry_reward', 'refund', 'adjustment')),
		idempotency_key TEXT NOT NULL UNIQUE,
		reference_key TEXT,
		note TEXT NOT NULL DEFAULT '',
		balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_star_ledger_entries_account ON star_ledger_entries (account_id, id)`,
	`CREATE TABLE IF NOT EXISTS public_groups (
		id UUID PRIMARY KEY,
		creator_account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		invite_link TEXT NOT NULL,
		creation_cost BIGINT NOT NULL DEFAULT 0,
		pin_cost BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		creation_key TEXT NOT NULL UNIQUE,
		charge_key TEXT,
		failure_reason TEXT,
		entry_reward_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		entry_reward_points BIGINT NOT NULL DEFAULT 0,
		entry_reward_pool_max BIGINT NOT NULL DEFAULT 0,
		risk_score INTEGER NOT NULL DEFAULT 0,
		risk_flags TEXT[] NOT NULL DEFAULT '{}',
		review_required BOOLEAN NOT NULL DEFAULT FALSE,
		pinned_until TIMESTAMPTZ,
		creating_started_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_public_groups_status ON public_groups (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_public_groups_creator ON public_groups (creator_account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_public_groups_invite_link ON public_groups (invite_link)`,
	`CREATE TABLE IF NOT EXISTS reward_pools (
		group_id TEXT PRIMARY KEY,
		points_per_grant BIGINT NOT NULL CHECK (points_per_grant >= 0),
		remaining_budget BIGINT CHECK (remaining_budget IS NULL OR (remaining_budget >= 0 AND remaining_budget <= cap)),
		cap BIGINT NOT NULL CHECK (cap >= 0),
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS reward_claims (
		group_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		points_awarded BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('ok', 'pool_exhausted', 'denied_fraud', 'cooldown')),
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (group_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id BIGSERIAL PRIMARY KEY,
		exchange TEXT NOT NULL,
		routing_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processing_started_at TIMESTAMPTZ,
		published_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_pending ON event_outbox (status, next_attempt_at)`,
}

// EnsureSchema creates the ledger tables if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
