/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * the account store and the ledger journal. Balance mutations lock the account row
 * with `SELECT ... FOR UPDATE` and append the journal entry in the same transaction,
 * so a mutation and its entry always commit or fail together.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `account_id, balance, lifetime_earned, created_at, updated_at`

const entryColumns = `id, account_id, amount, reason, idempotency_key, reference_key, note, balance_after, created_at`

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	if err := row.Scan(&account.ID, &account.Balance, &account.LifetimeEarned, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return nil, err
	}
	return &account, nil
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		entry  domain.LedgerEntry
		reason string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.AccountID,
		&entry.Amount,
		&reason,
		&entry.IdempotencyKey,
		&entry.ReferenceKey,
		&entry.Note,
		&entry.BalanceAfter,
		&entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	entry.Reason = domain.Reason(reason)
	return &entry, nil
}

// GetAccount returns the account or ErrAccountNotFound.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM star_accounts WHERE account_id = $1`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, translateError("get account", err)
	}
	return account, nil
}

// EnsureAccount opens a zero-balance account if it does not exist yet.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `
		INSERT INTO star_accounts (account_id)
		VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, accountID); err != nil {
		return nil, translateError("ensure account", err)
	}
	return r.GetAccount(ctx, accountID)
}

// ApplyDelta performs an atomic, idempotent balance mutation.
func (r *PostgresRepository) ApplyDelta(ctx context.Context, params ApplyDeltaParams) (*DeltaResult, error) {
	result, err := r.applyDeltaOnce(ctx, params)
	if errors.Is(err, ErrDuplicate) {
		// Another transaction committed the same key first; report its entry.
		existing, findErr := r.FindEntryByKey(ctx, params.IdempotencyKey)
		if findErr != nil {
			return nil, findErr
		}
		if !sameOperation(existing, params) {
			return nil, ErrIdempotencyConflict
		}
		return &DeltaResult{Entry: *existing, Applied: false}, nil
	}
	if err != nil {
		return nil, translateError("apply delta", err)
	}
	return result, nil
}

func (r *PostgresRepository) applyDeltaOnce(ctx context.Context, params ApplyDeltaParams) (*DeltaResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	result, err := applyDeltaTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// applyDeltaTx is the account-store primitive shared by every ledger-mutating
// transaction. The caller owns the transaction.
func applyDeltaTx(ctx context.Context, tx pgx.Tx, params ApplyDeltaParams) (*DeltaResult, error) {
	if params.CreateIfMissing {
		if _, err := tx.Exec(ctx, `INSERT INTO star_accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`, params.AccountID); err != nil {
			return nil, err
		}
	}

	var balance int64
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err := tx.QueryRow(ctx, `SELECT balance FROM star_accounts WHERE account_id = $1 FOR UPDATE`, params.AccountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	existing, err := findEntryByKey(ctx, tx, params.IdempotencyKey)
	switch {
	case err == nil:
		if !sameOperation(existing, params) {
			return nil, ErrIdempotencyConflict
		}
		return &DeltaResult{Entry: *existing, Applied: false}, nil
	case !errors.Is(err, ErrEntryNotFound):
		return nil, err
	}

	newBalance := balance + params.Amount
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	var earned int64
	if params.Amount > 0 && params.Reason.CountsAsEarning() {
		earned = params.Amount
	}

	_, err = tx.Exec(ctx, `
		UPDATE star_accounts
		SET balance = $2,
			lifetime_earned = lifetime_earned + $3,
			updated_at = NOW()
		WHERE account_id = $1
	`, params.AccountID, newBalance, earned)
	if err != nil {
		return nil, err
	}

	insertQuery := `
		INSERT INTO star_ledger_entries (account_id, amount, reason, idempotency_key, reference_key, note, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + entryColumns
	entry, err := scanEntry(tx.QueryRow(ctx, insertQuery,
		params.AccountID,
		params.Amount,
		string(params.Reason),
		params.IdempotencyKey,
		params.ReferenceKey,
		params.Note,
		newBalance,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicate
		}
		return nil, err
	}

	return &DeltaResult{Entry: *entry, Applied: true}, nil
}

// sameOperation reports whether a stored entry is a replay of params. A
// reference given by the caller must match the stored one.
func sameOperation(entry *domain.LedgerEntry, params ApplyDeltaParams) bool {
	if params.ReferenceKey != nil && (entry.ReferenceKey == nil || *entry.ReferenceKey != *params.ReferenceKey) {
		return false
	}
	return entry.AccountID == params.AccountID &&
		entry.Amount == params.Amount &&
		entry.Reason == params.Reason
}

func findEntryByKey(ctx context.Context, q querier, key string) (*domain.LedgerEntry, error) {
	entry, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM star_ledger_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// FindEntryByKey returns the journal entry recorded under an idempotency key.
func (r *PostgresRepository) FindEntryByKey(ctx context.Context, idempotencyKey string) (*domain.LedgerEntry, error) {
	entry, err := findEntryByKey(ctx, r.db, idempotencyKey)
	if err != nil {
		return nil, translateError("find entry", err)
	}
	return entry, nil
}

// ListEntries returns one forward-ordered page of an account's journal after the given entry id.
// Entries of a single account are written under its row lock, so id order is commit order.
func (r *PostgresRepository) ListEntries(ctx context.Context, accountID string, afterID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + entryColumns + `
		FROM star_ledger_entries
		WHERE account_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, accountID, afterID, limit)
	if err != nil {
		return nil, translateError("list entries", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, translateError("scan entry", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list entries", err)
	}
	return entries, nil
}
