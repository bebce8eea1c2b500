package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAccountNotFound     = fmt.Errorf("account %w", ErrNotFound)
	ErrEntryNotFound       = fmt.Errorf("ledger entry %w", ErrNotFound)
	ErrGroupNotFound       = fmt.Errorf("group %w", ErrNotFound)
	ErrPoolNotFound        = fmt.Errorf("reward pool %w", ErrNotFound)
	ErrClaimNotFound       = fmt.Errorf("reward claim %w", ErrNotFound)
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicate           = errors.New("duplicate idempotency key")
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different operation")
	ErrInvalidTransition   = errors.New("invalid group status transition")
	ErrGroupNotActive      = errors.New("group is not active")
	ErrPinLimitReached     = errors.New("pin limit reached")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgUndefinedTable       = "42P01"
)

var domainErrors = []error{
	ErrNotFound,
	ErrInsufficientFunds,
	ErrDuplicate,
	ErrIdempotencyConflict,
	ErrInvalidTransition,
	ErrGroupNotActive,
	ErrPinLimitReached,
	ErrStorageUnavailable,
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

// translateError converts driver failures into the store's error taxonomy.
// Errors that already carry a store sentinel pass through with op context added;
// everything else becomes ErrStorageUnavailable without wrapping the driver error.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w: constraint=%s", op, ErrDuplicate, pgErr.ConstraintName)
		case pgCheckViolation:
			if pgErr.ConstraintName == "star_accounts_balance_check" {
				return fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
			}
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%s: %w: sqlstate=%s", op, ErrStorageUnavailable, pgErr.Code)
		}
		return fmt.Errorf("%s: %w: sqlstate=%s", op, ErrStorageUnavailable, pgErr.Code)
	}

	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
