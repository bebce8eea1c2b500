package app

import (
	"errors"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/hongbao/ledger-service/internal/store"
)

// Caller-facing outcomes that are not storage failures. Store sentinels
// (store.ErrInsufficientFunds, store.ErrNotFound, ...) pass through unchanged.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrPoolExhausted   = errors.New("reward pool exhausted")
	ErrAlreadyClaimed  = errors.New("entry reward already claimed")
	ErrFraudDenied     = errors.New("entry reward denied")
	ErrCooldown        = errors.New("entry reward cooldown active")
	ErrGroupNotActive  = store.ErrGroupNotActive
	ErrPinLimitReached = store.ErrPinLimitReached
)

// GrantError maps a non-granted reward result to its sentinel. It returns nil for granted results.
func GrantError(result domain.GrantResult) error {
	switch result.Reason {
	case domain.GrantOK:
		return nil
	case domain.GrantAlreadyClaimed:
		return ErrAlreadyClaimed
	case domain.GrantPoolExhausted:
		return ErrPoolExhausted
	case domain.GrantDenied:
		return ErrFraudDenied
	case domain.GrantCooldown:
		return ErrCooldown
	default:
		return ErrInvalidRequest
	}
}

// ErrorCode classifies an error into the stable code reported to callers and metrics.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, store.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrFraudDenied):
		return "denied"
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.Is(err, ErrGroupNotActive):
		return "group_not_active"
	case errors.Is(err, ErrPinLimitReached):
		return "pin_limit_reached"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "error"
	}
}
