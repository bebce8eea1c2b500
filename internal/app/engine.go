/**
 * @description
 * This file contains the ledger engine, the only component allowed to move stars.
 * It validates requests, bounds every storage call with a timeout, consults the
 * fraud gate for entry rewards and delegates each mutation to a single atomic
 * repository call keyed by the caller's idempotency key.
 *
 * @notes
 * - A timed-out or cancelled call surfaces as store.ErrStorageUnavailable and is
 *   safe to retry with the same idempotency key.
 * - Every public operation emits exactly one outcome event.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/hongbao/ledger-service/internal/store"
)

const defaultOperationTimeout = 5 * time.Second

// EngineOptions wires the engine's collaborators. Nil collaborators disable
// their step: no cooldown, no velocity tracking, or an allow-all gate.
type EngineOptions struct {
	Gate               FraudGate
	Velocity           VelocityTracker
	Cooldown           Cooldown
	Outcomes           *OutcomeRecorder
	OperationTimeout   time.Duration
	LowTrustMultiplier float64
	JournalPageSize    int
	Now                func() time.Time
}

// Engine implements charge, credit, entry rewards and refunds.
type Engine struct {
	repo               store.Repository
	gate               FraudGate
	velocity           VelocityTracker
	cooldown           Cooldown
	outcomes           *OutcomeRecorder
	timeout            time.Duration
	lowTrustMultiplier float64
	pageSize           int
	now                func() time.Time
}

func NewEngine(repo store.Repository, opts EngineOptions) *Engine {
	e := &Engine{
		repo:               repo,
		gate:               opts.Gate,
		velocity:           opts.Velocity,
		cooldown:           opts.Cooldown,
		outcomes:           opts.Outcomes,
		timeout:            opts.OperationTimeout,
		lowTrustMultiplier: opts.LowTrustMultiplier,
		pageSize:           opts.JournalPageSize,
		now:                opts.Now,
	}
	if e.gate == nil {
		e.gate = AllowAllGate{}
	}
	if e.timeout <= 0 {
		e.timeout = defaultOperationTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) record(ctx context.Context, operation, status string, start time.Time, accountID, groupID, key string) {
	e.outcomes.Record(ctx, domain.OutcomeEvent{
		Operation:      operation,
		Status:         status,
		Latency:        e.now().Sub(start),
		AccountID:      accountID,
		GroupID:        groupID,
		IdempotencyKey: key,
		OccurredAt:     e.now().UTC(),
	})
}

func chargeStatus(result *domain.ChargeResult, err error) string {
	if err == nil && result != nil && result.Duplicate {
		return "duplicate"
	}
	return outcomeStatus(err, "ok")
}

// GetBalance returns the account, or store.ErrNotFound if it was never opened.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (*domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.repo.GetAccount(ctx, accountID)
}

// OpenAccount creates the account on first activity. Opening an existing account is a no-op.
func (e *Engine) OpenAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	start := e.now()
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	account, err := e.repo.EnsureAccount(opCtx, accountID)
	e.record(ctx, "open_account", outcomeStatus(err, "ok"), start, accountID, "", "")
	return account, err
}

// Charge debits an account for a paid operation.
func (e *Engine) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	start := e.now()
	result, err := e.charge(ctx, req)
	e.record(ctx, "charge", chargeStatus(result, err), start, req.AccountID, "", req.IdempotencyKey)
	if err != nil {
		log.Printf("level=warn component=engine op=charge outcome=%s account_id=%s reason=%s key=%s err=%v", ErrorCode(err), req.AccountID, req.Reason, req.IdempotencyKey, err)
	}
	return result, err
}

func (e *Engine) charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	switch {
	case strings.TrimSpace(req.AccountID) == "":
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	case req.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case !req.Reason.Valid() || req.Reason.Direction() != domain.Debit:
		return nil, fmt.Errorf("%w: %q is not a debit reason", ErrInvalidRequest, req.Reason)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}

	return e.applyDelta(ctx, store.ApplyDeltaParams{
		AccountID:      strings.TrimSpace(req.AccountID),
		Amount:         -req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
	})
}

// Credit tops up an account with an adjustment, opening it if needed.
func (e *Engine) Credit(ctx context.Context, req domain.CreditRequest) (*domain.ChargeResult, error) {
	start := e.now()
	result, err := e.credit(ctx, req)
	e.record(ctx, "credit", chargeStatus(result, err), start, req.AccountID, "", req.IdempotencyKey)
	return result, err
}

func (e *Engine) credit(ctx context.Context, req domain.CreditRequest) (*domain.ChargeResult, error) {
	switch {
	case strings.TrimSpace(req.AccountID) == "":
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	case req.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}

	return e.applyDelta(ctx, store.ApplyDeltaParams{
		AccountID:       strings.TrimSpace(req.AccountID),
		Amount:          req.Amount,
		Reason:          domain.ReasonAdjustment,
		IdempotencyKey:  req.IdempotencyKey,
		Note:            req.Note,
		CreateIfMissing: true,
	})
}

// Refund credits back all or part of an earlier debit. The refund is keyed on
// the original debit, so at most one refund exists per debit and replays are
// reported as duplicates.
func (e *Engine) Refund(ctx context.Context, req domain.RefundRequest) (*domain.ChargeResult, error) {
	start := e.now()
	result, err := e.refund(ctx, req)
	accountID := ""
	if result != nil {
		accountID = result.AccountID
	}
	e.record(ctx, "refund", chargeStatus(result, err), start, accountID, "", RefundKey(req.OriginalIdempotencyKey))
	if err != nil {
		log.Printf("level=warn component=engine op=refund outcome=%s original_key=%s err=%v", ErrorCode(err), req.OriginalIdempotencyKey, err)
	}
	return result, err
}

func (e *Engine) refund(ctx context.Context, req domain.RefundRequest) (*domain.ChargeResult, error) {
	originalKey := strings.TrimSpace(req.OriginalIdempotencyKey)
	if originalKey == "" {
		return nil, fmt.Errorf("%w: original_idempotency_key is required", ErrInvalidRequest)
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidRequest)
	}

	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	original, err := e.repo.FindEntryByKey(opCtx, originalKey)
	if err != nil {
		return nil, err
	}
	if original.Amount >= 0 || original.Reason.Direction() != domain.Debit {
		return nil, fmt.Errorf("%w: entry %s is not a refundable debit", ErrInvalidRequest, originalKey)
	}

	charged := -original.Amount
	amount := req.Amount
	if amount == 0 {
		amount = charged
	}
	if amount > charged {
		return nil, fmt.Errorf("%w: refund of %d exceeds original debit of %d", ErrInvalidRequest, amount, charged)
	}

	reference := original.IdempotencyKey
	return e.applyDelta(ctx, store.ApplyDeltaParams{
		AccountID:      original.AccountID,
		Amount:         amount,
		Reason:         domain.ReasonRefund,
		IdempotencyKey: RefundKey(originalKey),
		ReferenceKey:   &reference,
		Note:           strings.TrimSpace(req.Reason),
	})
}

func (e *Engine) applyDelta(ctx context.Context, params store.ApplyDeltaParams) (*domain.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	delta, err := e.repo.ApplyDelta(ctx, params)
	if err != nil {
		return nil, err
	}
	return chargeResult(delta), nil
}

func chargeResult(delta *store.DeltaResult) *domain.ChargeResult {
	return &domain.ChargeResult{
		AccountID:    delta.Entry.AccountID,
		BalanceAfter: delta.Entry.BalanceAfter,
		Applied:      delta.Applied,
		Duplicate:    !delta.Applied,
		Entry:        delta.Entry,
	}
}

// GrantEntryReward pays a group's entry reward to a joining account at most once.
// Every business outcome is reported through the result with a nil error; errors
// are reserved for invalid input and storage failures.
func (e *Engine) GrantEntryReward(ctx context.Context, req domain.GrantRequest) (*domain.GrantResult, error) {
	start := e.now()
	result, err := e.grantEntryReward(ctx, req)

	status := outcomeStatus(err, "")
	if err == nil {
		status = string(result.Reason)
		if result.Duplicate {
			status = "duplicate"
		}
	}
	e.record(ctx, "grant_entry_reward", status, start, req.AccountID, req.GroupID, req.IdempotencyKey)
	return result, err
}

func (e *Engine) grantEntryReward(ctx context.Context, req domain.GrantRequest) (*domain.GrantResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.GroupID = strings.TrimSpace(req.GroupID)
	switch {
	case req.AccountID == "":
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	case req.GroupID == "":
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// A replayed key skips cooldown and velocity so that it observes the first
	// result. A cooldown hit is not final and is checked again.
	previous, err := e.repo.FindRewardClaimByKey(ctx, req.IdempotencyKey)
	replay := err == nil && previous.Status != domain.ClaimStatusCooldown
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	decision := domain.Allow()
	if !replay {
		if blocked, result, err := e.checkCooldown(ctx, req); err != nil || blocked {
			return result, err
		}
		decision = e.decide(ctx, req)
	}

	params := store.ReserveParams{
		GroupID:            req.GroupID,
		AccountID:          req.AccountID,
		IdempotencyKey:     req.IdempotencyKey,
		Decision:           decision,
		LowTrustMultiplier: e.lowTrustMultiplier,
		Now:                e.now(),
	}
	reserved, err := e.repo.ReserveEntryReward(ctx, params)
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent request with the same key committed first; replay it.
		reserved, err = e.repo.ReserveEntryReward(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	if reserved.Reason == domain.GrantDenied && !reserved.Duplicate {
		log.Printf("level=warn component=engine op=grant_entry_reward outcome=denied msg=\"flagged for review\" account_id=%s group_id=%s key=%s",
			req.AccountID, req.GroupID, req.IdempotencyKey)
	}

	result := &domain.GrantResult{
		Granted:         reserved.Granted,
		Reason:          reserved.Reason,
		BalanceAfter:    reserved.BalanceAfter,
		RemainingBudget: reserved.RemainingBudget,
		Duplicate:       reserved.Duplicate,
	}
	if reserved.Granted {
		result.PointsAwarded = reserved.Claim.PointsAwarded
	}
	return result, nil
}

// checkCooldown records a cooldown attempt when the account is inside its cooldown.
func (e *Engine) checkCooldown(ctx context.Context, req domain.GrantRequest) (bool, *domain.GrantResult, error) {
	if e.cooldown == nil {
		return false, nil, nil
	}
	allowed, err := e.cooldown.Acquire(ctx, req.AccountID)
	if err != nil {
		log.Printf("level=warn component=engine op=grant_entry_reward msg=\"cooldown check failed; continuing\" account_id=%s err=%v", req.AccountID, err)
		return false, nil, nil
	}
	if allowed {
		return false, nil, nil
	}

	claim, err := e.repo.RecordRewardAttempt(ctx, req.GroupID, req.AccountID, domain.ClaimStatusCooldown, req.IdempotencyKey)
	if err != nil {
		return true, nil, err
	}
	result := &domain.GrantResult{Reason: domain.GrantCooldown}
	if claim.Status == domain.ClaimStatusOK {
		result.Reason = domain.GrantAlreadyClaimed
	}
	if account, err := e.repo.GetAccount(ctx, req.AccountID); err == nil {
		result.BalanceAfter = account.Balance
	}
	return true, result, nil
}

// decide resolves the fraud signal and asks the gate. Velocity tracking failures fail open.
func (e *Engine) decide(ctx context.Context, req domain.GrantRequest) domain.Decision {
	var signal domain.FraudSignal
	switch {
	case req.Signal != nil:
		signal = *req.Signal
	case e.velocity != nil:
		observed, err := e.velocity.Observe(ctx, req.AccountID, req.GroupID, req.Fingerprint)
		if err != nil {
			log.Printf("level=warn component=engine op=grant_entry_reward msg=\"velocity tracking failed; continuing\" account_id=%s err=%v", req.AccountID, err)
		}
		signal = observed
	}
	return e.gate.Evaluate(req.AccountID, req.GroupID, signal)
}

// EntriesFor streams an account's journal in commit order, starting after afterID.
func (e *Engine) EntriesFor(ctx context.Context, accountID string, afterID int64) iter.Seq2[domain.LedgerEntry, error] {
	return store.EntriesFor(ctx, e.repo, strings.TrimSpace(accountID), afterID, e.pageSize)
}
