package store

import (
	"context"
	"errors"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const poolColumns = `group_id, points_per_grant, remaining_budget, cap, enabled, created_at, expires_at, updated_at`

const claimColumns = `group_id, account_id, points_awarded, status, idempotency_key, created_at, updated_at`

// RewardEntryKey is the journal key of the credit paid out for a reward claim key.
func RewardEntryKey(claimKey string) string {
	return "entry_reward:" + claimKey
}

func scanPool(row rowScanner) (*domain.RewardPool, error) {
	var pool domain.RewardPool
	if err := row.Scan(
		&pool.GroupID,
		&pool.PointsPerGrant,
		&pool.RemainingBudget,
		&pool.Cap,
		&pool.Enabled,
		&pool.CreatedAt,
		&pool.ExpiresAt,
		&pool.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &pool, nil
}

func scanClaim(row rowScanner) (*domain.RewardClaim, error) {
	var (
		claim  domain.RewardClaim
		status string
	)
	if err := row.Scan(
		&claim.GroupID,
		&claim.AccountID,
		&claim.PointsAwarded,
		&status,
		&claim.IdempotencyKey,
		&claim.CreatedAt,
		&claim.UpdatedAt,
	); err != nil {
		return nil, err
	}
	claim.Status = domain.ClaimStatus(status)
	return &claim, nil
}

// CreateRewardPool inserts the pool for a group. An existing pool is returned unchanged.
func (r *PostgresRepository) CreateRewardPool(ctx context.Context, pool domain.RewardPool) (*domain.RewardPool, error) {
	query := `
		INSERT INTO reward_pools (group_id, points_per_grant, remaining_budget, cap, enabled, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query,
		pool.GroupID,
		pool.PointsPerGrant,
		pool.RemainingBudget,
		pool.Cap,
		pool.Enabled,
		pool.ExpiresAt,
	); err != nil {
		return nil, translateError("create reward pool", err)
	}
	return r.GetRewardPool(ctx, pool.GroupID)
}

func (r *PostgresRepository) GetRewardPool(ctx context.Context, groupID string) (*domain.RewardPool, error) {
	pool, err := scanPool(r.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM reward_pools WHERE group_id = $1`, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, translateError("get reward pool", err)
	}
	return pool, nil
}

// UpdateRewardPool applies an authorized change under the pool row lock.
func (r *PostgresRepository) UpdateRewardPool(ctx context.Context, groupID string, params domain.UpdateRewardPoolParams) (*domain.RewardPool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, translateError("update reward pool", err)
	}
	defer tx.Rollback(ctx)

	pool, err := lockPool(ctx, tx, groupID)
	if err != nil {
		return nil, translateError("update reward pool", err)
	}

	applyPoolUpdate(pool, params)

	updated, err := scanPool(tx.QueryRow(ctx, `
		UPDATE reward_pools
		SET points_per_grant = $2,
			remaining_budget = $3,
			cap = $4,
			enabled = $5,
			updated_at = NOW()
		WHERE group_id = $1
		RETURNING `+poolColumns,
		groupID, pool.PointsPerGrant, pool.RemainingBudget, pool.Cap, pool.Enabled,
	))
	if err != nil {
		return nil, translateError("update reward pool", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("update reward pool", err)
	}
	return updated, nil
}

func lockPool(ctx context.Context, tx pgx.Tx, groupID string) (*domain.RewardPool, error) {
	pool, err := scanPool(tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM reward_pools WHERE group_id = $1 FOR UPDATE`, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// ReserveEntryReward runs the whole reservation in one transaction. The pool row
// is locked first, so reservations for one group are serialized and the budget
// check and decrement cannot interleave.
func (r *PostgresRepository) ReserveEntryReward(ctx context.Context, params ReserveParams) (*ReserveResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, translateError("reserve entry reward", err)
	}
	defer tx.Rollback(ctx)

	result, err := reserveEntryRewardTx(ctx, tx, params)
	if err != nil {
		return nil, translateError("reserve entry reward", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("reserve entry reward", err)
	}
	return result, nil
}

func reserveEntryRewardTx(ctx context.Context, tx pgx.Tx, params ReserveParams) (*ReserveResult, error) {
	previous, err := findClaimByKey(ctx, tx, params.IdempotencyKey)
	switch {
	case err == nil:
		if previous.GroupID != params.GroupID || previous.AccountID != params.AccountID {
			return nil, ErrIdempotencyConflict
		}
		if replayable(previous) {
			return replayReservation(ctx, tx, *previous)
		}
	case !errors.Is(err, ErrClaimNotFound):
		return nil, err
	}

	pool, err := lockPool(ctx, tx, params.GroupID)
	if err != nil {
		return nil, err
	}

	existing, err := scanClaim(tx.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM reward_claims WHERE group_id = $1 AND account_id = $2 FOR UPDATE`,
		params.GroupID, params.AccountID,
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing = nil
	case err != nil:
		return nil, err
	}

	switch classifySlot(existing, params.IdempotencyKey) {
	case slotReplay:
		return replayReservation(ctx, tx, *existing)
	case slotTaken:
		balance, err := balanceOf(ctx, tx, params.AccountID)
		if err != nil {
			return nil, err
		}
		return &ReserveResult{
			Claim:           *existing,
			Reason:          domain.GrantAlreadyClaimed,
			BalanceAfter:    balance,
			RemainingBudget: pool.RemainingBudget,
		}, nil
	}

	status, points := planReservation(*pool, params)
	if status != domain.ClaimStatusOK {
		claim, err := upsertClaimTx(ctx, tx, params.GroupID, params.AccountID, status, 0, params.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		balance, err := balanceOf(ctx, tx, params.AccountID)
		if err != nil {
			return nil, err
		}
		return &ReserveResult{
			Claim:           *claim,
			Reason:          domain.GrantReasonForClaim(status),
			BalanceAfter:    balance,
			RemainingBudget: pool.RemainingBudget,
		}, nil
	}

	remaining := pool.RemainingBudget
	if remaining != nil {
		var left int64
		err := tx.QueryRow(ctx, `
			UPDATE reward_pools
			SET remaining_budget = remaining_budget - $2,
				updated_at = NOW()
			WHERE group_id = $1
			RETURNING remaining_budget
		`, params.GroupID, points).Scan(&left)
		if err != nil {
			return nil, err
		}
		remaining = &left
	}

	claim, err := upsertClaimTx(ctx, tx, params.GroupID, params.AccountID, domain.ClaimStatusOK, points, params.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	reference := params.GroupID
	delta, err := applyDeltaTx(ctx, tx, ApplyDeltaParams{
		AccountID:       params.AccountID,
		Amount:          points,
		Reason:          domain.ReasonEntryReward,
		IdempotencyKey:  RewardEntryKey(params.IdempotencyKey),
		ReferenceKey:    &reference,
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, err
	}

	entry := delta.Entry
	return &ReserveResult{
		Claim:           *claim,
		Reason:          domain.GrantOK,
		Granted:         true,
		Entry:           &entry,
		BalanceAfter:    entry.BalanceAfter,
		RemainingBudget: remaining,
	}, nil
}

// replayReservation rebuilds the result of an already-recorded attempt without mutating anything.
func replayReservation(ctx context.Context, q querier, claim domain.RewardClaim) (*ReserveResult, error) {
	result := &ReserveResult{
		Claim:     claim,
		Reason:    domain.GrantReasonForClaim(claim.Status),
		Duplicate: true,
	}

	pool, err := scanPool(q.QueryRow(ctx, `SELECT `+poolColumns+` FROM reward_pools WHERE group_id = $1`, claim.GroupID))
	switch {
	case err == nil:
		result.RemainingBudget = pool.RemainingBudget
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	if claim.Status == domain.ClaimStatusOK {
		entry, err := findEntryByKey(ctx, q, RewardEntryKey(claim.IdempotencyKey))
		if err != nil {
			return nil, err
		}
		result.Granted = true
		result.Entry = entry
		result.BalanceAfter = entry.BalanceAfter
		return result, nil
	}

	balance, err := balanceOf(ctx, q, claim.AccountID)
	if err != nil {
		return nil, err
	}
	result.BalanceAfter = balance
	return result, nil
}

// upsertClaimTx writes the claim slot. An ok row is never overwritten; in that
// case pgx.ErrNoRows is reported as ErrDuplicate.
func upsertClaimTx(ctx context.Context, q querier, groupID, accountID string, status domain.ClaimStatus, points int64, key string) (*domain.RewardClaim, error) {
	claim, err := scanClaim(q.QueryRow(ctx, `
		INSERT INTO reward_claims (group_id, account_id, points_awarded, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, account_id) DO UPDATE
		SET points_awarded = EXCLUDED.points_awarded,
			status = EXCLUDED.status,
			idempotency_key = EXCLUDED.idempotency_key,
			updated_at = NOW()
		WHERE reward_claims.status <> 'ok'
		RETURNING `+claimColumns,
		groupID, accountID, points, string(status), key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return claim, nil
}

// RecordRewardAttempt stores a failed attempt that never reached the pool, such
// as a cooldown hit. When the pair already holds an ok claim, that claim is returned.
func (r *PostgresRepository) RecordRewardAttempt(ctx context.Context, groupID, accountID string, status domain.ClaimStatus, idempotencyKey string) (*domain.RewardClaim, error) {
	claim, err := upsertClaimTx(ctx, r.db, groupID, accountID, status, 0, idempotencyKey)
	if errors.Is(err, ErrDuplicate) {
		existing, findErr := scanClaim(r.db.QueryRow(ctx,
			`SELECT `+claimColumns+` FROM reward_claims WHERE group_id = $1 AND account_id = $2`,
			groupID, accountID,
		))
		if findErr != nil {
			return nil, translateError("record reward attempt", findErr)
		}
		return existing, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrIdempotencyConflict
		}
		return nil, translateError("record reward attempt", err)
	}
	return claim, nil
}

func findClaimByKey(ctx context.Context, q querier, key string) (*domain.RewardClaim, error) {
	claim, err := scanClaim(q.QueryRow(ctx, `SELECT `+claimColumns+` FROM reward_claims WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

func (r *PostgresRepository) FindRewardClaimByKey(ctx context.Context, idempotencyKey string) (*domain.RewardClaim, error) {
	claim, err := findClaimByKey(ctx, r.db, idempotencyKey)
	if err != nil {
		return nil, translateError("find reward claim", err)
	}
	return claim, nil
}

// balanceOf reads a balance without locking. A missing account reads as zero.
func balanceOf(ctx context.Context, q querier, accountID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT balance FROM star_accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
