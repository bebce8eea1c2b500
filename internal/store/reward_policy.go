package store

import (
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
)

// planReservation decides the claim outcome for a locked pool. It covers the
// budget check, the cold-start reduction and the fraud decision; claim
// uniqueness is checked by the caller before planning.
func planReservation(pool domain.RewardPool, params ReserveParams) (domain.ClaimStatus, int64) {
	nominal := pool.PointsPerGrant
	if nominal <= 0 || pool.Exhausted(nominal) {
		return domain.ClaimStatusPoolExhausted, 0
	}

	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}

	var multipliers []float64
	if pool.ColdStartLapsed(now) && params.LowTrustMultiplier > 0 {
		multipliers = append(multipliers, params.LowTrustMultiplier)
	}

	switch params.Decision.Kind {
	case domain.DecisionDeny:
		return domain.ClaimStatusDeniedFraud, 0
	case domain.DecisionThrottle:
		multipliers = append(multipliers, params.Decision.Multiplier)
	}

	points := domain.ScalePoints(nominal, multipliers...)
	if points <= 0 {
		return domain.ClaimStatusDeniedFraud, 0
	}
	return domain.ClaimStatusOK, points
}

// slotState is what a reservation does with the claim already stored for its
// (group, account) slot.
type slotState int

const (
	slotOpen slotState = iota
	slotReplay
	slotTaken
)

// replayable reports whether a stored claim is a final answer for its key. A
// cooldown hit is transient and is evaluated again on the next call.
func replayable(claim *domain.RewardClaim) bool {
	return claim.Status != domain.ClaimStatusCooldown
}

// classifySlot is checked under the pool lock. A request that lost the race to
// a concurrent request with the same key must replay that request's outcome.
func classifySlot(existing *domain.RewardClaim, key string) slotState {
	switch {
	case existing == nil:
		return slotOpen
	case existing.IdempotencyKey == key && replayable(existing):
		return slotReplay
	case existing.Status == domain.ClaimStatusOK:
		return slotTaken
	default:
		return slotOpen
	}
}

// pinCharge is the operator debit for pinning group, or nil when pins are free.
func pinCharge(group *domain.Group, params PinGroupParams) *ApplyDeltaParams {
	if group.PinCost <= 0 {
		return nil
	}
	reference := group.ID.String()
	return &ApplyDeltaParams{
		AccountID:      params.OperatorAccountID,
		Amount:         -group.PinCost,
		Reason:         domain.ReasonGroupPin,
		IdempotencyKey: params.ChargeKey,
		ReferenceKey:   &reference,
		Note:           "pin " + reference,
	}
}

// applyPoolUpdate mutates a pool in place. A lowered cap clamps the remaining
// budget, disabling empties it, and an explicit remaining budget is clamped to the cap.
func applyPoolUpdate(pool *domain.RewardPool, params domain.UpdateRewardPoolParams) {
	if params.PointsPerGrant != nil {
		pool.PointsPerGrant = *params.PointsPerGrant
	}
	if params.Cap != nil {
		pool.Cap = *params.Cap
		if pool.RemainingBudget != nil && *pool.RemainingBudget > pool.Cap {
			clamped := pool.Cap
			pool.RemainingBudget = &clamped
		}
	}
	if params.Enabled != nil {
		pool.Enabled = *params.Enabled
		if !pool.Enabled {
			var empty int64
			pool.RemainingBudget = &empty
		}
	}
	if params.Remaining != nil {
		remaining := *params.Remaining
		if remaining > pool.Cap {
			remaining = pool.Cap
		}
		if remaining < 0 {
			remaining = 0
		}
		pool.RemainingBudget = &remaining
	}
}
