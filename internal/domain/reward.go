package domain

import "time"

// RewardPool is the capped entry-reward budget of a single group.
// A nil RemainingBudget means the pool is unlimited.
type RewardPool struct {
	GroupID         string     `json:"group_id"`
	PointsPerGrant  int64      `json:"points_per_grant"`
	RemainingBudget *int64     `json:"remaining_budget"`
	Cap             int64      `json:"cap"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Exhausted reports whether the pool can no longer pay the given amount.
func (p RewardPool) Exhausted(points int64) bool {
	if !p.Enabled {
		return true
	}
	if p.RemainingBudget == nil {
		return false
	}
	return *p.RemainingBudget < points || *p.RemainingBudget == 0
}

// ColdStartLapsed reports whether the pool's cold-start window has ended at now.
func (p RewardPool) ColdStartLapsed(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

type ClaimStatus string

const (
	ClaimStatusOK            ClaimStatus = "ok"
	ClaimStatusPoolExhausted ClaimStatus = "pool_exhausted"
	ClaimStatusDeniedFraud   ClaimStatus = "denied_fraud"
	ClaimStatusCooldown      ClaimStatus = "cooldown"
)

// RewardClaim is the single (group, account) claim slot.
type RewardClaim struct {
	GroupID        string      `json:"group_id"`
	AccountID      string      `json:"account_id"`
	PointsAwarded  int64       `json:"points_awarded"`
	Status         ClaimStatus `json:"status"`
	IdempotencyKey string      `json:"idempotency_key"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// GrantReason is the caller-visible outcome of an entry reward request.
type GrantReason string

const (
	GrantOK             GrantReason = "ok"
	GrantAlreadyClaimed GrantReason = "already_claimed"
	GrantPoolExhausted  GrantReason = "pool_exhausted"
	GrantDenied         GrantReason = "denied"
	GrantCooldown       GrantReason = "cooldown"
)

// GrantReasonForClaim maps a stored claim status to the outcome reported to callers.
func GrantReasonForClaim(status ClaimStatus) GrantReason {
	switch status {
	case ClaimStatusOK:
		return GrantOK
	case ClaimStatusPoolExhausted:
		return GrantPoolExhausted
	case ClaimStatusDeniedFraud:
		return GrantDenied
	case ClaimStatusCooldown:
		return GrantCooldown
	default:
		return GrantReason(status)
	}
}

// GrantRequest asks for a group's entry reward on behalf of a joining account.
type GrantRequest struct {
	AccountID      string       `json:"account_id"`
	GroupID        string       `json:"group_id"`
	Signal         *FraudSignal `json:"fraud_signal,omitempty"`
	Fingerprint    string       `json:"fingerprint,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type GrantResult struct {
	Granted         bool        `json:"granted"`
	PointsAwarded   int64       `json:"points_awarded"`
	Reason          GrantReason `json:"reason"`
	BalanceAfter    int64       `json:"balance_after"`
	RemainingBudget *int64      `json:"remaining_budget,omitempty"`
	Duplicate       bool        `json:"duplicate,omitempty"`
}

// UpdateRewardPoolParams carries an authorized change to a pool. Nil fields are left as-is.
type UpdateRewardPoolParams struct {
	PointsPerGrant *int64 `json:"points_per_grant,omitempty"`
	Cap            *int64 `json:"cap,omitempty"`
	Remaining      *int64 `json:"remaining,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}
