/**
 * @description
 * Group models owned jointly with the directory service. Only the fields that
 * affect the ledger contract (costs, lifecycle status, reward configuration) are
 * modelled here, plus the risk assessment recorded at creation time.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

type GroupStatus string

const (
	GroupStatusDraft    GroupStatus = "draft"
	GroupStatusCharging GroupStatus = "charging"
	GroupStatusCreating GroupStatus = "creating"
	GroupStatusActive   GroupStatus = "active"
	GroupStatusFailed   GroupStatus = "failed"
	GroupStatusRemoved  GroupStatus = "removed"
)

var groupTransitions = map[GroupStatus][]GroupStatus{
	GroupStatusDraft:    {GroupStatusCharging},
	GroupStatusCharging: {GroupStatusCreating, GroupStatusDraft},
	GroupStatusCreating: {GroupStatusActive, GroupStatusFailed},
	GroupStatusActive:   {GroupStatusRemoved},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to GroupStatus) bool {
	for _, next := range groupTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s GroupStatus) Terminal() bool {
	return len(groupTransitions[s]) == 0
}

// Group represents a public group and its ledger-relevant configuration.
type Group struct {
	ID                 uuid.UUID   `json:"id"`
	CreatorAccountID   string      `json:"creator_account_id"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	Tags               []string    `json:"tags"`
	InviteLink         string      `json:"invite_link"`
	CreationCost       int64       `json:"creation_cost"`
	PinCost            int64       `json:"pin_cost"`
	Status             GroupStatus `json:"status"`
	CreationKey        string      `json:"creation_key"`
	ChargeKey          *string     `json:"charge_key,omitempty"`
	FailureReason      *string     `json:"failure_reason,omitempty"`
	EntryRewardEnabled bool        `json:"entry_reward_enabled"`
	EntryRewardPoints  int64       `json:"entry_reward_points"`
	EntryRewardPoolMax int64       `json:"entry_reward_pool_max"`
	RiskScore          int         `json:"risk_score"`
	RiskFlags          []string    `json:"risk_flags"`
	ReviewRequired     bool        `json:"review_required"`
	PinnedUntil        *time.Time  `json:"pinned_until,omitempty"`
	CreatingStartedAt  *time.Time  `json:"creating_started_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Pinned reports whether the group holds an active pin at now.
func (g Group) Pinned(now time.Time) bool {
	return g.PinnedUntil != nil && g.PinnedUntil.After(now)
}

// CreateGroupRequest is the DTO for a new group creation attempt.
// Nil reward fields fall back to the configured defaults.
type CreateGroupRequest struct {
	CreatorAccountID   string   `json:"creator_account_id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Tags               []string `json:"tags"`
	InviteLink         string   `json:"invite_link"`
	EntryRewardEnabled *bool    `json:"entry_reward_enabled,omitempty"`
	EntryRewardPoints  *int64   `json:"entry_reward_points,omitempty"`
	EntryRewardPoolMax *int64   `json:"entry_reward_pool_max,omitempty"`
	IdempotencyKey     string   `json:"idempotency_key"`
}

// PinRequest charges the operator for pinning a group to the top of the directory.
type PinRequest struct {
	GroupID           uuid.UUID `json:"group_id"`
	OperatorAccountID string    `json:"operator_account_id"`
	DurationHours     int       `json:"duration_hours"`
	IdempotencyKey    string    `json:"idempotency_key"`
}

// RiskAssessment is the abuse score computed for a new group.
type RiskAssessment struct {
	Score int      `json:"score"`
	Flags []string `json:"flags"`
}
