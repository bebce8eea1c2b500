/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the ledger-service needs. All ledger-mutating methods execute as one
 * atomic unit and translate storage failures into the package's sentinel errors,
 * so no raw driver error crosses this boundary.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Group identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hongbao/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account store
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	EnsureAccount(ctx context.Context, accountID string) (*domain.Account, error)
	ApplyDelta(ctx context.Context, params ApplyDeltaParams) (*DeltaResult, error)

	// Ledger journal
	FindEntryByKey(ctx context.Context, idempotencyKey string) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, afterID int64, limit int) ([]domain.LedgerEntry, error)

	// Reward pools and claims
	CreateRewardPool(ctx context.Context, pool domain.RewardPool) (*domain.RewardPool, error)
	GetRewardPool(ctx context.Context, groupID string) (*domain.RewardPool, error)
	UpdateRewardPool(ctx context.Context, groupID string, params domain.UpdateRewardPoolParams) (*domain.RewardPool, error)
	ReserveEntryReward(ctx context.Context, params ReserveParams) (*ReserveResult, error)
	RecordRewardAttempt(ctx context.Context, groupID, accountID string, status domain.ClaimStatus, idempotencyKey string) (*domain.RewardClaim, error)
	FindRewardClaimByKey(ctx context.Context, idempotencyKey string) (*domain.RewardClaim, error)

	// Groups
	CreateGroup(ctx context.Context, group *domain.Group) (*domain.Group, bool, error)
	GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	TransitionGroup(ctx context.Context, groupID uuid.UUID, from, to domain.GroupStatus, failureReason *string) (*domain.Group, error)
	CompleteGroupCharge(ctx context.Context, params CompleteGroupChargeParams) (*domain.Group, error)
	CountGroupsByInviteLink(ctx context.Context, inviteLink string) (int, error)
	CountRecentGroupsByCreator(ctx context.Context, creatorAccountID string, since time.Time) (int, error)
	ListGroupsInStatusBefore(ctx context.Context, status domain.GroupStatus, before time.Time, limit int) ([]domain.Group, error)
	ListFailedGroupsAwaitingRefund(ctx context.Context, refundKeyPrefix string, limit int) ([]domain.Group, error)
	PinGroup(ctx context.Context, params PinGroupParams) (*PinGroupResult, error)
	SetGroupPin(ctx context.Context, groupID uuid.UUID, pinnedUntil *time.Time) (*domain.Group, error)

	// Event outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// ApplyDeltaParams describes a single balance mutation and its journal entry.
type ApplyDeltaParams struct {
	AccountID      string
	Amount         int64
	Reason         domain.Reason
	IdempotencyKey string
	ReferenceKey   *string
	Note           string
	// CreateIfMissing opens the account on first activity instead of failing with ErrAccountNotFound.
	CreateIfMissing bool
}

// DeltaResult reports the journal entry for a mutation. Applied is false when the
// idempotency key had already been recorded and the stored entry was returned instead.
type DeltaResult struct {
	Entry   domain.LedgerEntry
	Applied bool
}

// ReserveParams drives one entry-reward reservation.
type ReserveParams struct {
	GroupID        string
	AccountID      string
	IdempotencyKey string
	Decision       domain.Decision
	// LowTrustMultiplier scales the reward once the pool's cold-start window has lapsed.
	LowTrustMultiplier float64
	Now                time.Time
}

type ReserveResult struct {
	Claim           domain.RewardClaim
	Reason          domain.GrantReason
	Granted         bool
	Entry           *domain.LedgerEntry
	BalanceAfter    int64
	RemainingBudget *int64
	Duplicate       bool
}

// CompleteGroupChargeParams commits a group's creation charge together with the
// charging -> creating transition and the durable creation-requested fact.
type CompleteGroupChargeParams struct {
	GroupID    uuid.UUID
	Charge     *ApplyDeltaParams
	Exchange   string
	RoutingKey string
	Event      interface{}
	Now        time.Time
}

// PinGroupParams pins an active group and debits its pin cost from the operator
// in one transaction. ChargeKey must already identify the group.
type PinGroupParams struct {
	GroupID           uuid.UUID
	OperatorAccountID string
	ChargeKey         string
	Duration          time.Duration
	PinLimit          int
	Now               time.Time
}

// PinGroupResult carries the pinned group and its charge. Charge is nil for a
// free pin; Charge.Applied is false when ChargeKey had already been paid.
type PinGroupResult struct {
	Group  *domain.Group
	Charge *DeltaResult
}

type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
