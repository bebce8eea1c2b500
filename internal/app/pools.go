package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/hongbao/ledger-service/internal/store"
)

// RewardPools manages the per-group entry-reward budgets. Reservation itself is
// owned by the engine; this type opens, inspects and adjusts pools.
type RewardPools struct {
	repo            store.Repository
	maxPoints       int64
	coldStartWindow time.Duration
	timeout         time.Duration
	outcomes        *OutcomeRecorder
	now             func() time.Time
}

func NewRewardPools(repo store.Repository, maxPoints int64, coldStartWindow, timeout time.Duration, outcomes *OutcomeRecorder) *RewardPools {
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &RewardPools{
		repo:            repo,
		maxPoints:       maxPoints,
		coldStartWindow: coldStartWindow,
		timeout:         timeout,
		outcomes:        outcomes,
		now:             time.Now,
	}
}

// OpenForGroup creates the reward pool for a newly activated group. Opening an
// existing pool returns it unchanged.
func (p *RewardPools) OpenForGroup(ctx context.Context, group domain.Group) (*domain.RewardPool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	budget := int64(0)
	if group.EntryRewardEnabled {
		budget = group.EntryRewardPoolMax
	}
	pool := domain.RewardPool{
		GroupID:         group.ID.String(),
		PointsPerGrant:  group.EntryRewardPoints,
		RemainingBudget: &budget,
		Cap:             group.EntryRewardPoolMax,
		Enabled:         group.EntryRewardEnabled,
	}
	if p.coldStartWindow > 0 {
		expiresAt := p.now().UTC().Add(p.coldStartWindow)
		pool.ExpiresAt = &expiresAt
	}
	return p.repo.CreateRewardPool(ctx, pool)
}

func (p *RewardPools) Get(ctx context.Context, groupID string) (*domain.RewardPool, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalidRequest)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.repo.GetRewardPool(ctx, groupID)
}

// Update applies an authorized pool change. The store clamps the remaining
// budget to the (possibly new) cap.
func (p *RewardPools) Update(ctx context.Context, groupID string, params domain.UpdateRewardPoolParams) (*domain.RewardPool, error) {
	start := p.now()
	pool, err := p.update(ctx, groupID, params)
	p.outcomes.Record(ctx, domain.OutcomeEvent{
		Operation:  "update_reward_pool",
		Status:     outcomeStatus(err, "ok"),
		Latency:    p.now().Sub(start),
		GroupID:    strings.TrimSpace(groupID),
		OccurredAt: p.now().UTC(),
	})
	return pool, err
}

func (p *RewardPools) update(ctx context.Context, groupID string, params domain.UpdateRewardPoolParams) (*domain.RewardPool, error) {
	groupID = strings.TrimSpace(groupID)
	switch {
	case groupID == "":
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalidRequest)
	case params.PointsPerGrant != nil && (*params.PointsPerGrant < 0 || *params.PointsPerGrant > p.maxPoints):
		return nil, fmt.Errorf("%w: points_per_grant must be between 0 and %d", ErrInvalidRequest, p.maxPoints)
	case params.Cap != nil && *params.Cap < 0:
		return nil, fmt.Errorf("%w: cap must not be negative", ErrInvalidRequest)
	case params.Remaining != nil && *params.Remaining < 0:
		return nil, fmt.Errorf("%w: remaining must not be negative", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.repo.UpdateRewardPool(ctx, groupID, params)
}

// Disable zeroes a pool so that further grants fail closed.
func (p *RewardPools) Disable(ctx context.Context, groupID string) (*domain.RewardPool, error) {
	disabled := false
	return p.Update(ctx, groupID, domain.UpdateRewardPoolParams{Enabled: &disabled})
}

// disable is Disable without its own outcome, for operations that record one.
func (p *RewardPools) disable(ctx context.Context, groupID string) (*domain.RewardPool, error) {
	disabled := false
	return p.update(ctx, groupID, domain.UpdateRewardPoolParams{Enabled: &disabled})
}
