/**
 * @description
 * This file drives the public group lifecycle: draft -> charging -> creating ->
 * active | failed, and active -> removed. The ledger takes part at two points:
 * the creation charge, committed together with the charging -> creating
 * transition and the durable creation-requested fact, and the refund issued when
 * provisioning fails or times out.
 *
 * @notes
 * - Creation is idempotent on the caller's key; a retried request resumes the
 *   group from whatever stage it reached.
 * - Provisioning results for groups that already left `creating` are acknowledged
 *   and ignored, so redelivered events are harmless.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/hongbao/ledger-service/internal/store"
)

const (
	GroupCreationRequestedRoutingKey = "group.creation.requested"
	ProvisioningSucceeded            = "succeeded"
	ProvisioningFailed               = "failed"
	ProvisioningTimeoutReason        = "provisioning_timeout"

	recentCreationWindow = 10 * time.Minute
	sweepBatchSize       = 100
)

// GroupSettings carries the configured costs, limits and deadlines of the lifecycle.
type GroupSettings struct {
	CreateCost          int64
	PinCost             int64
	PinLimit            int
	PinDuration         time.Duration
	DefaultRewardPoints int64
	DefaultRewardPool   int64
	MaxRewardPoints     int64
	ProvisioningTimeout time.Duration
	ChargingStaleAfter  time.Duration
	EventsExchange      string
	OperationTimeout    time.Duration
	Now                 func() time.Time
}

// PinResult reports the pinned group and the charge that paid for it.
type PinResult struct {
	Group  *domain.Group        `json:"group"`
	Charge *domain.ChargeResult `json:"charge,omitempty"`
}

type GroupLifecycle struct {
	repo     store.Repository
	engine   *Engine
	pools    *RewardPools
	settings GroupSettings
	outcomes *OutcomeRecorder
}

func NewGroupLifecycle(repo store.Repository, engine *Engine, pools *RewardPools, settings GroupSettings, outcomes *OutcomeRecorder) *GroupLifecycle {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.OperationTimeout <= 0 {
		settings.OperationTimeout = defaultOperationTimeout
	}
	if settings.PinDuration <= 0 {
		settings.PinDuration = 24 * time.Hour
	}
	return &GroupLifecycle{
		repo:     repo,
		engine:   engine,
		pools:    pools,
		settings: settings,
		outcomes: outcomes,
	}
}

func (l *GroupLifecycle) record(ctx context.Context, operation string, err error, start time.Time, accountID string, groupID uuid.UUID, key string) {
	event := domain.OutcomeEvent{
		Operation:      operation,
		Status:         outcomeStatus(err, "ok"),
		Latency:        l.settings.Now().Sub(start),
		AccountID:      accountID,
		IdempotencyKey: key,
		OccurredAt:     l.settings.Now().UTC(),
	}
	if groupID != uuid.Nil {
		event.GroupID = groupID.String()
	}
	l.outcomes.Record(ctx, event)
}

// CreateGroup registers a group, charges its creation cost and requests
// provisioning. On insufficient funds the group is left in draft.
func (l *GroupLifecycle) CreateGroup(ctx context.Context, req domain.CreateGroupRequest) (*domain.Group, error) {
	start := l.settings.Now()
	group, err := l.createGroup(ctx, req)
	groupID := uuid.Nil
	if group != nil {
		groupID = group.ID
	}
	l.record(ctx, "create_group", err, start, req.CreatorAccountID, groupID, req.IdempotencyKey)
	return group, err
}

func (l *GroupLifecycle) createGroup(ctx context.Context, req domain.CreateGroupRequest) (*domain.Group, error) {
	group, err := l.newGroup(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	assessment, review, err := l.assessRisk(ctx, group)
	if err != nil {
		return nil, err
	}
	group.RiskScore = assessment.Score
	group.RiskFlags = assessment.Flags
	group.ReviewRequired = review

	stored, created, err := l.repo.CreateGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	if created && review {
		log.Printf("level=warn component=groups group_id=%s creator=%s risk_score=%d flags=%v msg=\"group flagged for review\"",
			stored.ID, stored.CreatorAccountID, assessment.Score, assessment.Flags)
	}
	return l.resumeCreation(ctx, stored)
}

func (l *GroupLifecycle) newGroup(req domain.CreateGroupRequest) (*domain.Group, error) {
	group := &domain.Group{
		CreatorAccountID:   strings.TrimSpace(req.CreatorAccountID),
		Name:               strings.TrimSpace(req.Name),
		Description:        strings.TrimSpace(req.Description),
		InviteLink:         strings.TrimSpace(req.InviteLink),
		CreationKey:        strings.TrimSpace(req.IdempotencyKey),
		CreationCost:       l.settings.CreateCost,
		PinCost:            l.settings.PinCost,
		EntryRewardEnabled: true,
		EntryRewardPoints:  l.settings.DefaultRewardPoints,
		EntryRewardPoolMax: l.settings.DefaultRewardPool,
		Status:             domain.GroupStatusDraft,
	}
	for _, tag := range req.Tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			group.Tags = append(group.Tags, trimmed)
		}
	}
	if req.EntryRewardEnabled != nil {
		group.EntryRewardEnabled = *req.EntryRewardEnabled
	}
	if req.EntryRewardPoints != nil {
		group.EntryRewardPoints = *req.EntryRewardPoints
	}
	if req.EntryRewardPoolMax != nil {
		group.EntryRewardPoolMax = *req.EntryRewardPoolMax
	}

	switch {
	case group.CreatorAccountID == "":
		return nil, fmt.Errorf("%w: creator_account_id is required", ErrInvalidRequest)
	case group.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	case group.InviteLink == "":
		return nil, fmt.Errorf("%w: invite_link is required", ErrInvalidRequest)
	case group.CreationKey == "":
		return nil, fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	case group.EntryRewardPoints < 0 || group.EntryRewardPoints > l.settings.MaxRewardPoints:
		return nil, fmt.Errorf("%w: entry_reward_points must be between 0 and %d", ErrInvalidRequest, l.settings.MaxRewardPoints)
	case group.EntryRewardPoolMax < 0:
		return nil, fmt.Errorf("%w: entry_reward_pool_max must not be negative", ErrInvalidRequest)
	}
	return group, nil
}

func (l *GroupLifecycle) assessRisk(ctx context.Context, group *domain.Group) (domain.RiskAssessment, bool, error) {
	duplicates, err := l.repo.CountGroupsByInviteLink(ctx, group.InviteLink)
	if err != nil {
		return domain.RiskAssessment{}, false, err
	}
	recent, err := l.repo.CountRecentGroupsByCreator(ctx, group.CreatorAccountID, l.settings.Now().Add(-recentCreationWindow))
	if err != nil {
		return domain.RiskAssessment{}, false, err
	}
	assessment, review := ScoreGroupRisk(RiskInput{
		Name:                 group.Name,
		Description:          group.Description,
		Tags:                 group.Tags,
		DuplicateInviteLinks: duplicates,
		RecentCreations:      recent,
	})
	return assessment, review, nil
}

// resumeCreation advances a group from wherever an earlier attempt left it.
func (l *GroupLifecycle) resumeCreation(ctx context.Context, group *domain.Group) (*domain.Group, error) {
	if group.Status == domain.GroupStatusDraft {
		moved, err := l.repo.TransitionGroup(ctx, group.ID, domain.GroupStatusDraft, domain.GroupStatusCharging, nil)
		switch {
		case err == nil:
			group = moved
		case errors.Is(err, store.ErrInvalidTransition):
			// A concurrent retry moved it first.
			if group, err = l.repo.GetGroup(ctx, group.ID); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	if group.Status != domain.GroupStatusCharging {
		return group, nil
	}
	return l.completeCharge(ctx, group)
}

func (l *GroupLifecycle) completeCharge(ctx context.Context, group *domain.Group) (*domain.Group, error) {
	chargeKey := GroupChargeKey(group.CreationKey)
	event := domain.GroupCreationRequestedEvent{
		EventID:          uuid.NewString(),
		GroupID:          group.ID.String(),
		CreatorAccountID: group.CreatorAccountID,
		Name:             group.Name,
		InviteLink:       group.InviteLink,
		CreationCost:     group.CreationCost,
		ReviewRequired:   group.ReviewRequired,
		OccurredAt:       l.settings.Now().UTC(),
	}
	params := store.CompleteGroupChargeParams{
		GroupID:    group.ID,
		Exchange:   l.settings.EventsExchange,
		RoutingKey: GroupCreationRequestedRoutingKey,
		Now:        l.settings.Now().UTC(),
	}
	if group.CreationCost > 0 {
		reference := group.ID.String()
		params.Charge = &store.ApplyDeltaParams{
			AccountID:      group.CreatorAccountID,
			Amount:         -group.CreationCost,
			Reason:         domain.ReasonGroupCreate,
			IdempotencyKey: chargeKey,
			ReferenceKey:   &reference,
			Note:           "group creation",
		}
		event.ChargeKey = chargeKey
	}
	params.Event = event

	completed, err := l.repo.CompleteGroupCharge(ctx, params)
	if err == nil {
		log.Printf("level=info component=groups group_id=%s status=%s charge_key=%s msg=\"creation charged, provisioning requested\"", completed.ID, completed.Status, chargeKey)
		return completed, nil
	}
	if errors.Is(err, store.ErrInsufficientFunds) {
		if _, revertErr := l.repo.TransitionGroup(ctx, group.ID, domain.GroupStatusCharging, domain.GroupStatusDraft, nil); revertErr != nil {
			log.Printf("level=error component=groups group_id=%s msg=\"failed to revert group to draft\" err=%v", group.ID, revertErr)
		}
	}
	return nil, err
}

// HandleProvisioningResult applies the provisioning collaborator's verdict.
func (l *GroupLifecycle) HandleProvisioningResult(ctx context.Context, event domain.ProvisioningStatusEvent) (*domain.Group, error) {
	start := l.settings.Now()
	groupID, err := uuid.Parse(strings.TrimSpace(event.GroupID))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid group_id %q", ErrInvalidRequest, event.GroupID)
	}
	group, err := l.handleProvisioningResult(ctx, groupID, event)
	l.record(ctx, "provisioning_result", err, start, "", groupID, event.EventID)
	return group, err
}

func (l *GroupLifecycle) handleProvisioningResult(ctx context.Context, groupID uuid.UUID, event domain.ProvisioningStatusEvent) (*domain.Group, error) {
	status := normalizeProvisioningStatus(event.Status)
	if status == "" {
		return nil, fmt.Errorf("%w: unknown provisioning status %q", ErrInvalidRequest, event.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	group, err := l.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	switch {
	case status == ProvisioningSucceeded && group.Status == domain.GroupStatusCreating:
		activated, err := l.repo.TransitionGroup(ctx, group.ID, domain.GroupStatusCreating, domain.GroupStatusActive, nil)
		if err != nil {
			return nil, err
		}
		if _, err := l.pools.OpenForGroup(ctx, *activated); err != nil {
			return nil, err
		}
		log.Printf("level=info component=groups group_id=%s msg=\"group activated\"", activated.ID)
		return activated, nil
	case status == ProvisioningSucceeded && group.Status == domain.GroupStatusActive:
		// Redelivery after a crash between activation and pool creation.
		if _, err := l.pools.OpenForGroup(ctx, *group); err != nil {
			return nil, err
		}
		return group, nil
	case status == ProvisioningFailed && (group.Status == domain.GroupStatusCreating || group.Status == domain.GroupStatusFailed):
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "provisioning_failed"
		}
		return l.failGroup(ctx, group, reason)
	default:
		log.Printf("level=warn component=groups group_id=%s status=%s provisioning=%s msg=\"ignoring provisioning result\"", group.ID, group.Status, status)
		return group, nil
	}
}

func normalizeProvisioningStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "success", "successful", "completed", "active":
		return ProvisioningSucceeded
	case "failed", "failure", "error", "rejected":
		return ProvisioningFailed
	default:
		return ""
	}
}

// failGroup marks the group failed and then refunds its creation charge. The
// transition comes first so a group activated in the meantime keeps its charge.
// Both steps are idempotent, so a failed group may be passed again to finish a
// refund.
func (l *GroupLifecycle) failGroup(ctx context.Context, group *domain.Group, reason string) (*domain.Group, error) {
	if group.Status != domain.GroupStatusFailed {
		failed, err := l.repo.TransitionGroup(ctx, group.ID, domain.GroupStatusCreating, domain.GroupStatusFailed, &reason)
		switch {
		case err == nil:
			group = failed
		case errors.Is(err, store.ErrInvalidTransition):
			current, getErr := l.repo.GetGroup(ctx, group.ID)
			if getErr != nil {
				return nil, getErr
			}
			if current.Status != domain.GroupStatusFailed {
				log.Printf("level=warn component=groups group_id=%s status=%s msg=\"group left creating before failure; keeping charge\"", current.ID, current.Status)
				return current, nil
			}
			group = current
		default:
			return nil, err
		}
	}

	if err := l.refundCreation(ctx, group, reason); err != nil {
		return nil, err
	}
	return group, nil
}

func (l *GroupLifecycle) refundCreation(ctx context.Context, group *domain.Group, reason string) error {
	if group.ChargeKey == nil {
		return nil
	}
	refund, err := l.engine.Refund(ctx, domain.RefundRequest{
		OriginalIdempotencyKey: *group.ChargeKey,
		Reason:                 reason,
	})
	if err != nil {
		return fmt.Errorf("failed to refund group %s: %w", group.ID, err)
	}
	if refund.Applied {
		log.Printf("level=info component=groups group_id=%s refunded=%d balance_after=%d reason=%s", group.ID, refund.Entry.Amount, refund.BalanceAfter, reason)
	}
	return nil
}

// ExpireStaleCreations fails groups stuck in creating past the provisioning
// deadline and returns abandoned charging groups to draft. It returns the number
// of groups moved.
func (l *GroupLifecycle) ExpireStaleCreations(ctx context.Context, now time.Time) (int, error) {
	moved := 0

	if l.settings.ProvisioningTimeout > 0 {
		listCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
		stale, err := l.repo.ListGroupsInStatusBefore(listCtx, domain.GroupStatusCreating, now.Add(-l.settings.ProvisioningTimeout), sweepBatchSize)
		cancel()
		if err != nil {
			return moved, err
		}
		for i := range stale {
			start := l.settings.Now()
			opCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
			_, err := l.failGroup(opCtx, &stale[i], ProvisioningTimeoutReason)
			cancel()
			l.record(ctx, "expire_creation", err, start, stale[i].CreatorAccountID, stale[i].ID, "")
			if err != nil {
				log.Printf("level=error component=groups group_id=%s msg=\"failed to expire stale creation\" err=%v", stale[i].ID, err)
				continue
			}
			moved++
		}
	}

	// Groups failed by an earlier pass whose refund did not go through.
	listCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	unrefunded, err := l.repo.ListFailedGroupsAwaitingRefund(listCtx, RefundKey(""), sweepBatchSize)
	cancel()
	if err != nil {
		return moved, err
	}
	for i := range unrefunded {
		reason := ProvisioningTimeoutReason
		if unrefunded[i].FailureReason != nil {
			reason = *unrefunded[i].FailureReason
		}
		opCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
		err := l.refundCreation(opCtx, &unrefunded[i], reason)
		cancel()
		if err != nil {
			log.Printf("level=error component=groups group_id=%s msg=\"failed to retry creation refund\" err=%v", unrefunded[i].ID, err)
		}
	}

	if l.settings.ChargingStaleAfter > 0 {
		listCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
		stuck, err := l.repo.ListGroupsInStatusBefore(listCtx, domain.GroupStatusCharging, now.Add(-l.settings.ChargingStaleAfter), sweepBatchSize)
		cancel()
		if err != nil {
			return moved, err
		}
		for _, group := range stuck {
			opCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
			_, err := l.repo.TransitionGroup(opCtx, group.ID, domain.GroupStatusCharging, domain.GroupStatusDraft, nil)
			cancel()
			if err != nil {
				log.Printf("level=warn component=groups group_id=%s msg=\"failed to reset charging group\" err=%v", group.ID, err)
				continue
			}
			moved++
		}
	}
	return moved, nil
}

// RemoveGroup takes an active group down and closes its reward pool.
func (l *GroupLifecycle) RemoveGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	start := l.settings.Now()
	removed, err := l.removeGroup(ctx, groupID)
	accountID := ""
	if removed != nil {
		accountID = removed.CreatorAccountID
	}
	l.record(ctx, "remove_group", err, start, accountID, groupID, "")
	return removed, err
}

func (l *GroupLifecycle) removeGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	removed, err := l.repo.TransitionGroup(ctx, groupID, domain.GroupStatusActive, domain.GroupStatusRemoved, nil)
	if err != nil {
		return nil, err
	}
	if _, err := l.pools.disable(ctx, groupID.String()); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("level=warn component=groups group_id=%s msg=\"failed to disable reward pool\" err=%v", groupID, err)
	}
	return removed, nil
}

// PinGroup charges the operator and pins an active group. A group that is already
// pinned may be re-pinned even when the pin limit is reached.
func (l *GroupLifecycle) PinGroup(ctx context.Context, req domain.PinRequest) (*PinResult, error) {
	start := l.settings.Now()
	result, err := l.pinGroup(ctx, req)
	l.record(ctx, "pin_group", err, start, req.OperatorAccountID, req.GroupID, req.IdempotencyKey)
	return result, err
}

func (l *GroupLifecycle) pinGroup(ctx context.Context, req domain.PinRequest) (*PinResult, error) {
	switch {
	case req.GroupID == uuid.Nil:
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.OperatorAccountID) == "":
		return nil, fmt.Errorf("%w: operator_account_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	case req.DurationHours < 0:
		return nil, fmt.Errorf("%w: duration_hours must not be negative", ErrInvalidRequest)
	}
	duration := l.settings.PinDuration
	if req.DurationHours > 0 {
		duration = time.Duration(req.DurationHours) * time.Hour
	}

	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()

	// The limit check, the debit and the pin commit together.
	pinned, err := l.repo.PinGroup(ctx, store.PinGroupParams{
		GroupID:           req.GroupID,
		OperatorAccountID: strings.TrimSpace(req.OperatorAccountID),
		ChargeKey:         PinChargeKey(req.GroupID.String(), req.IdempotencyKey),
		Duration:          duration,
		PinLimit:          l.settings.PinLimit,
		Now:               l.settings.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	result := &PinResult{Group: pinned.Group}
	if pinned.Charge != nil {
		result.Charge = chargeResult(pinned.Charge)
	}
	return result, nil
}

func (l *GroupLifecycle) UnpinGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	start := l.settings.Now()
	opCtx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	group, err := l.repo.SetGroupPin(opCtx, groupID, nil)
	cancel()
	l.record(ctx, "unpin_group", err, start, "", groupID, "")
	return group, err
}

func (l *GroupLifecycle) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, l.settings.OperationTimeout)
	defer cancel()
	return l.repo.GetGroup(ctx, groupID)
}
