package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hongbao/ledger-service/internal/domain"
)

// MemoryRepository is an in-process Repository. A single mutex stands in for the
// row locks of the Postgres implementation, so every method is one atomic unit.
// It backs LEDGER_STORE=memory and the service tests.
type MemoryRepository struct {
	mu sync.Mutex

	now func() time.Time

	accounts   map[string]*domain.Account
	entries    []domain.LedgerEntry
	entryByKey map[string]int

	pools      map[string]*domain.RewardPool
	claims     map[claimSlot]*domain.RewardClaim
	claimByKey map[string]claimSlot

	groups             map[uuid.UUID]*domain.Group
	groupByCreationKey map[string]uuid.UUID

	outbox []*memoryOutboxMessage
}

var _ Repository = (*MemoryRepository)(nil)

type claimSlot struct {
	groupID   string
	accountID string
}

type memoryOutboxMessage struct {
	OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:                time.Now,
		accounts:           make(map[string]*domain.Account),
		entryByKey:         make(map[string]int),
		pools:              make(map[string]*domain.RewardPool),
		claims:             make(map[claimSlot]*domain.RewardClaim),
		claimByKey:         make(map[string]claimSlot),
		groups:             make(map[uuid.UUID]*domain.Group),
		groupByCreationKey: make(map[string]uuid.UUID),
	}
}

// SetClock replaces the repository clock. Tests use it to age groups and pools.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("get account", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *MemoryRepository) EnsureAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("ensure account", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *m.ensureAccountLocked(accountID)
	return &copied, nil
}

func (m *MemoryRepository) ensureAccountLocked(accountID string) *domain.Account {
	account, ok := m.accounts[accountID]
	if !ok {
		now := m.now()
		account = &domain.Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
		m.accounts[accountID] = account
	}
	return account
}

func (m *MemoryRepository) ApplyDelta(ctx context.Context, params ApplyDeltaParams) (*DeltaResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("apply delta", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.applyDeltaLocked(params)
}

// checkDeltaLocked validates a mutation without applying it. It returns the
// stored entry when the key was already applied.
func (m *MemoryRepository) checkDeltaLocked(params ApplyDeltaParams) (*domain.LedgerEntry, error) {
	if idx, ok := m.entryByKey[params.IdempotencyKey]; ok {
		existing := m.entries[idx]
		if !sameOperation(&existing, params) {
			return nil, ErrIdempotencyConflict
		}
		return &existing, nil
	}
	account, ok := m.accounts[params.AccountID]
	if !ok {
		if params.CreateIfMissing {
			if params.Amount < 0 {
				return nil, ErrInsufficientFunds
			}
			return nil, nil
		}
		return nil, ErrAccountNotFound
	}
	if account.Balance+params.Amount < 0 {
		return nil, ErrInsufficientFunds
	}
	return nil, nil
}

func (m *MemoryRepository) applyDeltaLocked(params ApplyDeltaParams) (*DeltaResult, error) {
	existing, err := m.checkDeltaLocked(params)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &DeltaResult{Entry: *existing, Applied: false}, nil
	}

	account := m.ensureAccountLocked(params.AccountID)
	now := m.now()
	account.Balance += params.Amount
	if params.Amount > 0 && params.Reason.CountsAsEarning() {
		account.LifetimeEarned += params.Amount
	}
	account.UpdatedAt = now

	entry := domain.LedgerEntry{
		ID:             int64(len(m.entries) + 1),
		AccountID:      params.AccountID,
		Amount:         params.Amount,
		Reason:         params.Reason,
		IdempotencyKey: params.IdempotencyKey,
		ReferenceKey:   params.ReferenceKey,
		Note:           params.Note,
		BalanceAfter:   account.Balance,
		CreatedAt:      now,
	}
	m.entries = append(m.entries, entry)
	m.entryByKey[params.IdempotencyKey] = len(m.entries) - 1
	return &DeltaResult{Entry: entry, Applied: true}, nil
}

func (m *MemoryRepository) FindEntryByKey(ctx context.Context, idempotencyKey string) (*domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("find entry", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.entryByKey[idempotencyKey]
	if !ok {
		return nil, ErrEntryNotFound
	}
	entry := m.entries[idx]
	return &entry, nil
}

func (m *MemoryRepository) ListEntries(ctx context.Context, accountID string, afterID int64, limit int) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("list entries", err)
	}
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	page := make([]domain.LedgerEntry, 0, limit)
	for _, entry := range m.entries {
		if entry.ID <= afterID || entry.AccountID != accountID {
			continue
		}
		page = append(page, entry)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func clonePool(pool *domain.RewardPool) *domain.RewardPool {
	copied := *pool
	if pool.RemainingBudget != nil {
		remaining := *pool.RemainingBudget
		copied.RemainingBudget = &remaining
	}
	if pool.ExpiresAt != nil {
		expires := *pool.ExpiresAt
		copied.ExpiresAt = &expires
	}
	return &copied
}

func (m *MemoryRepository) CreateRewardPool(ctx context.Context, pool domain.RewardPool) (*domain.RewardPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("create reward pool", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pools[pool.GroupID]; ok {
		return clonePool(existing), nil
	}
	now := m.now()
	stored := clonePool(&pool)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.pools[pool.GroupID] = stored
	return clonePool(stored), nil
}

func (m *MemoryRepository) GetRewardPool(ctx context.Context, groupID string) (*domain.RewardPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("get reward pool", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[groupID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return clonePool(pool), nil
}

func (m *MemoryRepository) UpdateRewardPool(ctx context.Context, groupID string, params domain.UpdateRewardPoolParams) (*domain.RewardPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("update reward pool", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[groupID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	applyPoolUpdate(pool, params)
	pool.UpdatedAt = m.now()
	return clonePool(pool), nil
}

func (m *MemoryRepository) ReserveEntryReward(ctx context.Context, params ReserveParams) (*ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("reserve entry reward", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot, ok := m.claimByKey[params.IdempotencyKey]; ok {
		if slot.groupID != params.GroupID || slot.accountID != params.AccountID {
			return nil, ErrIdempotencyConflict
		}
		if previous := m.claims[slot]; replayable(previous) {
			return m.replayReservationLocked(*previous)
		}
	}

	pool, ok := m.pools[params.GroupID]
	if !ok {
		return nil, ErrPoolNotFound
	}

	slot := claimSlot{groupID: params.GroupID, accountID: params.AccountID}
	existing := m.claims[slot]
	switch classifySlot(existing, params.IdempotencyKey) {
	case slotReplay:
		return m.replayReservationLocked(*existing)
	case slotTaken:
		return &ReserveResult{
			Claim:           *existing,
			Reason:          domain.GrantAlreadyClaimed,
			BalanceAfter:    m.balanceLocked(params.AccountID),
			RemainingBudget: clonePool(pool).RemainingBudget,
		}, nil
	}

	if params.Now.IsZero() {
		params.Now = m.now()
	}
	status, points := planReservation(*pool, params)
	if status != domain.ClaimStatusOK {
		claim := m.putClaimLocked(slot, status, 0, params.IdempotencyKey)
		return &ReserveResult{
			Claim:           claim,
			Reason:          domain.GrantReasonForClaim(status),
			BalanceAfter:    m.balanceLocked(params.AccountID),
			RemainingBudget: clonePool(pool).RemainingBudget,
		}, nil
	}

	reference := params.GroupID
	delta := ApplyDeltaParams{
		AccountID:       params.AccountID,
		Amount:          points,
		Reason:          domain.ReasonEntryReward,
		IdempotencyKey:  RewardEntryKey(params.IdempotencyKey),
		ReferenceKey:    &reference,
		CreateIfMissing: true,
	}
	if _, err := m.checkDeltaLocked(delta); err != nil {
		return nil, err
	}

	if pool.RemainingBudget != nil {
		remaining := *pool.RemainingBudget - points
		pool.RemainingBudget = &remaining
	}
	pool.UpdatedAt = m.now()
	claim := m.putClaimLocked(slot, domain.ClaimStatusOK, points, params.IdempotencyKey)

	applied, err := m.applyDeltaLocked(delta)
	if err != nil {
		return nil, err
	}
	entry := applied.Entry
	return &ReserveResult{
		Claim:           claim,
		Reason:          domain.GrantOK,
		Granted:         true,
		Entry:           &entry,
		BalanceAfter:    entry.BalanceAfter,
		RemainingBudget: clonePool(pool).RemainingBudget,
	}, nil
}

func (m *MemoryRepository) replayReservationLocked(claim domain.RewardClaim) (*ReserveResult, error) {
	result := &ReserveResult{
		Claim:     claim,
		Reason:    domain.GrantReasonForClaim(claim.Status),
		Duplicate: true,
	}
	if pool, ok := m.pools[claim.GroupID]; ok {
		result.RemainingBudget = clonePool(pool).RemainingBudget
	}
	if claim.Status != domain.ClaimStatusOK {
		result.BalanceAfter = m.balanceLocked(claim.AccountID)
		return result, nil
	}
	idx, ok := m.entryByKey[RewardEntryKey(claim.IdempotencyKey)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	entry := m.entries[idx]
	result.Granted = true
	result.Entry = &entry
	result.BalanceAfter = entry.BalanceAfter
	return result, nil
}

// putClaimLocked writes a claim slot; callers guarantee the slot does not hold an ok claim.
func (m *MemoryRepository) putClaimLocked(slot claimSlot, status domain.ClaimStatus, points int64, key string) domain.RewardClaim {
	now := m.now()
	claim, ok := m.claims[slot]
	if !ok {
		claim = &domain.RewardClaim{GroupID: slot.groupID, AccountID: slot.accountID, CreatedAt: now}
		m.claims[slot] = claim
	} else {
		delete(m.claimByKey, claim.IdempotencyKey)
	}
	claim.Status = status
	claim.PointsAwarded = points
	claim.IdempotencyKey = key
	claim.UpdatedAt = now
	m.claimByKey[key] = slot
	return *claim
}

func (m *MemoryRepository) balanceLocked(accountID string) int64 {
	if account, ok := m.accounts[accountID]; ok {
		return account.Balance
	}
	return 0
}

func (m *MemoryRepository) RecordRewardAttempt(ctx context.Context, groupID, accountID string, status domain.ClaimStatus, idempotencyKey string) (*domain.RewardClaim, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("record reward attempt", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := claimSlot{groupID: groupID, accountID: accountID}
	if existing, ok := m.claims[slot]; ok && existing.Status == domain.ClaimStatusOK {
		copied := *existing
		return &copied, nil
	}
	if other, ok := m.claimByKey[idempotencyKey]; ok && other != slot {
		return nil, ErrIdempotencyConflict
	}
	claim := m.putClaimLocked(slot, status, 0, idempotencyKey)
	return &claim, nil
}

func (m *MemoryRepository) FindRewardClaimByKey(ctx context.Context, idempotencyKey string) (*domain.RewardClaim, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("find reward claim", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.claimByKey[idempotencyKey]
	if !ok {
		return nil, ErrClaimNotFound
	}
	copied := *m.claims[slot]
	return &copied, nil
}

func cloneGroup(group *domain.Group) *domain.Group {
	copied := *group
	copied.Tags = append([]string(nil), group.Tags...)
	copied.RiskFlags = append([]string(nil), group.RiskFlags...)
	return &copied
}

func (m *MemoryRepository) CreateGroup(ctx context.Context, group *domain.Group) (*domain.Group, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, translateError("create group", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.groupByCreationKey[group.CreationKey]; ok {
		existing := m.groups[id]
		if existing.CreatorAccountID != group.CreatorAccountID {
			return nil, false, ErrIdempotencyConflict
		}
		return cloneGroup(existing), false, nil
	}

	stored := cloneGroup(group)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := m.now()
	stored.Status = domain.GroupStatusDraft
	stored.ChargeKey = nil
	stored.FailureReason = nil
	stored.CreatingStartedAt = nil
	stored.PinnedUntil = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.groups[stored.ID] = stored
	m.groupByCreationKey[stored.CreationKey] = stored.ID
	return cloneGroup(stored), true, nil
}

func (m *MemoryRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("get group", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return cloneGroup(group), nil
}

func (m *MemoryRepository) TransitionGroup(ctx context.Context, groupID uuid.UUID, from, to domain.GroupStatus, failureReason *string) (*domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("transition group", err)
	}
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if group.Status != from {
		return nil, fmt.Errorf("%w: group is %s, expected %s", ErrInvalidTransition, group.Status, from)
	}
	group.Status = to
	if failureReason != nil {
		reason := *failureReason
		group.FailureReason = &reason
	}
	group.UpdatedAt = m.now()
	return cloneGroup(group), nil
}

func (m *MemoryRepository) CompleteGroupCharge(ctx context.Context, params CompleteGroupChargeParams) (*domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("complete group charge", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[params.GroupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	switch group.Status {
	case domain.GroupStatusCharging:
	case domain.GroupStatusCreating, domain.GroupStatusActive, domain.GroupStatusFailed, domain.GroupStatusRemoved:
		return cloneGroup(group), nil
	default:
		return nil, fmt.Errorf("%w: group is %s, expected %s", ErrInvalidTransition, group.Status, domain.GroupStatusCharging)
	}

	var payload []byte
	if params.Event != nil {
		blob, err := json.Marshal(params.Event)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue outbox event: %w", err)
		}
		payload = blob
	}

	var chargeKey *string
	if params.Charge != nil && params.Charge.Amount != 0 {
		if _, err := m.applyDeltaLocked(*params.Charge); err != nil {
			return nil, translateError("charge group creation", err)
		}
		key := params.Charge.IdempotencyKey
		chargeKey = &key
	}

	now := params.Now
	if now.IsZero() {
		now = m.now()
	}
	group.Status = domain.GroupStatusCreating
	group.ChargeKey = chargeKey
	group.CreatingStartedAt = &now
	group.UpdatedAt = m.now()

	if payload != nil {
		m.outbox = append(m.outbox, &memoryOutboxMessage{
			OutboxMessage: OutboxMessage{
				ID:         int64(len(m.outbox) + 1),
				Exchange:   strings.TrimSpace(params.Exchange),
				RoutingKey: strings.TrimSpace(params.RoutingKey),
				Payload:    payload,
			},
			status:        "pending",
			nextAttemptAt: m.now(),
		})
	}
	return cloneGroup(group), nil
}

func (m *MemoryRepository) CountGroupsByInviteLink(ctx context.Context, inviteLink string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateError("count groups by invite link", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, group := range m.groups {
		if group.InviteLink != inviteLink {
			continue
		}
		if group.Status == domain.GroupStatusFailed || group.Status == domain.GroupStatusRemoved {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryRepository) CountRecentGroupsByCreator(ctx context.Context, creatorAccountID string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateError("count recent groups", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, group := range m.groups {
		if group.CreatorAccountID == creatorAccountID && !group.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) ListGroupsInStatusBefore(ctx context.Context, status domain.GroupStatus, before time.Time, limit int) ([]domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("list stale groups", err)
	}
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []domain.Group
	for _, group := range m.groups {
		if group.Status != status {
			continue
		}
		since := group.UpdatedAt
		if group.CreatingStartedAt != nil {
			since = *group.CreatingStartedAt
		}
		if since.Before(before) {
			groups = append(groups, *cloneGroup(group))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].UpdatedAt.Before(groups[j].UpdatedAt) })
	if len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (m *MemoryRepository) ListFailedGroupsAwaitingRefund(ctx context.Context, refundKeyPrefix string, limit int) ([]domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("list unrefunded groups", err)
	}
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []domain.Group
	for _, group := range m.groups {
		if group.Status != domain.GroupStatusFailed || group.ChargeKey == nil {
			continue
		}
		if _, refunded := m.entryByKey[refundKeyPrefix+*group.ChargeKey]; refunded {
			continue
		}
		groups = append(groups, *cloneGroup(group))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].UpdatedAt.Before(groups[j].UpdatedAt) })
	if len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (m *MemoryRepository) PinGroup(ctx context.Context, params PinGroupParams) (*PinGroupResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("pin group", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[params.GroupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if group.Status != domain.GroupStatusActive {
		return nil, fmt.Errorf("%w: group is %s", ErrGroupNotActive, group.Status)
	}

	now := params.Now
	if now.IsZero() {
		now = m.now()
	}
	charge := pinCharge(group, params)
	if charge != nil {
		if idx, ok := m.entryByKey[charge.IdempotencyKey]; ok {
			existing := m.entries[idx]
			if !sameOperation(&existing, *charge) {
				return nil, ErrIdempotencyConflict
			}
			return &PinGroupResult{Group: cloneGroup(group), Charge: &DeltaResult{Entry: existing}}, nil
		}
	}

	if !group.Pinned(now) && params.PinLimit > 0 {
		if active := m.countActivePinsLocked(now); active >= params.PinLimit {
			return nil, fmt.Errorf("%w: %d groups already pinned", ErrPinLimitReached, active)
		}
	}

	result := &PinGroupResult{}
	pinnedFrom := now
	if charge != nil {
		delta, err := m.applyDeltaLocked(*charge)
		if err != nil {
			return nil, translateError("charge group pin", err)
		}
		result.Charge = delta
		pinnedFrom = delta.Entry.CreatedAt.UTC()
	}

	until := pinnedFrom.Add(params.Duration)
	group.PinnedUntil = &until
	group.UpdatedAt = m.now()
	result.Group = cloneGroup(group)
	return result, nil
}

func (m *MemoryRepository) countActivePinsLocked(now time.Time) int {
	count := 0
	for _, group := range m.groups {
		if group.Status == domain.GroupStatusActive && group.Pinned(now) {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) SetGroupPin(ctx context.Context, groupID uuid.UUID, pinnedUntil *time.Time) (*domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("set group pin", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if pinnedUntil != nil {
		until := *pinnedUntil
		group.PinnedUntil = &until
	} else {
		group.PinnedUntil = nil
	}
	group.UpdatedAt = m.now()
	return cloneGroup(group), nil
}

func (m *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError("claim outbox messages", err)
	}
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	messages := make([]OutboxMessage, 0, limit)
	for _, msg := range m.outbox {
		if len(messages) == limit {
			break
		}
		due := msg.status == "pending" && !msg.nextAttemptAt.After(now)
		stale := msg.status == "processing" && msg.processingStartedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		msg.status = "processing"
		msg.processingStartedAt = now
		msg.Attempts++
		claimed := msg.OutboxMessage
		claimed.Payload = append([]byte(nil), msg.Payload...)
		messages = append(messages, claimed)
	}
	return messages, nil
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.status = "published"
			msg.lastError = ""
			return nil
		}
	}
	return nil
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.status = "pending"
			msg.nextAttemptAt = m.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			msg.lastError = reason
			return nil
		}
	}
	return nil
}

// PendingOutbox reports how many messages are not yet published.
func (m *MemoryRepository) PendingOutbox() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, msg := range m.outbox {
		if msg.status != "published" {
			pending++
		}
	}
	return pending
}
