package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hongbao/ledger-service/internal/domain"
)

func seedAccount(t *testing.T, repo *MemoryRepository, accountID string, balance int64) {
	t.Helper()
	if _, err := repo.ApplyDelta(context.Background(), ApplyDeltaParams{
		AccountID:       accountID,
		Amount:          balance,
		Reason:          domain.ReasonAdjustment,
		IdempotencyKey:  "seed:" + accountID,
		CreateIfMissing: true,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestMemoryApplyDeltaIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", 150)

	params := ApplyDeltaParams{AccountID: "acct-1", Amount: -100, Reason: domain.ReasonGroupCreate, IdempotencyKey: "charge-1"}
	first, err := repo.ApplyDelta(ctx, params)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := repo.ApplyDelta(ctx, params)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if !first.Applied || second.Applied {
		t.Fatalf("expected applied=true then false, got %v then %v", first.Applied, second.Applied)
	}
	if first.Entry.BalanceAfter != 50 || second.Entry.BalanceAfter != 50 {
		t.Fatalf("expected balance_after 50 twice, got %d and %d", first.Entry.BalanceAfter, second.Entry.BalanceAfter)
	}
	account, _ := repo.GetAccount(ctx, "acct-1")
	if account.Balance != 50 {
		t.Fatalf("expected balance 50, got %d", account.Balance)
	}
}

func TestMemoryApplyDeltaRejections(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", 50)

	_, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: -100, Reason: domain.ReasonGroupCreate, IdempotencyKey: "k1"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	account, _ := repo.GetAccount(ctx, "acct-1")
	if account.Balance != 50 {
		t.Fatalf("expected balance to stay 50, got %d", account.Balance)
	}

	_, err = repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "ghost", Amount: -1, Reason: domain.ReasonGroupPin, IdempotencyKey: "k2"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: -10, Reason: domain.ReasonGroupPin, IdempotencyKey: "k3"}); err != nil {
		t.Fatalf("pin charge: %v", err)
	}
	_, err = repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: -20, Reason: domain.ReasonGroupPin, IdempotencyKey: "k3"})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}

	groupA, groupB := "group-a", "group-b"
	if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: -5, Reason: domain.ReasonGroupPin, IdempotencyKey: "k4", ReferenceKey: &groupA}); err != nil {
		t.Fatalf("referenced charge: %v", err)
	}
	_, err = repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: -5, Reason: domain.ReasonGroupPin, IdempotencyKey: "k4", ReferenceKey: &groupB})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict for another reference, got %v", err)
	}
}

func TestMemoryLifetimeEarnedCountsOnlyEarnings(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", 100)

	if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: -40, Reason: domain.ReasonGroupCreate, IdempotencyKey: "c"}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "acct-1", Amount: 40, Reason: domain.ReasonRefund, IdempotencyKey: "refund:c"}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	account, _ := repo.GetAccount(ctx, "acct-1")
	if account.LifetimeEarned != 100 {
		t.Fatalf("expected lifetime_earned 100, got %d", account.LifetimeEarned)
	}
}

func TestMemoryReserveConcurrentLastGrant(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.CreateRewardPool(ctx, domain.RewardPool{GroupID: "g1", PointsPerGrant: 5, RemainingBudget: ptrInt64(5), Cap: 5, Enabled: true}); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	const callers = 2
	results := make([]*ReserveResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = repo.ReserveEntryReward(ctx, ReserveParams{
				GroupID:        "g1",
				AccountID:      fmt.Sprintf("acct-%d", i),
				IdempotencyKey: fmt.Sprintf("join-%d", i),
				Decision:       domain.Allow(),
			})
		}(i)
	}
	wg.Wait()

	granted, exhausted := 0, 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("reserve %d: %v", i, errs[i])
		}
		switch results[i].Reason {
		case domain.GrantOK:
			granted++
		case domain.GrantPoolExhausted:
			exhausted++
		}
	}
	if granted != 1 || exhausted != 1 {
		t.Fatalf("expected one grant and one exhaustion, got %d and %d", granted, exhausted)
	}

	pool, _ := repo.GetRewardPool(ctx, "g1")
	if pool.RemainingBudget == nil || *pool.RemainingBudget != 0 {
		t.Fatalf("expected remaining budget 0, got %v", pool.RemainingBudget)
	}
}

func TestMemoryReserveConservesPool(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.CreateRewardPool(ctx, domain.RewardPool{GroupID: "g1", PointsPerGrant: 7, RemainingBudget: ptrInt64(100), Cap: 100, Enabled: true}); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = repo.ReserveEntryReward(ctx, ReserveParams{
				GroupID:        "g1",
				AccountID:      fmt.Sprintf("acct-%d", i%20),
				IdempotencyKey: fmt.Sprintf("join-%d", i),
				Decision:       domain.Allow(),
			})
		}(i)
	}
	wg.Wait()

	var awarded int64
	okPerAccount := map[string]int{}
	for _, claim := range repo.claims {
		if claim.Status == domain.ClaimStatusOK {
			awarded += claim.PointsAwarded
			okPerAccount[claim.AccountID]++
		}
	}
	if awarded > 100 {
		t.Fatalf("expected at most 100 points awarded, got %d", awarded)
	}
	for account, count := range okPerAccount {
		if count > 1 {
			t.Fatalf("expected one ok claim for %s, got %d", account, count)
		}
	}
	pool, _ := repo.GetRewardPool(ctx, "g1")
	if *pool.RemainingBudget != 100-awarded {
		t.Fatalf("expected remaining %d, got %d", 100-awarded, *pool.RemainingBudget)
	}
}

func TestMemoryReserveAlreadyClaimedAndReplay(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.CreateRewardPool(ctx, domain.RewardPool{GroupID: "g1", PointsPerGrant: 5, RemainingBudget: ptrInt64(50), Cap: 50, Enabled: true}); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	first, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "a", Decision: domain.Allow()})
	if err != nil || !first.Granted {
		t.Fatalf("expected first grant, got %+v err=%v", first, err)
	}

	replay, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "a", Decision: domain.Allow()})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Duplicate || !replay.Granted || replay.BalanceAfter != first.BalanceAfter {
		t.Fatalf("expected duplicate replay of %+v, got %+v", first, replay)
	}

	second, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "b", Decision: domain.Allow()})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Reason != domain.GrantAlreadyClaimed || second.Granted {
		t.Fatalf("expected already_claimed, got %+v", second)
	}
	account, _ := repo.GetAccount(ctx, "acct-1")
	if account.Balance != 5 {
		t.Fatalf("expected balance 5, got %d", account.Balance)
	}

	_, err = repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-2", IdempotencyKey: "a", Decision: domain.Allow()})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestMemoryFailedAttemptCanBeRetried(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.CreateRewardPool(ctx, domain.RewardPool{GroupID: "g1", PointsPerGrant: 5, RemainingBudget: ptrInt64(50), Cap: 50, Enabled: true}); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	denied, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "a", Decision: domain.Deny()})
	if err != nil || denied.Reason != domain.GrantDenied {
		t.Fatalf("expected denied, got %+v err=%v", denied, err)
	}
	if denied.Claim.Status != domain.ClaimStatusDeniedFraud {
		t.Fatalf("expected denied_fraud claim, got %s", denied.Claim.Status)
	}

	retry, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "b", Decision: domain.Allow()})
	if err != nil || !retry.Granted {
		t.Fatalf("expected retry to be granted, got %+v err=%v", retry, err)
	}

	claim, err := repo.RecordRewardAttempt(ctx, "g1", "acct-1", domain.ClaimStatusCooldown, "c")
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if claim.Status != domain.ClaimStatusOK {
		t.Fatalf("expected ok claim to be preserved, got %s", claim.Status)
	}
}

func TestMemoryCompleteGroupCharge(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "creator", 150)

	group, created, err := repo.CreateGroup(ctx, &domain.Group{CreatorAccountID: "creator", Name: "g", CreationKey: "create-1", CreationCost: 100})
	if err != nil || !created {
		t.Fatalf("create group: created=%v err=%v", created, err)
	}
	if _, err := repo.TransitionGroup(ctx, group.ID, domain.GroupStatusDraft, domain.GroupStatusCharging, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	params := CompleteGroupChargeParams{
		GroupID:    group.ID,
		Charge:     &ApplyDeltaParams{AccountID: "creator", Amount: -100, Reason: domain.ReasonGroupCreate, IdempotencyKey: "group_create:create-1"},
		Exchange:   "ledger.events",
		RoutingKey: "group.creation.requested",
		Event:      domain.GroupCreationRequestedEvent{GroupID: group.ID.String()},
	}
	updated, err := repo.CompleteGroupCharge(ctx, params)
	if err != nil {
		t.Fatalf("complete charge: %v", err)
	}
	if updated.Status != domain.GroupStatusCreating || updated.ChargeKey == nil {
		t.Fatalf("expected creating with charge key, got %+v", updated)
	}

	if _, err := repo.CompleteGroupCharge(ctx, params); err != nil {
		t.Fatalf("replayed complete charge: %v", err)
	}
	account, _ := repo.GetAccount(ctx, "creator")
	if account.Balance != 50 {
		t.Fatalf("expected balance 50, got %d", account.Balance)
	}
	if repo.PendingOutbox() != 1 {
		t.Fatalf("expected one outbox message, got %d", repo.PendingOutbox())
	}
}

func TestMemoryListGroupsInStatusBefore(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })

	group, _, err := repo.CreateGroup(ctx, &domain.Group{CreatorAccountID: "creator", Name: "g", CreationKey: "k"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := repo.TransitionGroup(ctx, group.ID, domain.GroupStatusDraft, domain.GroupStatusCharging, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	stale, err := repo.ListGroupsInStatusBefore(ctx, domain.GroupStatusCharging, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale group, got %d", len(stale))
	}

	fresh, err := repo.ListGroupsInStatusBefore(ctx, domain.GroupStatusCharging, base, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no stale groups, got %d", len(fresh))
	}
}

func TestMemoryCooldownClaimIsReevaluated(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.CreateRewardPool(ctx, domain.RewardPool{GroupID: "g1", PointsPerGrant: 5, RemainingBudget: ptrInt64(50), Cap: 50, Enabled: true}); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if _, err := repo.RecordRewardAttempt(ctx, "g1", "acct-1", domain.ClaimStatusCooldown, "join"); err != nil {
		t.Fatalf("record cooldown: %v", err)
	}

	granted, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "join", Decision: domain.Allow()})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !granted.Granted || granted.Duplicate {
		t.Fatalf("expected fresh grant over the cooldown claim, got %+v", granted)
	}
	replayed, err := repo.ReserveEntryReward(ctx, ReserveParams{GroupID: "g1", AccountID: "acct-1", IdempotencyKey: "join", Decision: domain.Deny()})
	if err != nil || !replayed.Duplicate || !replayed.Granted {
		t.Fatalf("expected replayed grant, got %+v err=%v", replayed, err)
	}
}

func activeTestGroup(t *testing.T, repo *MemoryRepository, key string, pinCost int64) *domain.Group {
	t.Helper()
	ctx := context.Background()
	group, _, err := repo.CreateGroup(ctx, &domain.Group{CreatorAccountID: "creator", Name: key, CreationKey: key, PinCost: pinCost})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, step := range [][2]domain.GroupStatus{
		{domain.GroupStatusDraft, domain.GroupStatusCharging},
		{domain.GroupStatusCharging, domain.GroupStatusCreating},
		{domain.GroupStatusCreating, domain.GroupStatusActive},
	} {
		if group, err = repo.TransitionGroup(ctx, group.ID, step[0], step[1], nil); err != nil {
			t.Fatalf("transition %s -> %s: %v", step[0], step[1], err)
		}
	}
	return group
}

func TestMemoryPinGroup(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })
	ctx := context.Background()
	seedAccount(t, repo, "operator", 100)
	first := activeTestGroup(t, repo, "g1", 40)
	second := activeTestGroup(t, repo, "g2", 40)
	third := activeTestGroup(t, repo, "g3", 40)

	params := PinGroupParams{GroupID: first.ID, OperatorAccountID: "operator", ChargeKey: "pin:g1", Duration: time.Hour, PinLimit: 1, Now: now}
	pinned, err := repo.PinGroup(ctx, params)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if pinned.Charge == nil || !pinned.Charge.Applied || !pinned.Group.PinnedUntil.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected charged pin until %v, got %+v", now.Add(time.Hour), pinned)
	}

	replayed, err := repo.PinGroup(ctx, params)
	if err != nil || replayed.Charge.Applied {
		t.Fatalf("expected replayed pin, got %+v err=%v", replayed, err)
	}

	tests := []struct {
		name   string
		params PinGroupParams
		want   error
	}{
		{"limit reached", PinGroupParams{GroupID: second.ID, OperatorAccountID: "operator", ChargeKey: "pin:g2", Duration: time.Hour, PinLimit: 1, Now: now}, ErrPinLimitReached},
		{"key paid for another group", PinGroupParams{GroupID: third.ID, OperatorAccountID: "operator", ChargeKey: "pin:g1", Duration: time.Hour, Now: now}, ErrIdempotencyConflict},
		{"insufficient funds", PinGroupParams{GroupID: third.ID, OperatorAccountID: "operator", ChargeKey: "pin:g3", Duration: time.Hour, Now: now}, ErrInsufficientFunds},
	}
	if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "operator", Amount: -50, Reason: domain.ReasonGroupPin, IdempotencyKey: "drain"}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := repo.PinGroup(ctx, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	account, _ := repo.GetAccount(ctx, "operator")
	if account.Balance != 10 {
		t.Fatalf("expected balance 10, got %d", account.Balance)
	}
	for _, id := range []uuid.UUID{second.ID, third.ID} {
		group, _ := repo.GetGroup(ctx, id)
		if group.PinnedUntil != nil {
			t.Fatalf("expected group %s to stay unpinned", id)
		}
	}

	if _, err := repo.TransitionGroup(ctx, first.ID, domain.GroupStatusActive, domain.GroupStatusRemoved, nil); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := repo.PinGroup(ctx, params); !errors.Is(err, ErrGroupNotActive) {
		t.Fatalf("expected ErrGroupNotActive, got %v", err)
	}
}

func TestMemoryListFailedGroupsAwaitingRefund(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "creator", 300)

	var failed []*domain.Group
	for _, key := range []string{"c1", "c2"} {
		group, _, err := repo.CreateGroup(ctx, &domain.Group{CreatorAccountID: "creator", Name: key, CreationKey: key, CreationCost: 100})
		if err != nil {
			t.Fatalf("create group: %v", err)
		}
		if _, err := repo.TransitionGroup(ctx, group.ID, domain.GroupStatusDraft, domain.GroupStatusCharging, nil); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if _, err := repo.CompleteGroupCharge(ctx, CompleteGroupChargeParams{
			GroupID: group.ID,
			Charge:  &ApplyDeltaParams{AccountID: "creator", Amount: -100, Reason: domain.ReasonGroupCreate, IdempotencyKey: "group_create:" + key},
		}); err != nil {
			t.Fatalf("complete charge: %v", err)
		}
		if group, err = repo.TransitionGroup(ctx, group.ID, domain.GroupStatusCreating, domain.GroupStatusFailed, nil); err != nil {
			t.Fatalf("fail group: %v", err)
		}
		failed = append(failed, group)
	}
	if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{AccountID: "creator", Amount: 100, Reason: domain.ReasonRefund, IdempotencyKey: "refund:group_create:c1"}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	pending, err := repo.ListFailedGroupsAwaitingRefund(ctx, "refund:", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != failed[1].ID {
		t.Fatalf("expected only %s awaiting refund, got %+v", failed[1].ID, pending)
	}
}
