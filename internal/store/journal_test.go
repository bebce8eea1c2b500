package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hongbao/ledger-service/internal/domain"
)

type failingListRepo struct {
	Repository
	calls int
}

func (r *failingListRepo) ListEntries(ctx context.Context, accountID string, afterID int64, limit int) ([]domain.LedgerEntry, error) {
	r.calls++
	return nil, ErrStorageUnavailable
}

func TestEntriesForPagesLazilyAndRestarts(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", 10)
	seedAccount(t, repo, "acct-2", 10)
	for i := 0; i < 6; i++ {
		if _, err := repo.ApplyDelta(ctx, ApplyDeltaParams{
			AccountID:      "acct-1",
			Amount:         -1,
			Reason:         domain.ReasonGroupPin,
			IdempotencyKey: fmt.Sprintf("pin-%d", i),
		}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	var seen []domain.LedgerEntry
	for entry, err := range EntriesFor(ctx, repo, "acct-1", 0, 2) {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		seen = append(seen, entry)
		if len(seen) == 3 {
			break
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected to stop after 3 entries, got %d", len(seen))
	}

	var rest []domain.LedgerEntry
	for entry, err := range EntriesFor(ctx, repo, "acct-1", seen[len(seen)-1].ID, 2) {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		rest = append(rest, entry)
	}
	if len(seen)+len(rest) != 7 {
		t.Fatalf("expected 7 entries in total, got %d", len(seen)+len(rest))
	}

	all := append(seen, rest...)
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("expected ascending ids, got %d after %d", all[i].ID, all[i-1].ID)
		}
		if all[i].AccountID != "acct-1" {
			t.Fatalf("expected only acct-1 entries, got %s", all[i].AccountID)
		}
	}
	if all[len(all)-1].BalanceAfter != 4 {
		t.Fatalf("expected final balance_after 4, got %d", all[len(all)-1].BalanceAfter)
	}
}

func TestEntriesForStopsOnError(t *testing.T) {
	repo := &failingListRepo{}
	count := 0
	for _, err := range EntriesFor(context.Background(), repo, "acct-1", 0, 10) {
		count++
		if !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("expected ErrStorageUnavailable, got %v", err)
		}
	}
	if count != 1 || repo.calls != 1 {
		t.Fatalf("expected a single failed read, got %d yields and %d calls", count, repo.calls)
	}
}
