package store

import (
	"context"
	"iter"

	"github.com/hongbao/ledger-service/internal/domain"
)

const defaultJournalPageSize = 100

// EntriesFor streams an account's journal in commit order, starting after afterID.
// Pages are fetched lazily as the sequence is consumed, and the sequence can be
// restarted from the ID of the last entry seen. A read error is yielded once and
// ends the sequence.
func EntriesFor(ctx context.Context, repo Repository, accountID string, afterID int64, pageSize int) iter.Seq2[domain.LedgerEntry, error] {
	if pageSize <= 0 {
		pageSize = defaultJournalPageSize
	}
	return func(yield func(domain.LedgerEntry, error) bool) {
		cursor := afterID
		for {
			page, err := repo.ListEntries(ctx, accountID, cursor, pageSize)
			if err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
				cursor = entry.ID
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}
