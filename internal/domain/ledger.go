/**
 * @description
 * This file defines the core ledger models for the ledger-service: star accounts,
 * immutable journal entries and the closed set of reasons a balance may change.
 *
 * @notes
 * - Amounts are whole stars stored as `int64`. A negative entry amount is a debit.
 * - Reason is a closed enumeration; unknown values are rejected at the API boundary.
 */

package domain

import (
	"strings"
	"time"
)

// Account is a star balance record. Balance never drops below zero and
// LifetimeEarned never decreases.
type Account struct {
	ID             string    `json:"account_id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Reason tags every ledger entry with the business operation that produced it.
type Reason string

const (
	ReasonGroupCreate Reason = "group_create"
	ReasonGroupPin    Reason = "group_pin"
	ReasonEntryReward Reason = "entry_reward"
	ReasonRefund      Reason = "refund"
	ReasonAdjustment  Reason = "adjustment"
)

// Direction reports whether a reason moves stars out of (-1) or into (+1) an account.
type Direction int

const (
	Debit  Direction = -1
	Credit Direction = 1
)

// ParseReason converts a wire value into a Reason.
func ParseReason(value string) (Reason, bool) {
	r := Reason(strings.ToLower(strings.TrimSpace(value)))
	return r, r.Valid()
}

func (r Reason) Valid() bool {
	switch r {
	case ReasonGroupCreate, ReasonGroupPin, ReasonEntryReward, ReasonRefund, ReasonAdjustment:
		return true
	default:
		return false
	}
}

func (r Reason) Direction() Direction {
	switch r {
	case ReasonGroupCreate, ReasonGroupPin:
		return Debit
	default:
		return Credit
	}
}

// CountsAsEarning reports whether a credit with this reason increases lifetime_earned.
// Refunds return spent stars and are not earnings.
func (r Reason) CountsAsEarning() bool {
	return r == ReasonEntryReward || r == ReasonAdjustment
}

// LedgerEntry is an immutable journal record of a single balance mutation.
type LedgerEntry struct {
	ID             int64     `json:"id"`
	AccountID      string    `json:"account_id"`
	Amount         int64     `json:"amount"`
	Reason         Reason    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
	ReferenceKey   *string   `json:"reference_key,omitempty"`
	Note           string    `json:"note,omitempty"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChargeRequest debits an account for a paid operation.
type ChargeRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	Reason         Reason `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Note           string `json:"note,omitempty"`
}

// CreditRequest tops up an account outside of the reward flow.
type CreditRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Note           string `json:"note,omitempty"`
}

// RefundRequest reverses (part of) a previous debit identified by its idempotency key.
// A zero Amount refunds the full original debit.
type RefundRequest struct {
	OriginalIdempotencyKey string `json:"original_idempotency_key"`
	Amount                 int64  `json:"amount"`
	Reason                 string `json:"reason,omitempty"`
}

// ChargeResult is returned by every balance-mutating engine operation.
// Duplicate is set when the idempotency key had already been applied; the
// returned balance and entry are those of the original application.
type ChargeResult struct {
	AccountID    string      `json:"account_id"`
	BalanceAfter int64       `json:"balance_after"`
	Applied      bool        `json:"applied"`
	Duplicate    bool        `json:"duplicate"`
	Entry        LedgerEntry `json:"entry"`
}
