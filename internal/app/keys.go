package app

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeriveKey builds a stable idempotency key from the logical identifiers of an
// operation, so a redelivered callback maps onto the key of its first delivery.
// The operation name stays readable; the identifiers are hashed.
func DeriveKey(operation string, parts ...string) string {
	h := sha256.New()
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(strings.TrimSpace(part)))
	}
	return operation + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// RefundKey is derived from the key of the debit being refunded. A refund key
// is never itself refundable, which rules out refund-of-refund.
func RefundKey(originalKey string) string {
	return "refund:" + originalKey
}

// GroupChargeKey is the journal key of a group's creation charge.
func GroupChargeKey(creationKey string) string {
	return "group_create:" + creationKey
}

// PinChargeKey binds a caller's pin key to the group it pins, so one key can
// never pay for two groups.
func PinChargeKey(groupID, key string) string {
	return "group_pin:" + strings.TrimSpace(groupID) + ":" + strings.TrimSpace(key)
}
