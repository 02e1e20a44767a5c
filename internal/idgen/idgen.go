// Package idgen generates identifiers for billing records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Prefixes for record identifiers.
const (
	PrefixDeposit = "dep_"
	PrefixLedger  = "fee_"
	PrefixPayment = "pay_"
	PrefixDispute = "dsp_"
	PrefixAPIKey  = "key_"
)

// New generates a random UUIDv4 string. Used for request ids.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "dep_", "fee_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// IdempotencyKey derives the processor idempotency key for a booking
// operation, e.g. booking:bk_1:payment.
func IdempotencyKey(bookingID, operation string, extra ...any) string {
	key := fmt.Sprintf("booking:%s:%s", bookingID, operation)
	for _, e := range extra {
		key += fmt.Sprintf(":%v", e)
	}
	return key
}
