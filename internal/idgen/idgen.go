// Package idgen generates identifiers for ledger entities.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for entity ids.
const (
	WalletPrefix      = "wal_"
	TransactionPrefix = "txn_"
	HoldPrefix        = "hold_"
	EventPrefix       = "evt_"
	ReceiptPrefix     = "rcpt_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars (a UUID without dashes).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
