// Package risk scores ledger movements before they are written.
//
// Each outgoing movement is evaluated against weighted factors: velocity,
// counterparty novelty, time-of-day deviation and amount size. Scores range
// from 0.0 (safe) to 1.0 (high risk). Movements at or above the block
// threshold, or larger than the single-movement cap, are rejected.
package risk

import (
	"context"
	"time"
)

// Decision represents the risk engine's verdict on a movement.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// Default thresholds for risk decisions.
const (
	DefaultBlockThreshold = 0.8
	DefaultWarnThreshold  = 0.5
	DefaultMaxAmount      = 100_000_000
)

// Assessment is the result of evaluating a single movement.
type Assessment struct {
	ID          string             `json:"id"`
	WalletID    string             `json:"walletId"`
	UserID      string             `json:"userId"`
	Type        string             `json:"type"`
	Amount      int64              `json:"amount"`
	Currency    string             `json:"currency"`
	Score       float64            `json:"score"`
	Factors     map[string]float64 `json:"factors"`
	Decision    Decision           `json:"decision"`
	Reason      string             `json:"reason,omitempty"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// Blocked reports whether the movement must be rejected.
func (a *Assessment) Blocked() bool {
	return a.Decision == DecisionBlock
}

// TransactionContext carries the data needed to score a movement.
type TransactionContext struct {
	WalletID     string
	UserID       string
	Counterparty string
	Type         string
	Amount       int64 // minor units
	Currency     string
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Assessment, error)
}
