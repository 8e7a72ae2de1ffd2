package risk

import (
	"context"

	"github.com/rfqhub/walletd/internal/wallet"
)

// Validator screens wallet movements with the engine.
type Validator struct {
	engine *Engine
}

// NewValidator adapts engine to wallet.Validator.
func NewValidator(engine *Engine) *Validator {
	return &Validator{engine: engine}
}

// Validate implements wallet.Validator. Scoring never fails; a block
// decision is reported as an invalid verdict.
func (v *Validator) Validate(ctx context.Context, check wallet.SecurityCheck) (wallet.Verdict, error) {
	a := v.engine.Score(ctx, &TransactionContext{
		WalletID:     check.WalletID,
		UserID:       check.UserID,
		Counterparty: check.Metadata[wallet.MetaCounterparty],
		Type:         string(check.Type),
		Amount:       check.Amount,
		Currency:     check.Currency,
	})
	return wallet.Verdict{
		IsValid:   !a.Blocked(),
		Reason:    a.Reason,
		RiskScore: a.Score,
	}, nil
}
