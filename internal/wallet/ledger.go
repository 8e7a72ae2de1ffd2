package wallet

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rfqhub/walletd/internal/idgen"
)

// Effect returns the change a transaction makes to (balance, escrowBalance).
// It is the single source of truth for both live mutations and Replay.
func Effect(t *Transaction) (balance, escrow int64) {
	switch t.Status {
	case TxnCompleted:
		switch t.Type {
		case TypeDeposit, TypeRefund, TypeEscrowRelease, TypeEscrowRefund:
			return t.NetAmount, 0
		case TypeWithdrawal, TypePayment, TypeFee:
			return -t.Amount, 0
		case TypeAdjustment:
			return t.Amount, 0
		}
	case TxnHeld:
		if t.Type == TypeEscrowHold {
			return 0, t.Amount
		}
	case TxnReleased:
		// Funds leave the buyer entirely: reservation and balance both drop.
		if t.Type == TypeEscrowRelease {
			return -t.Amount, -t.Amount
		}
	case TxnRefunded:
		// Only the reservation is freed; the funds never left balance.
		if t.Type == TypeEscrowRefund {
			return 0, -t.Amount
		}
	}
	return 0, 0
}

// Replay rebuilds (balance, escrowBalance) from zero.
func Replay(txns []*Transaction) (balance, escrow int64) {
	for _, t := range txns {
		b, e := Effect(t)
		balance += b
		escrow += e
	}
	return balance, escrow
}

// NewTransaction builds a ledger row for w from in. Unset gateway and
// reference default to the wallet's gateway and a generated reference.
func NewTransaction(w *Wallet, in TransactionInput, now time.Time) *Transaction {
	t := &Transaction{
		ID:           idgen.WithPrefix(idgen.TransactionPrefix),
		WalletID:     w.ID,
		Amount:       in.Amount,
		Fee:          in.Fee,
		NetAmount:    in.Amount - in.Fee,
		Type:         in.Type,
		Status:       in.Status,
		Gateway:      in.Gateway,
		ReferenceID:  in.ReferenceID,
		OrderID:      in.OrderID,
		EscrowHoldID: in.EscrowHoldID,
		Metadata:     in.Metadata.Clone(),
		CreatedAt:    now,
	}
	if in.NetAmount != nil {
		t.NetAmount = *in.NetAmount
	}
	if t.Status == "" {
		t.Status = TxnPending
	}
	if t.Gateway == "" {
		t.Gateway = w.Gateway
	}
	if t.ReferenceID == "" {
		t.ReferenceID = "ref_" + t.ID
	}
	if t.Status != TxnPending {
		at := now
		t.ProcessedAt = &at
	}
	return t
}

// ApplyInTx records t and applies its balance effect to the locked wallet w.
// On success w reflects the new balances.
func ApplyInTx(ctx context.Context, tx Tx, w *Wallet, t *Transaction) error {
	if t.WalletID != w.ID {
		return fmt.Errorf("%w: transaction for wallet %s applied to %s", ErrInvalidTransaction, t.WalletID, w.ID)
	}

	dBalance, dEscrow := Effect(t)
	if err := checkWalletAccepts(w, t, dBalance, dEscrow); err != nil {
		return err
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return err
	}
	return applyDelta(ctx, tx, w, dBalance, dEscrow)
}

func applyDelta(ctx context.Context, tx Tx, w *Wallet, dBalance, dEscrow int64) error {
	if dBalance == 0 && dEscrow == 0 {
		return nil
	}

	if (dBalance > 0 && w.Balance > math.MaxInt64-dBalance) || (dEscrow > 0 && w.EscrowBalance > math.MaxInt64-dEscrow) {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	balance := w.Balance + dBalance
	escrow := w.EscrowBalance + dEscrow

	if escrow < 0 {
		return fmt.Errorf("%w: escrow balance of wallet %s would become %d", ErrLedgerInconsistent, w.ID, escrow)
	}
	if balance < escrow {
		return fmt.Errorf("%w: available %d, required %d", ErrInsufficientBalance, w.Available(), w.Available()-(balance-escrow))
	}

	if err := tx.SetBalances(ctx, w.ID, balance, escrow); err != nil {
		return err
	}
	w.Balance = balance
	w.EscrowBalance = escrow
	return nil
}

// checkWalletAccepts enforces wallet status. Terminal escrow movements always
// go through so held funds can settle on frozen or closed wallets.
func checkWalletAccepts(w *Wallet, t *Transaction, dBalance, dEscrow int64) error {
	if dBalance == 0 && dEscrow == 0 {
		return nil
	}
	if t.Type == TypeEscrowRelease || t.Type == TypeEscrowRefund {
		return nil
	}
	switch w.Status {
	case StatusClosed:
		return fmt.Errorf("%w: wallet %s is closed", ErrWalletInactive, w.ID)
	case StatusFrozen:
		if dBalance < 0 || dEscrow > 0 {
			return fmt.Errorf("%w: wallet %s is frozen", ErrWalletInactive, w.ID)
		}
	}
	return nil
}

// validateInput checks fields shared by every entry point.
func validateInput(in TransactionInput) error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, in.Type)
	}
	if in.Status != "" && !in.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, in.Status)
	}
	if in.Type == TypeAdjustment {
		if in.Amount == 0 {
			return fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidAmount)
		}
	} else if in.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if in.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidAmount)
	}
	if in.Amount > 0 && in.Fee > in.Amount {
		return fmt.Errorf("%w: fee exceeds amount", ErrInvalidAmount)
	}
	if in.NetAmount != nil && *in.NetAmount < 0 {
		return fmt.Errorf("%w: net amount must not be negative", ErrInvalidAmount)
	}
	if in.Gateway != "" && !in.Gateway.Valid() {
		return fmt.Errorf("%w: unknown gateway %q", ErrInvalidTransaction, in.Gateway)
	}
	return in.Metadata.Validate()
}

// validateGeneric restricts the public createTransaction primitive: holds
// and escrow statuses are written only by the escrow engine. Settled
// ESCROW_RELEASE and ESCROW_REFUND credits are ordinary ledger rows.
func validateGeneric(in TransactionInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	if in.Type == TypeEscrowHold {
		return fmt.Errorf("%w: %s rows are managed by the escrow engine", ErrInvalidTransaction, in.Type)
	}
	switch in.Status {
	case "", TxnPending, TxnCompleted, TxnFailed:
		return nil
	default:
		return fmt.Errorf("%w: status %s is managed by the escrow engine", ErrInvalidTransaction, in.Status)
	}
}

func checkCurrency(w *Wallet, currency string) error {
	if currency != "" && currency != w.Currency {
		return fmt.Errorf("%w: wallet %s holds %s, got %s", ErrCurrencyMismatch, w.ID, w.Currency, currency)
	}
	return nil
}
