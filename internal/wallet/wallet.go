// Package wallet implements the wallet ledger: one wallet per user, an
// append-only transaction log, and the balance rules that keep
// 0 <= escrowBalance <= balance true after every committed operation.
//
// All balance mutations run inside a single storage transaction with the
// affected wallet rows locked. The package holds no in-process locks.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rfqhub/walletd/internal/gateway"
)

// Errors
var (
	ErrWalletNotFound      = errors.New("wallet: not found")
	ErrWalletExists        = errors.New("wallet: already exists for user")
	ErrWalletInactive      = errors.New("wallet: not active")
	ErrInsufficientBalance = errors.New("wallet: insufficient available balance")
	ErrDuplicateReference  = errors.New("wallet: duplicate reference id")
	ErrSecurityRejected    = errors.New("wallet: rejected by security validator")
	ErrCurrencyMismatch    = errors.New("wallet: currency does not match wallet")
	ErrInvalidAmount       = errors.New("wallet: invalid amount")
	ErrInvalidTransaction  = errors.New("wallet: invalid transaction")
	ErrInvalidTransition   = errors.New("wallet: invalid transaction status transition")
	ErrTransactionNotFound = errors.New("wallet: transaction not found")
	ErrLedgerInconsistent  = errors.New("wallet: ledger invariant violated")
	ErrInvalidRequest      = errors.New("wallet: invalid request")
)

// RejectedError carries the validator's verdict. It matches ErrSecurityRejected.
type RejectedError struct {
	Reason    string
	RiskScore float64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("wallet: rejected by security validator: %s (risk score %.2f)", e.Reason, e.RiskScore)
}

// Is lets errors.Is(err, ErrSecurityRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrSecurityRejected
}

// Status is the lifecycle state of a wallet.
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known wallet status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusFrozen || s == StatusClosed
}

// TxnType classifies a ledger row.
type TxnType string

const (
	TypeDeposit       TxnType = "DEPOSIT"
	TypeWithdrawal    TxnType = "WITHDRAWAL"
	TypePayment       TxnType = "PAYMENT"
	TypeRefund        TxnType = "REFUND"
	TypeEscrowHold    TxnType = "ESCROW_HOLD"
	TypeEscrowRelease TxnType = "ESCROW_RELEASE"
	TypeEscrowRefund  TxnType = "ESCROW_REFUND"
	TypeFee           TxnType = "FEE"
	TypeAdjustment    TxnType = "ADJUSTMENT"
)

// Valid reports whether t is a known transaction type.
func (t TxnType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypePayment, TypeRefund,
		TypeEscrowHold, TypeEscrowRelease, TypeEscrowRefund, TypeFee, TypeAdjustment:
		return true
	}
	return false
}

// TxnStatus is the state of a ledger row.
type TxnStatus string

const (
	TxnPending   TxnStatus = "PENDING"
	TxnCompleted TxnStatus = "COMPLETED"
	TxnHeld      TxnStatus = "HELD_IN_ESCROW"
	TxnReleased  TxnStatus = "RELEASED"
	TxnRefunded  TxnStatus = "REFUNDED"
	TxnFailed    TxnStatus = "FAILED"
)

// Valid reports whether s is a known transaction status.
func (s TxnStatus) Valid() bool {
	switch s {
	case TxnPending, TxnCompleted, TxnHeld, TxnReleased, TxnRefunded, TxnFailed:
		return true
	}
	return false
}

// Wallet is a user's balance record. Balance includes EscrowBalance.
type Wallet struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"userId" db:"user_id"`
	Balance           int64           `json:"balance" db:"balance"`
	EscrowBalance     int64           `json:"escrowBalance" db:"escrow_balance"`
	Currency          string          `json:"currency" db:"currency"`
	Status            Status          `json:"status" db:"status"`
	Gateway           gateway.Gateway `json:"gateway" db:"gateway"`
	Country           string          `json:"country" db:"country"`
	IsEscrowEnabled   bool            `json:"isEscrowEnabled" db:"is_escrow_enabled"`
	EscrowThreshold   int64           `json:"escrowThreshold" db:"escrow_threshold"`
	GatewayCustomerID string          `json:"gatewayCustomerId,omitempty" db:"gateway_customer_id"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// Available is the spendable part of the balance.
func (w *Wallet) Available() int64 {
	return w.Balance - w.EscrowBalance
}

func (w *Wallet) clone() *Wallet {
	c := *w
	return &c
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	WalletID     string          `json:"walletId" db:"wallet_id"`
	Amount       int64           `json:"amount" db:"amount"`
	Fee          int64           `json:"fee" db:"fee"`
	NetAmount    int64           `json:"netAmount" db:"net_amount"`
	Type         TxnType         `json:"type" db:"type"`
	Status       TxnStatus       `json:"status" db:"status"`
	Gateway      gateway.Gateway `json:"gateway" db:"gateway"`
	ReferenceID  string          `json:"referenceId" db:"reference_id"`
	OrderID      string          `json:"orderId,omitempty" db:"order_id"`
	EscrowHoldID *string         `json:"escrowHoldId,omitempty" db:"escrow_hold_id"`
	Metadata     Metadata        `json:"metadata,omitempty" db:"metadata"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty" db:"processed_at"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.Metadata = t.Metadata.Clone()
	if t.EscrowHoldID != nil {
		id := *t.EscrowHoldID
		c.EscrowHoldID = &id
	}
	if t.ProcessedAt != nil {
		at := *t.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// HoldSummary is the escrow view embedded in wallet reads.
type HoldSummary struct {
	ID          string     `json:"id"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	SellerID    string     `json:"sellerId"`
	OrderID     string     `json:"orderId,omitempty"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// HoldLister supplies the active escrow holds of a wallet.
type HoldLister interface {
	ActiveHolds(ctx context.Context, walletID string) ([]HoldSummary, error)
}

// View is a wallet with its recent activity.
type View struct {
	*Wallet
	Available    int64          `json:"available"`
	Transactions []*Transaction `json:"transactions"`
	ActiveHolds  []HoldSummary  `json:"activeHolds"`
}

// SecurityCheck is the input to the transaction security validator.
type SecurityCheck struct {
	UserID   string
	WalletID string
	Amount   int64
	Type     TxnType
	Currency string
	Metadata Metadata
}

// Verdict is the validator's answer.
type Verdict struct {
	IsValid   bool
	Reason    string
	RiskScore float64
}

// Validator screens a movement before any ledger write.
type Validator interface {
	Validate(ctx context.Context, check SecurityCheck) (Verdict, error)
}

// Registrar opens customer records on payment gateways.
type Registrar interface {
	Register(ctx context.Context, g gateway.Gateway, c gateway.Customer) (string, error)
}

// CreateWalletRequest opens a wallet for a user.
type CreateWalletRequest struct {
	UserID      string `json:"userId" binding:"required,max=128"`
	CountryCode string `json:"countryCode" binding:"required,iso3166_1_alpha2"`
	Email       string `json:"email,omitempty" binding:"omitempty,email"`
	Phone       string `json:"phone,omitempty" binding:"omitempty,e164"`
}

// TransactionInput describes a ledger row to record on a wallet.
type TransactionInput struct {
	Amount       int64           `json:"amount"`
	Fee          int64           `json:"fee,omitempty" binding:"gte=0"`
	NetAmount    *int64          `json:"netAmount,omitempty"`
	Currency     string          `json:"currency,omitempty" binding:"omitempty,iso4217"`
	Type         TxnType         `json:"type" binding:"required"`
	Status       TxnStatus       `json:"status,omitempty"`
	Gateway      gateway.Gateway `json:"gateway,omitempty"`
	ReferenceID  string          `json:"referenceId,omitempty" binding:"max=255"`
	OrderID      string          `json:"orderId,omitempty" binding:"max=128"`
	EscrowHoldID *string         `json:"-"`
	Metadata     Metadata        `json:"metadata,omitempty"`
}

// MovementRequest is a credit or debit against a user's wallet.
type MovementRequest struct {
	UserID      string          `json:"-"`
	Amount      int64           `json:"amount" binding:"required,gt=0"`
	Fee         int64           `json:"fee,omitempty" binding:"gte=0"`
	Currency    string          `json:"currency,omitempty" binding:"omitempty,iso4217"`
	Type        TxnType         `json:"type,omitempty"`
	Gateway     gateway.Gateway `json:"gateway,omitempty"`
	ReferenceID string          `json:"referenceId,omitempty" binding:"max=255"`
	OrderID     string          `json:"orderId,omitempty" binding:"max=128"`
	Metadata    Metadata        `json:"metadata,omitempty"`
}

// Reconciliation compares stored balances with a replay of the ledger.
type Reconciliation struct {
	WalletID        string `json:"walletId"`
	StoredBalance   int64  `json:"storedBalance"`
	StoredEscrow    int64  `json:"storedEscrowBalance"`
	ReplayedBalance int64  `json:"replayedBalance"`
	ReplayedEscrow  int64  `json:"replayedEscrowBalance"`
	Transactions    int    `json:"transactions"`
	Consistent      bool   `json:"consistent"`
}
