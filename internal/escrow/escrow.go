// Package escrow reserves buyer funds against an order and settles them.
//
// Flow:
//  1. CreateHold → buyer's available funds move into escrowBalance
//  2. Release   → funds leave the buyer and are credited to the seller
//  3. Refund    → the reservation is freed; the buyer's balance never moved
//
// A hold leaves HELD_IN_ESCROW exactly once. Every transition runs in one
// storage transaction together with its ledger rows.
package escrow

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rfqhub/walletd/internal/gateway"
	"github.com/rfqhub/walletd/internal/wallet"
)

var (
	ErrHoldNotFound = errors.New("escrow: hold not found")
	ErrInvalidState = errors.New("escrow: hold is not held in escrow")
	ErrSameParty    = errors.New("escrow: buyer and seller must differ")
)

// Status is the state of a hold. HELD_IN_ESCROW is the only non-terminal state.
type Status string

const (
	StatusHeld     Status = "HELD_IN_ESCROW"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
)

// Valid reports whether s is a known hold status.
func (s Status) Valid() bool {
	return s == StatusHeld || s == StatusReleased || s == StatusRefunded
}

// Who triggered a release, stored under wallet.MetaReleasedBy.
const (
	ReleasedByAPI       = "api"
	ReleasedByScheduler = "scheduler"
)

// Hold is a reservation of buyer funds pending an order condition.
type Hold struct {
	ID           string          `json:"id" db:"id"`
	WalletID     string          `json:"walletId" db:"wallet_id"`
	BuyerID      string          `json:"buyerId" db:"buyer_id"`
	SellerID     string          `json:"sellerId" db:"seller_id"`
	Amount       int64           `json:"amount" db:"amount"`
	Currency     string          `json:"currency" db:"currency"`
	Status       Status          `json:"status" db:"status"`
	Gateway      gateway.Gateway `json:"gateway" db:"gateway"`
	ReferenceID  string          `json:"referenceId" db:"reference_id"`
	OrderID      string          `json:"orderId,omitempty" db:"order_id"`
	ReleaseDate  *time.Time      `json:"releaseDate,omitempty" db:"release_date"`
	ReleasedAt   *time.Time      `json:"releasedAt,omitempty" db:"released_at"`
	RefundedAt   *time.Time      `json:"refundedAt,omitempty" db:"refunded_at"`
	RefundReason string          `json:"refundReason,omitempty" db:"refund_reason"`
	Metadata     wallet.Metadata `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsTerminal returns true once the hold has been released or refunded.
func (h *Hold) IsTerminal() bool {
	return h.Status == StatusReleased || h.Status == StatusRefunded
}

// Due reports whether the scheduler should release h at now.
func (h *Hold) Due(now time.Time) bool {
	return h.Status == StatusHeld && h.ReleaseDate != nil && !h.ReleaseDate.After(now)
}

func (h *Hold) clone() *Hold {
	c := *h
	c.Metadata = h.Metadata.Clone()
	c.ReleaseDate = cloneTime(h.ReleaseDate)
	c.ReleasedAt = cloneTime(h.ReleasedAt)
	c.RefundedAt = cloneTime(h.RefundedAt)
	return &c
}

// Summary is the hold as shown inside a wallet read.
func (h *Hold) Summary() wallet.HoldSummary {
	return wallet.HoldSummary{
		ID:          h.ID,
		Amount:      h.Amount,
		Currency:    h.Currency,
		SellerID:    h.SellerID,
		OrderID:     h.OrderID,
		ReleaseDate: cloneTime(h.ReleaseDate),
		CreatedAt:   h.CreatedAt,
	}
}

// Store persists holds. Balance-affecting work goes through WithTx so hold
// rows and ledger rows commit together.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	Get(ctx context.Context, id string) (*Hold, error)
	// List returns one page of holds matching f and the total match count.
	List(ctx context.Context, f ListFilter) ([]*Hold, int, error)
	// ListDue returns held holds whose release date is at or before now,
	// ordered by (release date, id) and starting after the cursor.
	ListDue(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*Hold, error)
	ListActiveByWallet(ctx context.Context, walletID string) ([]*Hold, error)
	// ListForAnalytics returns up to limit holds matching f, newest first.
	ListForAnalytics(ctx context.Context, f AnalyticsFilter, limit int) ([]*Hold, error)
}

// ReceiptIssuer records signed proof that a hold settled.
type ReceiptIssuer interface {
	IssueForHold(ctx context.Context, h *Hold) error
}

// DueCursor is a position in the due-hold ordering. The zero value starts
// at the beginning.
type DueCursor struct {
	ReleaseDate time.Time
	ID          string
}

func (c DueCursor) started() bool {
	return c.ID != ""
}

// before reports whether h sorts at or before the cursor.
func (c DueCursor) before(h *Hold) bool {
	if !c.started() {
		return false
	}
	if !h.ReleaseDate.Equal(c.ReleaseDate) {
		return h.ReleaseDate.Before(c.ReleaseDate)
	}
	return h.ID <= c.ID
}

func cursorAt(h *Hold) DueCursor {
	return DueCursor{ReleaseDate: *h.ReleaseDate, ID: h.ID}
}

// Tx extends the ledger unit of work with hold rows.
type Tx interface {
	wallet.Tx

	InsertHold(ctx context.Context, h *Hold) error
	// LockHold loads a hold and locks it until the transaction ends.
	LockHold(ctx context.Context, id string) (*Hold, error)
	UpdateHold(ctx context.Context, h *Hold) error
}

// Ledger is the part of the wallet service the engine builds on.
type Ledger interface {
	Screen(ctx context.Context, w *wallet.Wallet, typ wallet.TxnType, amount int64, md wallet.Metadata) error
	EnsureWalletInTx(ctx context.Context, tx wallet.Tx, userID, currency string) (string, bool, error)
	CreditInTx(ctx context.Context, tx wallet.Tx, w *wallet.Wallet, in wallet.TransactionInput) (*wallet.Transaction, error)
}

// ListFilter narrows List. Page starts at 1.
type ListFilter struct {
	WalletID string
	Status   Status
	Gateway  gateway.Gateway
	OrderID  string
	Page     int
	Limit    int
}

// Default and maximum page sizes for List.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// maxPage keeps the row offset representable.
const maxPage = math.MaxInt32

func (f ListFilter) normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Page > maxPage {
		f.Page = maxPage
	}
	return f
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.Limit
}

func (f ListFilter) matches(h *Hold) bool {
	if f.WalletID != "" && h.WalletID != f.WalletID {
		return false
	}
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	if f.Gateway != "" && h.Gateway != f.Gateway {
		return false
	}
	if f.OrderID != "" && h.OrderID != f.OrderID {
		return false
	}
	return true
}

// CreateRequest reserves funds on the buyer's wallet.
type CreateRequest struct {
	WalletID    string          `json:"walletId" binding:"required"`
	Amount      int64           `json:"amount" binding:"required,gt=0"`
	Currency    string          `json:"currency" binding:"omitempty,iso4217"`
	Gateway     gateway.Gateway `json:"gateway,omitempty"`
	BuyerID     string          `json:"buyerId,omitempty" binding:"max=128"`
	SellerID    string          `json:"sellerId" binding:"required,max=128"`
	OrderID     string          `json:"orderId,omitempty" binding:"max=128"`
	ReferenceID string          `json:"referenceId,omitempty" binding:"max=200"`
	ReleaseDate *time.Time      `json:"releaseDate,omitempty"`
	Metadata    wallet.Metadata `json:"metadata,omitempty"`
}

// Result is a hold together with the ledger rows one operation wrote.
type Result struct {
	Hold         *Hold                 `json:"hold"`
	Transactions []*wallet.Transaction `json:"transactions"`
}

// Reference ids of the ledger rows derived from a hold.
func holdRef(ref string) string          { return ref + ":hold" }
func releaseRef(ref string) string       { return ref + ":release" }
func releaseCreditRef(ref string) string { return ref + ":release:credit" }
func refundRef(ref string) string        { return ref + ":refund" }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
