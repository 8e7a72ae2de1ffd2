// Package receipts issues signed proofs of escrow settlement.
//
// Every release and refund produces one receipt. The receipt carries an
// HS256 token over its settlement fields, so a buyer or seller can hand it
// to a third party and have walletd confirm it was not altered.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound  = errors.New("receipts: not found")
	ErrDuplicateReceipt = errors.New("receipts: already issued for this settlement")
	ErrSigningDisabled  = errors.New("receipts: signing disabled (no secret configured)")
)

// Kind is the settlement a receipt proves.
type Kind string

const (
	KindRelease Kind = "escrow_release"
	KindRefund  Kind = "escrow_refund"
)

// Receipt is a signed record that a hold settled.
type Receipt struct {
	ID           string    `json:"id" db:"id"`
	Kind         Kind      `json:"kind" db:"kind"`
	EscrowHoldID string    `json:"escrowHoldId" db:"escrow_hold_id"`
	WalletID     string    `json:"walletId" db:"wallet_id"`
	BuyerID      string    `json:"buyerId" db:"buyer_id"`
	SellerID     string    `json:"sellerId" db:"seller_id"`
	Amount       int64     `json:"amount" db:"amount"` // minor units
	Currency     string    `json:"currency" db:"currency"`
	OrderID      string    `json:"orderId,omitempty" db:"order_id"`
	SettledAt    time.Time `json:"settledAt" db:"settled_at"`
	PayloadHash  string    `json:"payloadHash" db:"payload_hash"`
	Token        string    `json:"token" db:"token"`
	IssuedAt     time.Time `json:"issuedAt" db:"issued_at"`
	ExpiresAt    time.Time `json:"expiresAt" db:"expires_at"`
}

func (r *Receipt) payload() payload {
	return payload{
		Kind:      r.Kind,
		Hold:      r.EscrowHoldID,
		Wallet:    r.WalletID,
		Buyer:     r.BuyerID,
		Seller:    r.SellerID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Order:     r.OrderID,
		SettledAt: r.SettledAt.Unix(),
	}
}

// payload is the signed part of a receipt. Field order is fixed so the
// payload hash is stable.
type payload struct {
	Kind      Kind   `json:"kind"`
	Hold      string `json:"hold"`
	Wallet    string `json:"wallet"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Order     string `json:"order,omitempty"`
	SettledAt int64  `json:"settledAt"`
}

// VerifyRequest is the body of POST /v1/receipts/verify. Either field
// identifies the receipt; a token is checked as presented.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId"`
	Token     string `json:"token"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId,omitempty"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. At most one receipt exists per (hold, kind).
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByHold(ctx context.Context, holdID string) ([]*Receipt, error)
	// ListByUser returns receipts where userID is buyer or seller, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error)
}
