package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rfqhub/walletd/internal/db"
)

const receiptColumns = `id, kind, escrow_hold_id, wallet_id, buyer_id, seller_id, amount, currency,
		       COALESCE(order_id, '') AS order_id, settled_at, payload_hash, token, issued_at, expires_at`

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, kind, escrow_hold_id, wallet_id, buyer_id, seller_id, amount, currency,
			order_id, settled_at, payload_hash, token, issued_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, string(r.Kind), r.EscrowHoldID, r.WalletID, r.BuyerID, r.SellerID, r.Amount, r.Currency,
		nullString(r.OrderID), r.SettledAt, r.PayloadHash, r.Token, r.IssuedAt, r.ExpiresAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateReceipt
	}
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	var r Receipt
	err := p.db.GetContext(ctx, &r, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return &r, nil
}

func (p *PostgresStore) ListByHold(ctx context.Context, holdID string) ([]*Receipt, error) {
	out := []*Receipt{}
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE escrow_hold_id = $1
		ORDER BY issued_at DESC, id DESC`, holdID)
	if err != nil {
		return nil, fmt.Errorf("list receipts by hold: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error) {
	out := []*Receipt{}
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+receiptColumns+`
		FROM receipts
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY issued_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts by user: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
