package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rfqhub/walletd/internal/db"
	"github.com/rfqhub/walletd/internal/wallet"
)

const holdColumns = `id, wallet_id, buyer_id, seller_id, amount, currency, status, gateway,
		       reference_id, COALESCE(order_id, '') AS order_id, release_date,
		       released_at, refunded_at, refund_reason, metadata, created_at, updated_at`

// holdFilter is shared by List's count and page queries.
const holdFilter = `($1 = '' OR wallet_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR gateway = $3)
		  AND ($4 = '' OR order_id = $4)`

// PostgresStore persists holds in PostgreSQL next to the wallet tables.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed hold store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx implements Store. Hold rows and ledger rows share one SERIALIZABLE
// transaction that is re-run on serialization failures.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return db.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		return fn(&postgresTx{PostgresTx: wallet.NewPostgresTx(tx)})
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	return getHold(ctx, p.db, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Hold, int, error) {
	f = f.normalized()
	args := []any{f.WalletID, string(f.Status), string(f.Gateway), f.OrderID}

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM escrow_holds WHERE `+holdFilter, args...); err != nil {
		return nil, 0, fmt.Errorf("count holds: %w", err)
	}

	holds := []*Hold{}
	err := p.db.SelectContext(ctx, &holds, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE `+holdFilter+`
		ORDER BY created_at DESC, id DESC
		LIMIT $5 OFFSET $6`,
		append(args, f.Limit, f.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list holds: %w", err)
	}
	return holds, total, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*Hold, error) {
	where := `status = $1 AND release_date IS NOT NULL AND release_date <= $2`
	args := []any{string(StatusHeld), now}
	if after.started() {
		where += ` AND (release_date, id) > ($3, $4)`
		args = append(args, after.ReleaseDate, after.ID)
	}
	args = append(args, limit)

	var holds []*Hold
	err := p.db.SelectContext(ctx, &holds, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE `+where+`
		ORDER BY release_date, id
		LIMIT $`+strconv.Itoa(len(args)),
		args...)
	return holds, err
}

func (p *PostgresStore) ListActiveByWallet(ctx context.Context, walletID string) ([]*Hold, error) {
	var holds []*Hold
	err := p.db.SelectContext(ctx, &holds, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE wallet_id = $1 AND status = $2
		ORDER BY created_at, id`,
		walletID, string(StatusHeld))
	return holds, err
}

func (p *PostgresStore) ListForAnalytics(ctx context.Context, f AnalyticsFilter, limit int) ([]*Hold, error) {
	holds := []*Hold{}
	err := p.db.SelectContext(ctx, &holds, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE ($1 = '' OR seller_id = $1)
		  AND ($2 = '' OR gateway = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		f.SellerID, string(f.Gateway), nullTime(f.From), nullTime(f.To), limit)
	if err != nil {
		return nil, fmt.Errorf("list holds for analytics: %w", err)
	}
	return holds, nil
}

// postgresTx adds hold rows to the ledger transaction.
type postgresTx struct {
	*wallet.PostgresTx
}

func (t *postgresTx) InsertHold(ctx context.Context, h *Hold) error {
	_, err := t.Sqlx().ExecContext(ctx, `
		INSERT INTO escrow_holds (
			id, wallet_id, buyer_id, seller_id, amount, currency, status, gateway,
			reference_id, order_id, release_date, refund_reason, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		h.ID, h.WalletID, h.BuyerID, h.SellerID, h.Amount, h.Currency, string(h.Status), string(h.Gateway),
		h.ReferenceID, nullString(h.OrderID), nullTime(h.ReleaseDate), h.RefundReason, h.Metadata,
		h.CreatedAt, h.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", wallet.ErrDuplicateReference, h.ReferenceID)
	}
	return err
}

func (t *postgresTx) LockHold(ctx context.Context, id string) (*Hold, error) {
	return getHold(ctx, t.Sqlx(), `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, id)
}

// UpdateHold writes the mutable settlement columns.
func (t *postgresTx) UpdateHold(ctx context.Context, h *Hold) error {
	res, err := t.Sqlx().ExecContext(ctx, `
		UPDATE escrow_holds
		SET status = $2, released_at = $3, refunded_at = $4, refund_reason = $5,
		    metadata = $6, updated_at = $7
		WHERE id = $1`,
		h.ID, string(h.Status), nullTime(h.ReleasedAt), nullTime(h.RefundedAt), h.RefundReason,
		h.Metadata, h.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrHoldNotFound, h.ID)
	}
	return nil
}

func getHold(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*Hold, error) {
	var h Hold
	err := sqlx.GetContext(ctx, q, &h, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
