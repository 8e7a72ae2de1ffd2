package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rfqhub/walletd/internal/db"
)

const walletColumns = `id, user_id, balance, escrow_balance, currency, status, gateway, country,
		       is_escrow_enabled, escrow_threshold,
		       COALESCE(gateway_customer_id, '') AS gateway_customer_id,
		       created_at, updated_at`

const transactionColumns = `id, wallet_id, amount, fee, net_amount, type, status, gateway,
		       reference_id, COALESCE(order_id, '') AS order_id, escrow_hold_id,
		       metadata, processed_at, created_at`

// PostgresStore persists wallets and transactions in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx implements Store. The transaction is SERIALIZABLE and fn is re-run
// on serialization failures.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return db.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		return fn(NewPostgresTx(tx))
	})
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return getWallet(ctx, p.db, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
}

func (p *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return getWallet(ctx, p.db, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
}

func (p *PostgresStore) UpdateSettings(ctx context.Context, userID string, upd SettingsUpdate) (*Wallet, error) {
	var status sql.NullString
	if upd.Status != nil {
		status = sql.NullString{String: string(*upd.Status), Valid: true}
	}
	var threshold sql.NullInt64
	if upd.EscrowThreshold != nil {
		threshold = sql.NullInt64{Int64: *upd.EscrowThreshold, Valid: true}
	}
	var enabled sql.NullBool
	if upd.IsEscrowEnabled != nil {
		enabled = sql.NullBool{Bool: *upd.IsEscrowEnabled, Valid: true}
	}
	var customer sql.NullString
	if upd.GatewayCustomerID != nil {
		customer = sql.NullString{String: *upd.GatewayCustomerID, Valid: true}
	}

	return getWallet(ctx, p.db, `
		UPDATE wallets SET
			is_escrow_enabled   = COALESCE($2, is_escrow_enabled),
			escrow_threshold    = COALESCE($3, escrow_threshold),
			status              = COALESCE($4, status),
			gateway_customer_id = COALESCE($5, gateway_customer_id),
			updated_at          = NOW()
		WHERE user_id = $1
		RETURNING `+walletColumns,
		userID, enabled, threshold, status, customer)
}

func (p *PostgresStore) ListUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM wallets
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallet owners: %w", err)
	}
	return ids, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	err := p.db.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns newest first.
func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, filter TxnFilter) ([]*Transaction, error) {
	excluded := make([]string, 0, len(filter.ExcludeTypes))
	for _, t := range filter.ExcludeTypes {
		excluded = append(excluded, string(t))
	}
	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}
	var cursorAt sql.NullTime
	var cursorID string
	if filter.Cursor != nil {
		cursorAt = sql.NullTime{Time: filter.Cursor.CreatedAt, Valid: true}
		cursorID = filter.Cursor.ID
	}

	var txns []*Transaction
	err := p.db.SelectContext(ctx, &txns, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE wallet_id = $1
		  AND NOT (type = ANY($2))
		  AND ($3 = '' OR type = $3)
		  AND ($4 = '' OR status = $4)
		  AND ($7::timestamptz IS NULL OR (created_at, id) < ($7, $8))
		ORDER BY created_at DESC, id DESC
		LIMIT $5 OFFSET $6`,
		walletID, pq.Array(excluded), string(filter.Type), string(filter.Status), limit, filter.Offset, cursorAt, cursorID)
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// PostgresTx implements Tx on a sqlx transaction.
type PostgresTx struct {
	tx *sqlx.Tx
}

// NewPostgresTx wraps tx. The escrow store uses it to share one transaction
// between hold rows and ledger rows.
func NewPostgresTx(tx *sqlx.Tx) *PostgresTx {
	return &PostgresTx{tx: tx}
}

// Sqlx exposes the underlying transaction.
func (t *PostgresTx) Sqlx() *sqlx.Tx {
	return t.tx
}

func (t *PostgresTx) LockWallet(ctx context.Context, id string) (*Wallet, error) {
	return getWallet(ctx, t.tx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
}

func (t *PostgresTx) LockWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return getWallet(ctx, t.tx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
}

func (t *PostgresTx) InsertWallet(ctx context.Context, w *Wallet) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (
			id, user_id, balance, escrow_balance, currency, status, gateway, country,
			is_escrow_enabled, escrow_threshold, gateway_customer_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, w.Balance, w.EscrowBalance, w.Currency, string(w.Status), string(w.Gateway), w.Country,
		w.IsEscrowEnabled, w.EscrowThreshold, nullString(w.GatewayCustomerID), w.CreatedAt, w.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", ErrWalletExists, w.UserID)
	}
	return err
}

func (t *PostgresTx) EnsureWallet(ctx context.Context, w *Wallet) (string, bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (
			id, user_id, balance, escrow_balance, currency, status, gateway, country,
			is_escrow_enabled, escrow_threshold, created_at, updated_at
		) VALUES ($1, $2, 0, 0, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO NOTHING`,
		w.ID, w.UserID, w.Currency, string(w.Status), string(w.Gateway), w.Country,
		w.IsEscrowEnabled, w.EscrowThreshold, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return "", false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return w.ID, true, nil
	}

	var id string
	if err := t.tx.GetContext(ctx, &id, `SELECT id FROM wallets WHERE user_id = $1`, w.UserID); err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (t *PostgresTx) SetBalances(ctx context.Context, walletID string, balance, escrow int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, escrow_balance = $3, updated_at = NOW()
		WHERE id = $1`,
		walletID, balance, escrow)
	if db.IsCheckViolation(err) {
		return fmt.Errorf("%w: balance %d escrow %d", ErrLedgerInconsistent, balance, escrow)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return nil
}

func (t *PostgresTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, wallet_id, amount, fee, net_amount, type, status, gateway,
			reference_id, order_id, escrow_hold_id, metadata, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		txn.ID, txn.WalletID, txn.Amount, txn.Fee, txn.NetAmount, string(txn.Type), string(txn.Status), string(txn.Gateway),
		txn.ReferenceID, nullString(txn.OrderID), txn.EscrowHoldID, txn.Metadata, nullTime(txn.ProcessedAt), txn.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ReferenceID)
	}
	return err
}

func (t *PostgresTx) LockTransaction(ctx context.Context, id string) (*Transaction, error) {
	var txn Transaction
	err := t.tx.GetContext(ctx, &txn, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (t *PostgresTx) SetTransactionStatus(ctx context.Context, id string, status TxnStatus, processedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, processed_at = $3
		WHERE id = $1 AND status = $4`,
		id, string(status), processedAt, string(TxnPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

func (t *PostgresTx) WalletTransactions(ctx context.Context, walletID string) ([]*Transaction, error) {
	var txns []*Transaction
	err := t.tx.SelectContext(ctx, &txns, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE wallet_id = $1
		ORDER BY created_at, id`, walletID)
	return txns, err
}

func getWallet(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*Wallet, error) {
	var w Wallet
	err := sqlx.GetContext(ctx, q, &w, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
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
	_ Tx    = (*PostgresTx)(nil)
)
