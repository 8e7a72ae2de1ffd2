package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var walletCols = []string{
	"id", "user_id", "balance", "escrow_balance", "currency", "status", "gateway", "country",
	"is_escrow_enabled", "escrow_threshold", "gateway_customer_id", "created_at", "updated_at",
}

var txnCols = []string{
	"id", "wallet_id", "amount", "fee", "net_amount", "type", "status", "gateway",
	"reference_id", "order_id", "escrow_hold_id", "metadata", "processed_at", "created_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return NewPostgresStore(sqlx.NewDb(raw, "postgres")), mock
}

func walletRow(id, userID string, balance, escrow int64) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(walletCols).AddRow(
		id, userID, balance, escrow, "INR", "active", "RAZORPAY", "IN",
		true, int64(0), "", now, now,
	)
}

func TestPostgresStore_GetWalletByUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(walletRow("wal_1", "u1", 5000, 1000))

	w, err := store.GetWalletByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "wal_1", w.ID)
	assert.Equal(t, int64(4000), w.Available())
	assert.Equal(t, StatusActive, w.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetWalletNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1`).
		WithArgs("wal_x").
		WillReturnRows(sqlmock.NewRows(walletCols))

	_, err := store.GetWallet(context.Background(), "wal_x")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestPostgresStore_CreditFlow(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO wallets (.+) ON CONFLICT \(user_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM wallets WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wal_1"))
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("wal_1").
		WillReturnRows(walletRow("wal_1", "u1", 0, 0))
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wallets SET balance = \$2, escrow_balance = \$3`).
		WithArgs("wal_1", int64(50000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tr, err := svc.Credit(context.Background(), MovementRequest{UserID: "u1", Amount: 50000, Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, TxnCompleted, tr.Status)
	assert.Equal(t, "wal_1", tr.WalletID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DuplicateReference(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, testLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("wal_1").
		WillReturnRows(walletRow("wal_1", "u1", 100, 0))
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_reference_id_key"})
	mock.ExpectRollback()

	_, err := svc.CreateTransaction(context.Background(), "wal_1", TransactionInput{
		Amount: 100, Type: TypeDeposit, Status: TxnCompleted, ReferenceID: "evt_1",
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsufficientBalanceRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewService(store, testLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("wal_1").
		WillReturnRows(walletRow("wal_1", "u1", 1000, 900))
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := svc.CreateTransaction(context.Background(), "wal_1", TransactionInput{
		Amount: 200, Type: TypePayment, Status: TxnCompleted,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RetriesSerializationFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE wallets SET balance`).
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE wallets SET balance`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts := 0
	err := store.WithTx(context.Background(), func(tx Tx) error {
		attempts++
		return tx.SetBalances(context.Background(), "wal_1", 10, 0)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTransactions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hold := "hold_1"

	mock.ExpectQuery(`SELECT (.+) FROM transactions WHERE wallet_id = \$1`).
		WithArgs("wal_1", pq.Array([]string{"ESCROW_HOLD"}), "", "", int64(20), 0, nil, "").
		WillReturnRows(sqlmock.NewRows(txnCols).
			AddRow("txn_2", "wal_1", int64(1000), int64(0), int64(1000), "ESCROW_RELEASE", "RELEASED", "STRIPE",
				"ord:release", "ord_1", hold, []byte(`{"releasedBy":"scheduler"}`), now, now).
			AddRow("txn_1", "wal_1", int64(5000), int64(0), int64(5000), "DEPOSIT", "COMPLETED", "STRIPE",
				"pi_1", "", nil, []byte(`{}`), now, now))

	txns, err := store.ListTransactions(context.Background(), "wal_1", TxnFilter{
		ExcludeTypes: []TxnType{TypeEscrowHold},
		Limit:        20,
	})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	require.NotNil(t, txns[0].EscrowHoldID)
	assert.Equal(t, "hold_1", *txns[0].EscrowHoldID)
	assert.Equal(t, "scheduler", txns[0].Metadata[MetaReleasedBy])
	assert.Nil(t, txns[1].EscrowHoldID)
	assert.Nil(t, txns[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetTransactionStatusRequiresPending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions SET status = \$2, processed_at = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		return tx.SetTransactionStatus(context.Background(), "txn_1", TxnCompleted, time.Now())
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertWalletConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO wallets`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertWallet(context.Background(), &Wallet{ID: "wal_1", UserID: "u1"})
	})
	assert.ErrorIs(t, err, ErrWalletExists)
}

func TestPostgresStore_ListUserIDs(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT user_id FROM wallets`).
		WithArgs("u1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u2").AddRow("u3"))

	ids, err := store.ListUserIDs(context.Background(), "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u3"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
