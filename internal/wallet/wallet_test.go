package wallet

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfqhub/walletd/internal/gateway"
)

func txn(typ TxnType, status TxnStatus, amount, fee int64) *Transaction {
	return &Transaction{Type: typ, Status: status, Amount: amount, Fee: fee, NetAmount: amount - fee}
}

func TestEffect(t *testing.T) {
	tests := []struct {
		name            string
		t               *Transaction
		balance, escrow int64
	}{
		{"completed deposit adds net", txn(TypeDeposit, TxnCompleted, 1000, 30), 970, 0},
		{"completed refund adds net", txn(TypeRefund, TxnCompleted, 500, 0), 500, 0},
		{"completed withdrawal removes amount", txn(TypeWithdrawal, TxnCompleted, 1000, 30), -1000, 0},
		{"completed payment removes amount", txn(TypePayment, TxnCompleted, 700, 0), -700, 0},
		{"completed fee removes amount", txn(TypeFee, TxnCompleted, 25, 0), -25, 0},
		{"negative adjustment", txn(TypeAdjustment, TxnCompleted, -40, 0), -40, 0},
		{"seller credit from release", txn(TypeEscrowRelease, TxnCompleted, 1000, 0), 1000, 0},
		{"hold reserves", txn(TypeEscrowHold, TxnHeld, 1000, 0), 0, 1000},
		{"release removes both", txn(TypeEscrowRelease, TxnReleased, 1000, 0), -1000, -1000},
		{"refund frees reservation only", txn(TypeEscrowRefund, TxnRefunded, 1000, 0), 0, -1000},
		{"pending deposit ignored", txn(TypeDeposit, TxnPending, 1000, 0), 0, 0},
		{"failed withdrawal ignored", txn(TypeWithdrawal, TxnFailed, 1000, 0), 0, 0},
		{"held deposit ignored", txn(TypeDeposit, TxnHeld, 1000, 0), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, e := Effect(tt.t)
			assert.Equal(t, tt.balance, b, "balance")
			assert.Equal(t, tt.escrow, e, "escrow")
		})
	}
}

func TestReplay(t *testing.T) {
	ledger := []*Transaction{
		txn(TypeDeposit, TxnCompleted, 50000, 0),
		txn(TypeWithdrawal, TxnCompleted, 20000, 0),
		txn(TypeEscrowHold, TxnHeld, 1000, 0),
		txn(TypeEscrowRelease, TxnReleased, 1000, 0),
		txn(TypeEscrowHold, TxnHeld, 2000, 0),
		txn(TypeEscrowRefund, TxnRefunded, 2000, 0),
		txn(TypeEscrowHold, TxnHeld, 500, 0),
		txn(TypeDeposit, TxnFailed, 99999, 0),
	}
	balance, escrow := Replay(ledger)
	assert.Equal(t, int64(29000), balance)
	assert.Equal(t, int64(500), escrow)
}

func TestNewTransactionDefaults(t *testing.T) {
	w := &Wallet{ID: "wal_1", Gateway: gateway.Razorpay}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	pending := NewTransaction(w, TransactionInput{Amount: 1000, Fee: 20, Type: TypeDeposit}, now)
	assert.Equal(t, TxnPending, pending.Status)
	assert.Equal(t, gateway.Razorpay, pending.Gateway)
	assert.Equal(t, int64(980), pending.NetAmount)
	assert.True(t, strings.HasPrefix(pending.ReferenceID, "ref_txn_"))
	assert.Nil(t, pending.ProcessedAt)

	net := int64(900)
	done := NewTransaction(w, TransactionInput{Amount: 1000, NetAmount: &net, Type: TypeDeposit, Status: TxnCompleted, ReferenceID: "pi_1"}, now)
	assert.Equal(t, int64(900), done.NetAmount)
	assert.Equal(t, "pi_1", done.ReferenceID)
	require.NotNil(t, done.ProcessedAt)
	assert.Equal(t, now, *done.ProcessedAt)
}

func TestValidateGeneric(t *testing.T) {
	tests := []struct {
		name string
		in   TransactionInput
		want error
	}{
		{"deposit ok", TransactionInput{Amount: 10, Type: TypeDeposit}, nil},
		{"pending ok", TransactionInput{Amount: 10, Type: TypePayment, Status: TxnPending}, nil},
		{"negative adjustment ok", TransactionInput{Amount: -10, Type: TypeAdjustment, Status: TxnCompleted}, nil},
		{"zero adjustment", TransactionInput{Amount: 0, Type: TypeAdjustment}, ErrInvalidAmount},
		{"zero amount", TransactionInput{Amount: 0, Type: TypeDeposit}, ErrInvalidAmount},
		{"fee above amount", TransactionInput{Amount: 10, Fee: 11, Type: TypeDeposit}, ErrInvalidAmount},
		{"unknown type", TransactionInput{Amount: 10, Type: "BONUS"}, ErrInvalidTransaction},
		{"escrow hold", TransactionInput{Amount: 10, Type: TypeEscrowHold}, ErrInvalidTransaction},
		{"escrow status", TransactionInput{Amount: 10, Type: TypeDeposit, Status: TxnHeld}, ErrInvalidTransaction},
		{"completed escrow release ok", TransactionInput{Amount: 10, Type: TypeEscrowRelease, Status: TxnCompleted}, nil},
		{"completed escrow refund ok", TransactionInput{Amount: 10, Type: TypeEscrowRefund, Status: TxnCompleted}, nil},
		{"released status", TransactionInput{Amount: 10, Type: TypeEscrowRelease, Status: TxnReleased}, ErrInvalidTransaction},
		{"refunded status", TransactionInput{Amount: 10, Type: TypeEscrowRefund, Status: TxnRefunded}, ErrInvalidTransaction},
		{"unknown gateway", TransactionInput{Amount: 10, Type: TypeDeposit, Gateway: "PAYPAL"}, ErrInvalidTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateGeneric(tt.in)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckWalletAccepts(t *testing.T) {
	frozen := &Wallet{ID: "wal_1", Status: StatusFrozen}
	closed := &Wallet{ID: "wal_2", Status: StatusClosed}

	deposit := txn(TypeDeposit, TxnCompleted, 10, 0)
	withdrawal := txn(TypeWithdrawal, TxnCompleted, 10, 0)
	hold := txn(TypeEscrowHold, TxnHeld, 10, 0)
	release := txn(TypeEscrowRelease, TxnReleased, 10, 0)

	check := func(w *Wallet, tr *Transaction) error {
		b, e := Effect(tr)
		return checkWalletAccepts(w, tr, b, e)
	}

	assert.NoError(t, check(frozen, deposit))
	assert.ErrorIs(t, check(frozen, withdrawal), ErrWalletInactive)
	assert.ErrorIs(t, check(frozen, hold), ErrWalletInactive)
	assert.NoError(t, check(frozen, release))
	assert.ErrorIs(t, check(closed, deposit), ErrWalletInactive)
	assert.NoError(t, check(closed, release))
}

func TestRejectedErrorMatchesSentinel(t *testing.T) {
	var err error = &RejectedError{Reason: "velocity", RiskScore: 0.91}
	assert.True(t, errors.Is(err, ErrSecurityRejected))
	assert.Contains(t, err.Error(), "velocity")
}

func TestMetadataValueAndScan(t *testing.T) {
	md := Metadata{MetaReason: "buyer cancelled", MetaSource: "checkout"}
	v, err := md.Value()
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok, "Value must return a string")

	var decoded Metadata
	require.NoError(t, decoded.Scan([]byte(s)))
	assert.Equal(t, md, decoded)

	var empty Metadata
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	require.NoError(t, decoded.Scan("{}"))
	assert.Nil(t, decoded)
	require.NoError(t, decoded.Scan(nil))
	assert.Nil(t, decoded)
	assert.Error(t, decoded.Scan(42))
}

func TestMetadataWithDoesNotAlias(t *testing.T) {
	base := Metadata{MetaNote: "a"}
	next := base.With(MetaReleasedBy, "scheduler")
	assert.Len(t, base, 1)
	assert.Equal(t, "scheduler", next[MetaReleasedBy])

	var nilMD Metadata
	assert.Equal(t, Metadata{MetaReason: "x"}, nilMD.With(MetaReason, "x"))
}

func TestMetadataValidate(t *testing.T) {
	assert.NoError(t, Metadata{MetaNote: "ok"}.Validate())
	assert.ErrorIs(t, Metadata{"": "x"}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Metadata{MetaNote: strings.Repeat("x", 1025)}.Validate(), ErrInvalidRequest)

	big := Metadata{}
	for i := 0; i < 33; i++ {
		big[strings.Repeat("k", i+1)] = "v"
	}
	assert.ErrorIs(t, big.Validate(), ErrInvalidRequest)
}

func TestViewJSONIncludesAvailable(t *testing.T) {
	w := &Wallet{ID: "wal_1", UserID: "u1", Balance: 100, EscrowBalance: 40, Currency: "INR", Gateway: gateway.Razorpay}
	view := View{Wallet: w, Available: w.Available()}
	b, err := json.Marshal(view)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(60), m["available"])
	assert.Equal(t, float64(40), m["escrowBalance"])
	assert.Equal(t, "RAZORPAY", m["gateway"])
}
