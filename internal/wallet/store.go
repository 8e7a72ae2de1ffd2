package wallet

import (
	"context"
	"time"

	"github.com/rfqhub/walletd/internal/pagination"
)

// Store persists wallets and their ledger.
type Store interface {
	// WithTx runs fn atomically. fn may be re-run on serialization conflicts.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	UpdateSettings(ctx context.Context, userID string, upd SettingsUpdate) (*Wallet, error)
	// ListUserIDs pages wallet owners in ascending order, starting after the
	// given user id.
	ListUserIDs(ctx context.Context, after string, limit int) ([]string, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, filter TxnFilter) ([]*Transaction, error)
}

// Tx is the unit of work every balance mutation runs in. Lock* methods hold
// the row until the transaction ends.
type Tx interface {
	LockWallet(ctx context.Context, id string) (*Wallet, error)
	LockWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	InsertWallet(ctx context.Context, w *Wallet) error
	// EnsureWallet inserts w unless the user already has a wallet and returns
	// the id of the user's wallet. It does not lock the row.
	EnsureWallet(ctx context.Context, w *Wallet) (id string, created bool, err error)
	SetBalances(ctx context.Context, walletID string, balance, escrow int64) error

	InsertTransaction(ctx context.Context, t *Transaction) error
	LockTransaction(ctx context.Context, id string) (*Transaction, error)
	SetTransactionStatus(ctx context.Context, id string, status TxnStatus, processedAt time.Time) error
	WalletTransactions(ctx context.Context, walletID string) ([]*Transaction, error)
}

// SettingsUpdate changes administrative wallet fields. Nil fields are left alone.
type SettingsUpdate struct {
	IsEscrowEnabled   *bool
	EscrowThreshold   *int64
	Status            *Status
	GatewayCustomerID *string
}

// TxnFilter narrows ListTransactions. Limit <= 0 means no limit. A non-nil
// Cursor restricts the page to rows strictly older than it.
type TxnFilter struct {
	ExcludeTypes []TxnType
	Type         TxnType
	Status       TxnStatus
	Cursor       *pagination.Cursor
	Limit        int
	Offset       int
}

func (f TxnFilter) matches(t *Transaction) bool {
	for _, ex := range f.ExcludeTypes {
		if t.Type == ex {
			return false
		}
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if c := f.Cursor; c != nil {
		if t.CreatedAt.After(c.CreatedAt) || (t.CreatedAt.Equal(c.CreatedAt) && t.ID >= c.ID) {
			return false
		}
	}
	return true
}
