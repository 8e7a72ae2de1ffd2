package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for development mode and tests.
// WithTx holds one mutex for the whole unit of work and undoes its writes
// when fn fails, which gives the same all-or-nothing behaviour as Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	byUser  map[string]string
	txns    []*Transaction
	byID    map[string]int
	byRef   map[string]string
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byUser:  make(map[string]string),
		byID:    make(map[string]int),
		byRef:   make(map[string]string),
	}
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.clone(), nil
}

func (m *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.wallets[id].clone(), nil
}

func (m *MemoryStore) UpdateSettings(ctx context.Context, userID string, upd SettingsUpdate) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w := m.wallets[id]
	if upd.IsEscrowEnabled != nil {
		w.IsEscrowEnabled = *upd.IsEscrowEnabled
	}
	if upd.EscrowThreshold != nil {
		w.EscrowThreshold = *upd.EscrowThreshold
	}
	if upd.Status != nil {
		w.Status = *upd.Status
	}
	if upd.GatewayCustomerID != nil {
		w.GatewayCustomerID = *upd.GatewayCustomerID
	}
	w.UpdatedAt = time.Now()
	return w.clone(), nil
}

func (m *MemoryStore) ListUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.byUser))
	for userID := range m.byUser {
		if userID > after {
			ids = append(ids, userID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.txns[i].clone(), nil
}

// ListTransactions returns newest first.
func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, filter TxnFilter) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	skipped := 0
	for i := len(m.txns) - 1; i >= 0; i-- {
		t := m.txns[i]
		if t.WalletID != walletID || !filter.matches(t) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, t.clone())
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// memTx mutates the store directly and journals an undo step per write.
// The store mutex is held by WithTx for its whole lifetime.
type memTx struct {
	store *MemoryStore
	undo  []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockWallet(ctx context.Context, id string) (*Wallet, error) {
	w, ok := t.store.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return w.clone(), nil
}

func (t *memTx) LockWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	id, ok := t.store.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrWalletNotFound, userID)
	}
	return t.store.wallets[id].clone(), nil
}

func (t *memTx) InsertWallet(ctx context.Context, w *Wallet) error {
	if _, ok := t.store.byUser[w.UserID]; ok {
		return fmt.Errorf("%w: user %s", ErrWalletExists, w.UserID)
	}
	if _, ok := t.store.wallets[w.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrWalletExists, w.ID)
	}
	t.store.wallets[w.ID] = w.clone()
	t.store.byUser[w.UserID] = w.ID
	t.undo = append(t.undo, func() {
		delete(t.store.wallets, w.ID)
		delete(t.store.byUser, w.UserID)
	})
	return nil
}

func (t *memTx) EnsureWallet(ctx context.Context, w *Wallet) (string, bool, error) {
	if id, ok := t.store.byUser[w.UserID]; ok {
		return id, false, nil
	}
	if err := t.InsertWallet(ctx, w); err != nil {
		return "", false, err
	}
	return w.ID, true, nil
}

func (t *memTx) SetBalances(ctx context.Context, walletID string, balance, escrow int64) error {
	w, ok := t.store.wallets[walletID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	if escrow < 0 || balance < escrow {
		return fmt.Errorf("%w: balance %d escrow %d", ErrLedgerInconsistent, balance, escrow)
	}
	prevBalance, prevEscrow, prevUpdated := w.Balance, w.EscrowBalance, w.UpdatedAt
	w.Balance, w.EscrowBalance, w.UpdatedAt = balance, escrow, time.Now()
	t.undo = append(t.undo, func() {
		w.Balance, w.EscrowBalance, w.UpdatedAt = prevBalance, prevEscrow, prevUpdated
	})
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if _, ok := t.store.byRef[txn.ReferenceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.ReferenceID)
	}
	if _, ok := t.store.wallets[txn.WalletID]; !ok {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, txn.WalletID)
	}
	t.store.txns = append(t.store.txns, txn.clone())
	t.store.byID[txn.ID] = len(t.store.txns) - 1
	t.store.byRef[txn.ReferenceID] = txn.ID
	t.undo = append(t.undo, func() {
		t.store.txns = t.store.txns[:len(t.store.txns)-1]
		delete(t.store.byID, txn.ID)
		delete(t.store.byRef, txn.ReferenceID)
	})
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id string) (*Transaction, error) {
	i, ok := t.store.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return t.store.txns[i].clone(), nil
}

func (t *memTx) SetTransactionStatus(ctx context.Context, id string, status TxnStatus, processedAt time.Time) error {
	i, ok := t.store.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	txn := t.store.txns[i]
	if txn.Status != TxnPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, txn.Status)
	}
	prevStatus, prevProcessed := txn.Status, txn.ProcessedAt
	at := processedAt
	txn.Status, txn.ProcessedAt = status, &at
	t.undo = append(t.undo, func() {
		txn.Status, txn.ProcessedAt = prevStatus, prevProcessed
	})
	return nil
}

func (t *memTx) WalletTransactions(ctx context.Context, walletID string) ([]*Transaction, error) {
	var result []*Transaction
	for _, txn := range t.store.txns {
		if txn.WalletID == walletID {
			result = append(result, txn.clone())
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
