package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rfqhub/walletd/internal/wallet"
)

// MemoryStore keeps holds in memory on top of a wallet.MemoryStore. WithTx
// runs inside the wallet store's transaction, so a failed unit of work rolls
// back hold writes and ledger writes together.
type MemoryStore struct {
	ledger *wallet.MemoryStore

	mu     sync.Mutex
	holds  map[string]*Hold
	byRef  map[string]string
	orders []string
}

// NewMemoryStore creates an in-memory hold store sharing ledger's transactions.
func NewMemoryStore(ledger *wallet.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger: ledger,
		holds:  make(map[string]*Hold),
		byRef:  make(map[string]string),
	}
}

// WithTx implements Store. Lock order is ledger then holds.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return m.ledger.WithTx(ctx, func(wtx wallet.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		tx := &memTx{Tx: wtx, store: m}
		if err := fn(tx); err != nil {
			tx.rollback()
			return err
		}
		return nil
	})
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.clone(), nil
}

// List returns newest first.
func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Hold, int, error) {
	f = f.normalized()

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Hold
	for i := len(m.orders) - 1; i >= 0; i-- {
		h := m.holds[m.orders[i]]
		if f.matches(h) {
			matched = append(matched, h)
		}
	}

	total := len(matched)
	start := min(f.offset(), total)
	end := min(start+f.Limit, total)
	page := make([]*Hold, 0, end-start)
	for _, h := range matched[start:end] {
		page = append(page, h.clone())
	}
	return page, total, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Hold
	for _, id := range m.orders {
		if h := m.holds[id]; h.Due(now) && !after.before(h) {
			due = append(due, h.clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ReleaseDate.Equal(*due[j].ReleaseDate) {
			return due[i].ReleaseDate.Before(*due[j].ReleaseDate)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) ListActiveByWallet(ctx context.Context, walletID string) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*Hold
	for _, id := range m.orders {
		if h := m.holds[id]; h.WalletID == walletID && h.Status == StatusHeld {
			active = append(active, h.clone())
		}
	}
	return active, nil
}

func (m *MemoryStore) ListForAnalytics(ctx context.Context, f AnalyticsFilter, limit int) ([]*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Hold
	for i := len(m.orders) - 1; i >= 0 && len(out) < limit; i-- {
		if h := m.holds[m.orders[i]]; f.matches(h) {
			out = append(out, h.clone())
		}
	}
	return out, nil
}

// memTx journals hold writes; the embedded wallet.Tx journals its own.
type memTx struct {
	wallet.Tx
	store *MemoryStore
	undo  []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) InsertHold(ctx context.Context, h *Hold) error {
	if _, ok := t.store.holds[h.ID]; ok {
		return fmt.Errorf("escrow: hold %s already exists", h.ID)
	}
	if _, ok := t.store.byRef[h.ReferenceID]; ok {
		return fmt.Errorf("%w: %s", wallet.ErrDuplicateReference, h.ReferenceID)
	}
	t.store.holds[h.ID] = h.clone()
	t.store.byRef[h.ReferenceID] = h.ID
	t.store.orders = append(t.store.orders, h.ID)
	t.undo = append(t.undo, func() {
		delete(t.store.holds, h.ID)
		delete(t.store.byRef, h.ReferenceID)
		t.store.orders = t.store.orders[:len(t.store.orders)-1]
	})
	return nil
}

func (t *memTx) LockHold(ctx context.Context, id string) (*Hold, error) {
	h, ok := t.store.holds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, id)
	}
	return h.clone(), nil
}

func (t *memTx) UpdateHold(ctx context.Context, h *Hold) error {
	prev, ok := t.store.holds[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHoldNotFound, h.ID)
	}
	t.store.holds[h.ID] = h.clone()
	t.undo = append(t.undo, func() {
		t.store.holds[h.ID] = prev
	})
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
