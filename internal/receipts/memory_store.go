package receipts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	bySettle map[settlement]string
}

type settlement struct {
	hold string
	kind Kind
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
		bySettle: make(map[settlement]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := settlement{r.EscrowHoldID, r.Kind}
	if _, ok := m.bySettle[key]; ok {
		return ErrDuplicateReceipt
	}
	cp := *r
	m.receipts[r.ID] = &cp
	m.bySettle[key] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByHold(_ context.Context, holdID string) ([]*Receipt, error) {
	return m.collect(func(r *Receipt) bool { return r.EscrowHoldID == holdID }, 0), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Receipt, error) {
	return m.collect(func(r *Receipt) bool { return r.BuyerID == userID || r.SellerID == userID }, limit), nil
}

func (m *MemoryStore) collect(match func(*Receipt) bool, limit int) []*Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Receipt{}
	for _, r := range m.receipts {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
