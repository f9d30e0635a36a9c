package stats

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory statistics store for demo/development
// mode.
type MemoryStore struct {
	mu     sync.Mutex
	totals map[string]*Totals
}

// NewMemoryStore creates a new in-memory statistics store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{totals: make(map[string]*Totals)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Apply(ctx context.Context, at time.Time, deltas []Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		t, ok := m.totals[d.Principal]
		if !ok {
			t = &Totals{Principal: d.Principal}
			m.totals[d.Principal] = t
		}
		t.Sales += d.Sales
		t.SaleVolume += d.SaleVolume
		t.Purchases += d.Purchases
		t.PurchaseVolume += d.PurchaseVolume
		t.Referrals += d.Referrals
		t.ReferralVolume += d.ReferralVolume
		t.Collabs += d.Collabs
		t.CollabVolume += d.CollabVolume
		t.Refunds += d.Refunds
		t.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, principal string) (*Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.totals[principal]
	if !ok {
		return &Totals{Principal: principal}, nil
	}
	cp := *t
	return &cp, nil
}
