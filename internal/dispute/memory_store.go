package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/gavelworks/gavel/internal/fault"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID && existing.Status == StatusOpen {
			return fault.Conflictf("dispute.Create", "transaction %s already has an open dispute", d.TransactionID)
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetOpenByTransaction(ctx context.Context, txnID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.TransactionID == txnID && d.Status == StatusOpen {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Version != d.Version {
		return fault.Conflictf("dispute.Update", "dispute %s version %d is stale", d.ID, d.Version)
	}
	cp := copyDispute(d)
	cp.Version++
	m.disputes[d.ID] = cp
	d.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
