package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	mu     sync.Mutex
	offers map[string]*Offer
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if stored.Version != o.Version {
		return fault.Conflictf("offer.Update", "offer %s version %d is stale", o.ID, o.Version)
	}
	cp := *o
	cp.Version++
	m.offers[o.ID] = &cp
	o.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return m.listWhere(limit, func(o *Offer) bool { return o.ListingID == listingID })
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	return m.listWhere(limit, func(o *Offer) bool {
		return o.Status == StatusActive && o.Deadline.Before(now)
	})
}

func (m *MemoryStore) listWhere(limit int, keep func(*Offer) bool) ([]*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Offer
	for _, o := range m.offers {
		if keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
