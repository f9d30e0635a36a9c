package listing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[string]*Listing
	bids     map[string][]*Bid // listingID -> accepted chain, append order
	bidRefs  map[string]bool   // transferRef -> seen
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		bids:     make(map[string][]*Bid),
		bidRefs:  make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = copyListing(l)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return copyListing(l), nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.listings[l.ID]
	if !ok {
		return ErrListingNotFound
	}
	if stored.Version != l.Version {
		return fault.Conflictf("listing.Update", "listing %s version %d is stale", l.ID, l.Version)
	}
	cp := copyListing(l)
	cp.Version++
	m.listings[l.ID] = cp
	l.Version = cp.Version
	return nil
}

func (m *MemoryStore) AppendBid(ctx context.Context, l *Listing, bid *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.listings[l.ID]
	if !ok {
		return ErrListingNotFound
	}
	if stored.Version != l.Version {
		return fault.Conflictf("listing.AppendBid", "listing %s version %d is stale", l.ID, l.Version)
	}
	if m.bidRefs[bid.TransferRef] {
		return fault.Conflictf("listing.AppendBid", "transfer reference %s already used", bid.TransferRef)
	}

	cp := copyListing(l)
	cp.Version++
	m.listings[l.ID] = cp
	l.Version = cp.Version

	b := *bid
	m.bids[l.ID] = append(m.bids[l.ID], &b)
	m.bidRefs[bid.TransferRef] = true
	return nil
}

func (m *MemoryStore) Leader(ctx context.Context, listingID string) (*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.bids[listingID]
	if len(chain) == 0 {
		return nil, ErrNoBids
	}
	// The chain is strictly increasing; the last accepted bid leads.
	b := *chain[len(chain)-1]
	return &b, nil
}

func (m *MemoryStore) Bids(ctx context.Context, listingID string, limit int) ([]*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.bids[listingID]
	out := make([]*Bid, 0, len(chain))
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		b := *chain[i]
		out = append(out, &b)
	}
	return out, nil
}

func (m *MemoryStore) BidCount(ctx context.Context, listingID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bids[listingID]), nil
}

func (m *MemoryStore) ListEndedAuctions(ctx context.Context, now time.Time, limit int) ([]*Listing, error) {
	return m.listWhere(limit, func(l *Listing) bool {
		return l.Status == StatusActive && l.AuctionStarted && l.EndAt != nil && l.EndAt.Before(now)
	})
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Listing, error) {
	return m.listWhere(limit, func(l *Listing) bool {
		return l.Status == StatusActive && !l.AuctionStarted && l.Mode.BuyNow() &&
			l.EndAt != nil && l.EndAt.Before(now)
	})
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Listing, error) {
	return m.listWhere(limit, func(l *Listing) bool { return l.Status == status })
}

func (m *MemoryStore) listWhere(limit int, keep func(*Listing) bool) ([]*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Listing
	for _, l := range m.listings {
		if keep(l) {
			out = append(out, copyListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyListing(l *Listing) *Listing {
	cp := *l
	cp.Collaborators = append([]money.Share(nil), l.Collaborators...)
	cp.PendingBuyers = append([]money.Share(nil), l.PendingBuyers...)
	cp.PartnerDeposits = append([]PartnerDeposit(nil), l.PartnerDeposits...)
	if l.AuctionStartAt != nil {
		t := *l.AuctionStartAt
		cp.AuctionStartAt = &t
	}
	if l.EndAt != nil {
		t := *l.EndAt
		cp.EndAt = &t
	}
	return &cp
}
