package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
)

// MemoryStore is an in-memory credit store for demo/development mode.
type MemoryStore struct {
	credits map[string]*Credit
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{credits: make(map[string]*Credit)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, credit *Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *credit
	m.credits[credit.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credits[id]
	if !ok {
		return nil, fault.Conflictf("withdrawal.Get", "credit %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[id]
	if !ok {
		return fault.Conflictf("withdrawal.Claim", "credit %s not found", id)
	}
	if c.Claimed {
		return fault.Conflictf("withdrawal.Claim", "credit %s already claimed", id)
	}
	c.Claimed = true
	claimedAt := at
	c.ClaimedAt = &claimedAt
	return nil
}

func (m *MemoryStore) RecordClaimRef(ctx context.Context, id, claimRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[id]
	if !ok || !c.Claimed {
		return fault.Conflictf("withdrawal.RecordClaimRef", "credit %s is not claimed", id)
	}
	c.ClaimRef = claimRef
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[id]
	if !ok || !c.Claimed || c.ClaimRef != "" {
		return fault.Conflictf("withdrawal.Release", "credit %s is not releasable", id)
	}
	c.Claimed = false
	c.ClaimedAt = nil
	return nil
}

func (m *MemoryStore) ListByBeneficiary(ctx context.Context, beneficiary string, limit int) ([]*Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Credit
	for _, c := range m.credits {
		if c.Beneficiary == beneficiary {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
