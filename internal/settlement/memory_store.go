package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// MemoryStore is an in-memory transaction store for demo/development
// mode. A single mutex stands in for the serializable transaction
// boundary: Finalize's re-read, decide, and write happen under it.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.Mutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txns {
		if existing.ListingID == tx.ListingID && existing.Status != StatusRefunded {
			return fault.Conflictf("settlement.Create", "listing %s already has a transaction", tx.ListingID)
		}
	}
	m.txns[tx.ID] = copyTxn(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTxn(tx), nil
}

func (m *MemoryStore) GetByListing(ctx context.Context, listingID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txns {
		if tx.ListingID == listingID && tx.Status != StatusRefunded {
			return copyTxn(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	allowed := false
	for _, s := range from {
		if tx.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fault.Conflictf("settlement.UpdateStatus", "transaction %s is %s", id, tx.Status)
	}
	tx.Status = to
	if to == StatusPendingRelease {
		t := at
		tx.PendingReleaseAt = &t
	}
	tx.Version++
	tx.UpdatedAt = at
	return copyTxn(tx), nil
}

func (m *MemoryStore) Finalize(ctx context.Context, id string, decide DecideFunc) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txns[id]
	if !ok {
		return nil, false, ErrTransactionNotFound
	}
	if tx.Status.IsTerminal() {
		return copyTxn(tx), true, nil
	}

	outcome, err := decide(copyTxn(tx))
	if err != nil {
		return nil, false, err
	}

	tx.Status = outcome.Status
	tx.Fee = outcome.Fee
	tx.SellerProceeds = outcome.SellerProceeds
	tx.BuyerRefund = outcome.BuyerRefund
	tx.Payouts = append([]Payout(nil), outcome.Payouts...)
	at := outcome.At
	tx.CompletedAt = &at
	tx.Version++
	tx.UpdatedAt = at
	return copyTxn(tx), false, nil
}

func (m *MemoryStore) RecordPayoutRef(ctx context.Context, id string, kind PayoutKind, principal, transferRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	for i := range tx.Payouts {
		if tx.Payouts[i].Kind == kind && tx.Payouts[i].Principal == principal && tx.Payouts[i].TransferRef == "" {
			tx.Payouts[i].TransferRef = transferRef
			return nil
		}
	}
	return fault.Conflictf("settlement.RecordPayoutRef", "no pending payout %s/%s on %s", kind, principal, id)
}

func (m *MemoryStore) MarkPayoutsSettled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.PayoutsSettled = true
	return nil
}

func (m *MemoryStore) MarkStatsRecorded(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.StatsRecorded = true
	return nil
}

func (m *MemoryStore) ListPendingRelease(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Transaction
	for _, tx := range m.txns {
		if tx.Status == StatusPendingRelease && tx.PendingReleaseAt != nil && tx.PendingReleaseAt.Before(cutoff) {
			result = append(result, copyTxn(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Transaction
	for _, tx := range m.txns {
		if tx.Status.IsTerminal() && (!tx.PayoutsSettled || !tx.StatsRecorded) {
			result = append(result, copyTxn(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyTxn deep-copies so callers never share slice backing arrays with
// the stored row.
func copyTxn(tx *Transaction) *Transaction {
	cp := *tx
	cp.Buyers = append([]money.Share(nil), tx.Buyers...)
	cp.Collaborators = append([]money.Share(nil), tx.Collaborators...)
	cp.Payouts = append([]Payout(nil), tx.Payouts...)
	if tx.PendingReleaseAt != nil {
		t := *tx.PendingReleaseAt
		cp.PendingReleaseAt = &t
	}
	if tx.CompletedAt != nil {
		t := *tx.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
