// Package withdrawal implements the pull-based refund ledger.
//
// Displaced bidders and offerers never receive a push transfer; they
// receive a claimable credit instead. This removes any liveness
// dependency on the displaced party: a hostile recipient that rejects
// transfers can only strand its own credit, never block the auction.
package withdrawal

import (
	"context"
	"log/slog"
	"time"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/syncutil"
)

// Credit is a claimable refund obligation. Claimable indefinitely,
// exactly once.
type Credit struct {
	ID            string       `json:"id"`
	Beneficiary   string       `json:"beneficiary"`
	SourceRef     string       `json:"sourceRef"` // listing or offer the credit came from
	EscrowAccount string       `json:"escrowAccount"`
	Amount        money.Amount `json:"amount"`
	Claimed       bool         `json:"claimed"`
	ClaimRef      string       `json:"claimRef,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	ClaimedAt     *time.Time   `json:"claimedAt,omitempty"`
}

// Store persists withdrawal credits.
type Store interface {
	Create(ctx context.Context, credit *Credit) error
	Get(ctx context.Context, id string) (*Credit, error)

	// Claim flips the claimed flag iff it is still false, recording the
	// claim time. Returns fault.StateConflict if the credit was already
	// claimed. The flip must be atomic with the claimed==false check
	// (UPDATE ... WHERE claimed = FALSE), because it is what stops two
	// processes from both paying the same credit.
	Claim(ctx context.Context, id string, at time.Time) error

	// RecordClaimRef stores the payout transfer reference on a claimed
	// credit.
	RecordClaimRef(ctx context.Context, id, claimRef string) error

	// Release reopens a claimed credit whose payout transfer failed.
	// Valid only while no transfer reference is recorded.
	Release(ctx context.Context, id string) error

	ListByBeneficiary(ctx context.Context, beneficiary string, limit int) ([]*Credit, error)
}

// Notifier receives fire-and-forget credit events after commit.
type Notifier interface {
	WithdrawalCreated(credit *Credit)
}

// Service owns credit creation and claiming.
type Service struct {
	store    Store
	ledger   chain.Ledger
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // claim must serialize per credit
}

// NewService creates a withdrawal service.
func NewService(store Store, ledger chain.Ledger, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: ledger, logger: logger}
}

// WithNotifier adds an event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) creditLock(id string) func() {
	return s.locks.Lock(id)
}

// Displace creates a credit for a displaced party and returns
// immediately. The funds stay in the source escrow account until the
// beneficiary claims.
func (s *Service) Displace(ctx context.Context, beneficiary, sourceRef, escrowAccount string, amount money.Amount) (*Credit, error) {
	if !amount.IsPositive() {
		return nil, fault.Validationf("withdrawal.Displace", "amount must be positive")
	}

	credit := &Credit{
		ID:            idgen.WithPrefix("wc_"),
		Beneficiary:   beneficiary,
		SourceRef:     sourceRef,
		EscrowAccount: escrowAccount,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Create(ctx, credit); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.WithdrawalCreated(credit)
	}
	return credit, nil
}

// Claim transfers the credited amount to destination and marks the
// credit claimed. The conditional flag flip happens before the ledger
// transfer: a second claimer, in this process or another, loses the
// flip and is refused before any funds move. A failed transfer
// releases the reservation so the credit stays claimable; a crash
// between the flip and the transfer parks the credit claimed with no
// transfer reference, which reconciliation surfaces.
func (s *Service) Claim(ctx context.Context, id, caller, destination string) (*Credit, error) {
	unlock := s.creditLock(id)
	defer unlock()

	credit, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if credit.Beneficiary != caller {
		return nil, fault.Conflictf("withdrawal.Claim", "credit %s does not belong to caller", id)
	}
	if credit.Claimed {
		return nil, fault.Conflictf("withdrawal.Claim", "credit %s already claimed", id)
	}

	now := time.Now().UTC()
	if err := s.store.Claim(ctx, id, now); err != nil {
		return nil, err
	}

	ref, err := s.ledger.Transfer(ctx, credit.EscrowAccount, destination, credit.Amount)
	if err != nil {
		if rerr := s.store.Release(ctx, id); rerr != nil {
			s.logger.Error("CRITICAL: unpaid credit stuck in claimed state",
				"creditId", id, "error", rerr)
			return nil, fault.Reconciliationf("withdrawal.Claim", rerr, "credit %s reserved but not paid", id)
		}
		return nil, err
	}

	if err := s.store.RecordClaimRef(ctx, id, ref); err != nil {
		// Funds moved exactly once; only the reference is missing.
		s.logger.Error("CRITICAL: credit paid but transfer ref not recorded",
			"creditId", id, "transferRef", ref, "error", err)
	}

	credit.Claimed = true
	credit.ClaimRef = ref
	credit.ClaimedAt = &now
	return credit, nil
}

// Get returns a credit by ID.
func (s *Service) Get(ctx context.Context, id string) (*Credit, error) {
	return s.store.Get(ctx, id)
}

// ListByBeneficiary returns a party's credits, newest first.
func (s *Service) ListByBeneficiary(ctx context.Context, beneficiary string, limit int) ([]*Credit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBeneficiary(ctx, beneficiary, limit)
}
