package dispute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
)

// Config for the dispute service.
type Config struct {
	// FeeBps is the dispute fee in basis points of the sale price.
	FeeBps int64
	// FeeAccount is the custody account holding escrowed dispute fees.
	FeeAccount string
	// Treasury receives the fee when the initiator's side loses.
	Treasury string
	// IsResolver reports whether a principal holds the resolver
	// capability. Arbitration policy (single arbiter, n-of-m) lives
	// behind this check, not in here.
	IsResolver func(principal string) bool
}

// Notifier receives fire-and-forget dispute events after commit.
type Notifier interface {
	DisputeOpened(d *Dispute)
	DisputeResolved(d *Dispute)
}

// Service owns the dispute lifecycle.
type Service struct {
	store    Store
	ledger   chain.Ledger
	engine   *settlement.Engine
	cfg      Config
	notifier Notifier
	logger   *slog.Logger
	locks    sync.Map
}

// NewService creates a dispute service.
func NewService(store Store, ledger chain.Ledger, engine *settlement.Engine, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		engine: engine,
		cfg:    cfg,
		logger: logging.Component(logger, "dispute"),
	}
}

// WithNotifier adds an event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Fee returns the dispute fee for a sale price.
func (s *Service) Fee(salePrice money.Amount) money.Amount {
	return salePrice.Bps(s.cfg.FeeBps)
}

// Open freezes a transaction for arbitration. The initiator must be a
// party to the sale and must already have deposited the dispute fee;
// the fee is verified and the dispute recorded together, never
// fee-calculated-but-uncollected.
func (s *Service) Open(ctx context.Context, txnID, initiator, reason, feeRef string) (*Dispute, error) {
	if initiator == "" || feeRef == "" {
		return nil, fault.Validationf("dispute.Open", "initiator and fee transfer reference are required")
	}
	if reason == "" {
		return nil, fault.Validationf("dispute.Open", "a reason is required")
	}

	tx, err := s.engine.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !isParty(tx, initiator) {
		return nil, fault.Conflictf("dispute.Open", "initiator is not a party to transaction %s", txnID)
	}

	fee := s.Fee(tx.SalePrice)
	if fee.IsPositive() {
		ok, err := s.ledger.VerifyDeposit(ctx, initiator, s.cfg.FeeAccount, feeRef, fee)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.Unconfirmedf("dispute.Open", "dispute fee deposit %s not confirmed yet", feeRef)
		}
	}

	// MarkDisputed enforces the state precondition (TransferInProgress
	// or PendingRelease) and rejects a second open dispute.
	if _, err := s.engine.MarkDisputed(ctx, txnID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: txnID,
		Initiator:     initiator,
		Reason:        reason,
		FeeHeld:       fee,
		FeeRef:        feeRef,
		Status:        StatusOpen,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		s.logger.Error("CRITICAL: transaction frozen but dispute record not created",
			"txnId", txnID, "error", err)
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.DisputeOpened(d)
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// Resolve closes a dispute with a final split of the sale price.
// Resolver capability only. The settlement engine validates the split
// (sums to sale price, not both zero) and owns the terminal
// transition; the held fee goes back to the initiator when their side
// won the larger amount, to the treasury otherwise.
func (s *Service) Resolve(ctx context.Context, id, resolver string, buyerAmount, sellerAmount money.Amount, notes string) (*Dispute, error) {
	if s.cfg.IsResolver == nil || !s.cfg.IsResolver(resolver) {
		return nil, fault.Conflictf("dispute.Resolve", "caller lacks the resolver capability")
	}

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fault.Conflictf("dispute.Resolve", "dispute %s is %s", id, d.Status)
	}

	tx, err := s.engine.ResolveDispute(ctx, d.TransactionID, buyerAmount, sellerAmount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = resolutionStatus(tx.SalePrice, buyerAmount, sellerAmount)
	d.BuyerAmount = buyerAmount
	d.SellerAmount = sellerAmount
	d.ResolutionNotes = notes
	d.ResolvedBy = resolver
	d.ResolvedAt = &now
	d.UpdatedAt = now

	// The resolution is persisted before the fee moves. A Resolve
	// retried after a failed update finds the fee still held and the
	// dispute still Open; one retried after a successful update is
	// refused on status. Either way the fee moves at most once.
	if err := s.store.Update(ctx, d); err != nil {
		s.logger.Error("CRITICAL: transaction resolved but dispute record not updated",
			"disputeId", d.ID, "txnId", d.TransactionID, "error", err)
		return nil, fault.Reconciliationf("dispute.Resolve", err, "dispute %s resolved but not recorded", d.ID)
	}

	s.disburseFee(ctx, d, tx, buyerAmount, sellerAmount)
	if d.FeeDisburseRef != "" {
		if err := s.store.Update(ctx, d); err != nil {
			// The fee moved exactly once; only its reference is missing.
			s.logger.Error("dispute fee disbursed but ref not recorded",
				"disputeId", d.ID, "transferRef", d.FeeDisburseRef, "error", err)
		}
	}

	if s.notifier != nil {
		s.notifier.DisputeResolved(d)
	}
	return d, nil
}

// disburseFee pays the held fee out of the fee escrow: back to the
// initiator when their side took the larger amount, to the treasury
// otherwise (ties favor the treasury).
func (s *Service) disburseFee(ctx context.Context, d *Dispute, tx *settlement.Transaction, buyerAmount, sellerAmount money.Amount) {
	if !d.FeeHeld.IsPositive() {
		return
	}

	initiatorIsBuyer := false
	for _, b := range tx.Buyers {
		if b.Principal == d.Initiator {
			initiatorIsBuyer = true
			break
		}
	}
	initiatorWon := (initiatorIsBuyer && buyerAmount.Units > sellerAmount.Units) ||
		(!initiatorIsBuyer && sellerAmount.Units > buyerAmount.Units)

	dest := s.cfg.Treasury
	if initiatorWon {
		dest = d.Initiator
	}
	ref, err := s.ledger.Transfer(ctx, s.cfg.FeeAccount, dest, d.FeeHeld)
	if err != nil {
		s.logger.Error("dispute fee disbursement deferred to reconciliation",
			"disputeId", d.ID, "destination", dest, "error", err)
		return
	}
	d.FeeDisburseRef = ref
}

func resolutionStatus(salePrice, buyerAmount, sellerAmount money.Amount) Status {
	switch {
	case buyerAmount.Units == salePrice.Units:
		return StatusResolvedBuyer
	case sellerAmount.Units == salePrice.Units:
		return StatusResolvedSeller
	default:
		return StatusPartiallyRefunded
	}
}

func isParty(tx *settlement.Transaction, principal string) bool {
	if principal == tx.Seller {
		return true
	}
	for _, b := range tx.Buyers {
		if b.Principal == principal {
			return true
		}
	}
	return false
}
