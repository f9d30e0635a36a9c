package offer

import (
	"context"
	"log/slog"
	"time"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/listing"
	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/syncutil"
	"github.com/gavelworks/gavel/internal/withdrawal"
)

// Config for the offer service.
type Config struct {
	// RefundPool is the custody account refunded offer escrows drain
	// into until the beneficiary claims.
	RefundPool string
	// MaxDeadline caps how far out a buyer may set the deadline.
	MaxDeadline time.Duration
}

// Service owns the offer lifecycle.
type Service struct {
	store    Store
	ledger   chain.Ledger
	listings *listing.Service
	credits  *withdrawal.Service
	cfg      Config
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
}

// NewService creates an offer service.
func NewService(store Store, ledger chain.Ledger, listings *listing.Service, credits *withdrawal.Service, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		listings: listings,
		credits:  credits,
		cfg:      cfg,
		logger:   logging.Component(logger, "offer"),
	}
}

func (s *Service) offerLock(id string) func() {
	return s.locks.Lock(id)
}

// MakeRequest describes a new offer.
type MakeRequest struct {
	ListingID string
	Offerer   string
	Amount    money.Amount
	Deadline  time.Time
}

// Make creates an Active offer with a fresh escrow account. The
// offerer deposits into that account and then calls Fund; acceptance
// is impossible until the deposit is verified.
func (s *Service) Make(ctx context.Context, req MakeRequest) (*Offer, error) {
	if req.Offerer == "" {
		return nil, fault.Validationf("offer.Make", "offerer is required")
	}
	if !req.Amount.IsPositive() {
		return nil, fault.Validationf("offer.Make", "offer amount must be positive")
	}
	now := time.Now().UTC()
	if !req.Deadline.After(now) {
		return nil, fault.Validationf("offer.Make", "deadline is in the past")
	}
	if s.cfg.MaxDeadline > 0 && req.Deadline.After(now.Add(s.cfg.MaxDeadline)) {
		return nil, fault.Validationf("offer.Make", "deadline exceeds the %s maximum", s.cfg.MaxDeadline)
	}

	l, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if l.Status != listing.StatusActive {
		return nil, fault.Conflictf("offer.Make", "listing %s is %s", req.ListingID, l.Status)
	}
	if req.Offerer == l.Seller {
		return nil, fault.Validationf("offer.Make", "seller cannot offer on their own listing")
	}
	if req.Amount.Currency != l.Currency {
		return nil, fault.Validationf("offer.Make", "offer currency %s does not match listing currency %s",
			req.Amount.Currency, l.Currency)
	}

	id := idgen.WithPrefix("ofr_")
	account, err := s.ledger.CreateAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	o := &Offer{
		ID:            id,
		ListingID:     req.ListingID,
		Offerer:       req.Offerer,
		Amount:        req.Amount,
		Deadline:      req.Deadline.UTC(),
		Status:        StatusActive,
		EscrowAccount: account,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListByListing returns a listing's offers, newest first.
func (s *Service) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByListing(ctx, listingID, limit)
}

// Fund records the offerer's verified deposit, idempotent on the
// transfer reference.
func (s *Service) Fund(ctx context.Context, id, caller, transferRef string) (*Offer, error) {
	if transferRef == "" {
		return nil, fault.Validationf("offer.Fund", "transfer reference is required")
	}

	unlock := s.offerLock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != o.Offerer {
		return nil, fault.Conflictf("offer.Fund", "only the offerer may fund")
	}
	if o.Status != StatusActive {
		return nil, fault.Conflictf("offer.Fund", "offer %s is %s", id, o.Status)
	}
	if o.FundingRef == transferRef {
		return o, nil
	}
	if o.Funded() {
		return nil, fault.Conflictf("offer.Fund", "offer %s is already funded", id)
	}

	ok, err := s.ledger.VerifyDeposit(ctx, o.Offerer, o.EscrowAccount, transferRef, o.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Unconfirmedf("offer.Fund", "deposit %s not confirmed yet", transferRef)
	}

	o.FundingRef = transferRef
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Accept sells the listing to the offerer. Seller only; the offer's
// escrow must already hold the amount.
func (s *Service) Accept(ctx context.Context, id, caller string) (*settlement.Transaction, error) {
	unlock := s.offerLock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusActive {
		return nil, fault.Conflictf("offer.Accept", "offer %s is %s", id, o.Status)
	}
	now := time.Now().UTC()
	if now.After(o.Deadline) {
		return nil, fault.Conflictf("offer.Accept", "offer %s expired at %s", id, o.Deadline.Format(time.RFC3339))
	}

	l, err := s.listings.Get(ctx, o.ListingID)
	if err != nil {
		return nil, err
	}
	if caller != l.Seller {
		return nil, fault.Conflictf("offer.Accept", "only the seller may accept")
	}

	if !o.Funded() {
		return nil, fault.Unconfirmedf("offer.Accept", "offer %s escrow is not funded", id)
	}
	bal, err := s.ledger.Balance(ctx, o.EscrowAccount)
	if err != nil {
		return nil, err
	}
	if bal.Units < o.Amount.Units {
		return nil, fault.Unconfirmedf("offer.Accept", "offer %s escrow holds %s of %s", id, bal, o.Amount)
	}

	tx, err := s.listings.SellViaOffer(ctx, o.ListingID, o.Offerer, o.Amount, o.EscrowAccount)
	if err != nil {
		return nil, err
	}

	o.Status = StatusAccepted
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		s.logger.Error("offer not marked accepted after sale", "offerId", o.ID, "error", err)
	}
	return tx, nil
}

// Cancel withdraws an Active offer, crediting back any escrowed funds.
func (s *Service) Cancel(ctx context.Context, id, caller string) (*Offer, error) {
	unlock := s.offerLock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != o.Offerer {
		return nil, fault.Conflictf("offer.Cancel", "only the offerer may cancel")
	}
	return s.terminate(ctx, o, StatusCancelled)
}

// Expire closes out an Active offer past its deadline, crediting back
// any escrowed funds. Called by the scheduler sweep.
func (s *Service) Expire(ctx context.Context, id string) (*Offer, error) {
	unlock := s.offerLock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().Before(o.Deadline) {
		return nil, fault.Conflictf("offer.Expire", "offer %s has not reached its deadline", id)
	}
	return s.terminate(ctx, o, StatusExpired)
}

func (s *Service) terminate(ctx context.Context, o *Offer, to Status) (*Offer, error) {
	if o.Status != StatusActive {
		return nil, fault.Conflictf("offer.terminate", "offer %s is %s", o.ID, o.Status)
	}

	bal, err := s.ledger.Balance(ctx, o.EscrowAccount)
	if err != nil {
		return nil, err
	}
	if bal.IsPositive() {
		if _, err := s.ledger.Transfer(ctx, o.EscrowAccount, s.cfg.RefundPool, bal); err != nil {
			return nil, err
		}
		if _, err := s.credits.Displace(ctx, o.Offerer, o.ID, s.cfg.RefundPool, bal); err != nil {
			s.logger.Error("CRITICAL: offer escrow pooled but credit not created",
				"offerId", o.ID, "amount", bal.String(), "error", err)
		}
	}
	if _, _, err := s.ledger.CloseAccount(ctx, o.EscrowAccount, o.Offerer); err != nil {
		return nil, err
	}

	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ExpiredDue returns Active offers past deadline, for the sweep.
func (s *Service) ExpiredDue(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	return s.store.ListExpired(ctx, now, limit)
}
