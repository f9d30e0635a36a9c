package listing

import (
	"context"
	"log/slog"
	"time"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/syncutil"
	"github.com/gavelworks/gavel/internal/withdrawal"
)

// Config are the auction rules.
type Config struct {
	// MinIncrementBps is the minimum raise over the current leader, in
	// basis points of the leader's amount.
	MinIncrementBps int64
	// IncrementFloor is the absolute minimum raise, whichever is larger.
	IncrementFloor money.Amount
	// AntiSnipeWindow extends the end time when a bid lands inside it.
	AntiSnipeWindow time.Duration
	// RefundPool is the custody account displaced funds are parked in
	// until the beneficiary claims their credit.
	RefundPool string
	// SchedulerPrincipal may settle ended auctions alongside the seller
	// and the leading bidder.
	SchedulerPrincipal string
}

// Notifier receives fire-and-forget listing events after commit.
type Notifier interface {
	BidPlaced(listingID string, bid *Bid)
}

// Service drives the listing lifecycle.
//
// Every mutation serializes through a per-listing lock so the current
// leader is never read-modify-written non-atomically; the store's
// version check is the backstop for multi-process deployments.
type Service struct {
	store    Store
	ledger   chain.Ledger
	engine   *settlement.Engine
	credits  *withdrawal.Service
	cfg      Config
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
}

// NewService creates a listing service.
func NewService(store Store, ledger chain.Ledger, engine *settlement.Engine, credits *withdrawal.Service, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		engine:  engine,
		credits: credits,
		cfg:     cfg,
		logger:  logging.Component(logger, "listing"),
	}
}

// WithNotifier adds an event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) listingLock(id string) func() {
	return s.locks.Lock(id)
}

// CreateRequest describes a new listing.
type CreateRequest struct {
	Seller        string
	Mode          PricingMode
	StartPrice    money.Amount
	ReservePrice  money.Amount
	BuyNowPrice   money.Amount
	Referrer      string
	Collaborators []money.Share
	Duration      time.Duration
}

// Create persists a Draft listing. Collaborator shares are validated
// here, once.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	if req.Seller == "" {
		return nil, fault.Validationf("listing.Create", "seller is required")
	}
	if !req.Mode.valid() {
		return nil, fault.Validationf("listing.Create", "unknown pricing mode %q", req.Mode)
	}
	if req.Duration <= 0 {
		return nil, fault.Validationf("listing.Create", "duration must be positive")
	}
	if req.Mode.Auction() && !req.StartPrice.IsPositive() {
		return nil, fault.Validationf("listing.Create", "auction listings need a positive starting price")
	}
	if req.Mode.BuyNow() && !req.BuyNowPrice.IsPositive() {
		return nil, fault.Validationf("listing.Create", "buy-now listings need a positive buy-now price")
	}

	currency := req.StartPrice.Currency
	if currency == "" {
		currency = req.BuyNowPrice.Currency
	}
	for _, a := range []money.Amount{req.StartPrice, req.ReservePrice, req.BuyNowPrice} {
		if a.Currency != "" && a.Currency != currency {
			return nil, fault.Validationf("listing.Create", "mixed currencies on listing prices")
		}
	}
	if req.ReservePrice.IsPositive() && req.ReservePrice.Units < req.StartPrice.Units {
		return nil, fault.Validationf("listing.Create", "reserve price below starting price")
	}

	if len(req.Collaborators) > 0 {
		if err := money.ValidateShares(req.Collaborators); err != nil {
			return nil, fault.Validationf("listing.Create", "invalid collaborator shares: %v", err)
		}
		found := false
		for _, c := range req.Collaborators {
			if c.Principal == req.Seller {
				found = true
				break
			}
		}
		if !found {
			return nil, fault.Validationf("listing.Create", "seller must hold a collaborator share")
		}
	}

	now := time.Now().UTC()
	l := &Listing{
		ID:            idgen.WithPrefix("lst_"),
		Seller:        req.Seller,
		Mode:          req.Mode,
		StartPrice:    req.StartPrice,
		ReservePrice:  req.ReservePrice,
		BuyNowPrice:   req.BuyNowPrice,
		Currency:      currency,
		Referrer:      req.Referrer,
		Collaborators: req.Collaborators,
		Duration:      req.Duration,
		Status:        StatusDraft,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// Bids returns a listing's accepted bid chain, highest first.
func (s *Service) Bids(ctx context.Context, id string, limit int) ([]*Bid, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Bids(ctx, id, limit)
}

// Open activates a Draft listing, opening its escrow account. Buy-now
// listings get their shelf-life end time here; the auction clock waits
// for the first qualifying bid.
func (s *Service) Open(ctx context.Context, id, caller string) (*Listing, error) {
	unlock := s.listingLock(id)
	defer unlock()

	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != l.Seller {
		return nil, fault.Conflictf("listing.Open", "only the seller may open a listing")
	}
	if l.Status != StatusDraft {
		return nil, fault.Conflictf("listing.Open", "listing %s is %s", id, l.Status)
	}

	account, err := s.ledger.CreateAccount(ctx, l.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l.Status = StatusActive
	l.EscrowAccount = account
	if l.Mode.BuyNow() {
		end := now.Add(l.Duration)
		l.EndAt = &end
	}
	l.UpdatedAt = now
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// PlaceBid accepts a bid onto the listing's ladder.
//
// The bidder must already have deposited the amount into the listing's
// escrow account; the deposit is verified by transfer reference before
// any state changes. A verified deposit whose bid is then rejected on
// amount grounds is refunded through a withdrawal credit.
func (s *Service) PlaceBid(ctx context.Context, listingID, bidder, transferRef string, amount money.Amount) (*Bid, error) {
	if bidder == "" || transferRef == "" {
		return nil, fault.Validationf("listing.PlaceBid", "bidder and transfer reference are required")
	}
	if !amount.IsPositive() {
		return nil, fault.Validationf("listing.PlaceBid", "bid amount must be positive")
	}

	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fault.Conflictf("listing.PlaceBid", "listing %s is %s", listingID, l.Status)
	}
	if !l.Mode.Auction() {
		return nil, fault.Conflictf("listing.PlaceBid", "listing %s does not accept bids", listingID)
	}
	if bidder == l.Seller {
		return nil, fault.Validationf("listing.PlaceBid", "seller cannot bid on their own listing")
	}
	if amount.Currency != l.Currency {
		return nil, fault.Validationf("listing.PlaceBid", "bid currency %s does not match listing currency %s",
			amount.Currency, l.Currency)
	}

	now := time.Now().UTC()
	if l.AuctionStarted && l.EndAt != nil && now.After(*l.EndAt) {
		return nil, fault.Conflictf("listing.PlaceBid", "auction on %s has ended", listingID)
	}

	ok, err := s.ledger.VerifyDeposit(ctx, bidder, l.EscrowAccount, transferRef, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Unconfirmedf("listing.PlaceBid", "deposit %s not confirmed yet", transferRef)
	}

	var leader *Bid
	if l.AuctionStarted {
		leader, err = s.store.Leader(ctx, listingID)
		if err != nil {
			return nil, err
		}
		minNext := minimumNextBid(leader.Amount, s.cfg)
		if amount.Units < minNext.Units {
			return nil, s.refundRejected(ctx, l, bidder, amount,
				fault.Validationf("listing.PlaceBid", "minimum bid is %s", minNext))
		}
	} else {
		reserve := l.StartPrice
		if l.ReservePrice.Units > reserve.Units {
			reserve = l.ReservePrice
		}
		if amount.Units < reserve.Units {
			return nil, s.refundRejected(ctx, l, bidder, amount,
				fault.Validationf("listing.PlaceBid", "minimum bid is %s", reserve))
		}
		// First qualifying bid starts the clock. This is the only path
		// that does.
		l.AuctionStarted = true
		startAt := now
		l.AuctionStartAt = &startAt
		end := now.Add(l.Duration)
		if l.EndAt == nil || end.After(*l.EndAt) {
			l.EndAt = &end
		}
	}

	// Anti-snipe: a bid inside the trailing window pushes the end out
	// by the window. Unbounded on purpose.
	if l.EndAt != nil && l.EndAt.Sub(now) < s.cfg.AntiSnipeWindow {
		end := l.EndAt.Add(s.cfg.AntiSnipeWindow)
		l.EndAt = &end
	}

	bid := &Bid{
		ID:          idgen.WithPrefix("bid_"),
		ListingID:   listingID,
		Bidder:      bidder,
		Amount:      amount,
		TransferRef: transferRef,
		PlacedAt:    now,
	}
	l.UpdatedAt = now
	if err := s.store.AppendBid(ctx, l, bid); err != nil {
		return nil, err
	}

	if leader != nil {
		s.displace(ctx, l, leader.Bidder, leader.Amount)
	}
	if s.notifier != nil {
		s.notifier.BidPlaced(listingID, bid)
	}
	return bid, nil
}

func minimumNextBid(leader money.Amount, cfg Config) money.Amount {
	raise := leader.Bps(cfg.MinIncrementBps)
	if cfg.IncrementFloor.Units > raise.Units {
		raise = money.FromUnits(cfg.IncrementFloor.Units, leader.Currency)
	}
	return money.FromUnits(leader.Units+raise.Units, leader.Currency)
}

// refundRejected credits back a verified deposit whose bid failed an
// amount check, then returns the original rejection.
func (s *Service) refundRejected(ctx context.Context, l *Listing, bidder string, amount money.Amount, reject error) error {
	s.displace(ctx, l, bidder, amount)
	return reject
}

// displace parks the displaced amount in the refund pool and creates a
// withdrawal credit for it. The bid already committed; a failure here
// leaves the funds in the listing escrow for reconciliation and must
// not unwind the ladder.
func (s *Service) displace(ctx context.Context, l *Listing, beneficiary string, amount money.Amount) {
	if _, err := s.ledger.Transfer(ctx, l.EscrowAccount, s.cfg.RefundPool, amount); err != nil {
		s.logger.Error("CRITICAL: displaced funds stuck in listing escrow",
			"listingId", l.ID, "beneficiary", beneficiary, "amount", amount.String(), "error", err)
		return
	}
	if _, err := s.credits.Displace(ctx, beneficiary, l.ID, s.cfg.RefundPool, amount); err != nil {
		s.logger.Error("CRITICAL: displaced funds pooled but credit not created",
			"listingId", l.ID, "beneficiary", beneficiary, "amount", amount.String(), "error", err)
	}
}

// BuyNow purchases the listing outright at the buy-now price. Only
// available until the auction clock starts.
func (s *Service) BuyNow(ctx context.Context, listingID, buyer, transferRef string) (*settlement.Transaction, error) {
	if buyer == "" || transferRef == "" {
		return nil, fault.Validationf("listing.BuyNow", "buyer and transfer reference are required")
	}

	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fault.Conflictf("listing.BuyNow", "listing %s is %s", listingID, l.Status)
	}
	if !l.Mode.BuyNow() {
		return nil, fault.Conflictf("listing.BuyNow", "listing %s has no buy-now price", listingID)
	}
	if l.AuctionStarted {
		return nil, fault.Conflictf("listing.BuyNow", "auction on %s already started", listingID)
	}
	if buyer == l.Seller {
		return nil, fault.Validationf("listing.BuyNow", "seller cannot buy their own listing")
	}

	ok, err := s.ledger.VerifyDeposit(ctx, buyer, l.EscrowAccount, transferRef, l.BuyNowPrice)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Unconfirmedf("listing.BuyNow", "deposit %s not confirmed yet", transferRef)
	}

	tx, err := s.engine.CreateSale(ctx, settlement.SaleRequest{
		ListingID:     l.ID,
		Seller:        l.Seller,
		Buyers:        []money.Share{{Principal: buyer, Bps: money.BpsDenominator}},
		Referrer:      l.Referrer,
		Collaborators: l.Collaborators,
		SalePrice:     l.BuyNowPrice,
		EscrowAccount: l.EscrowAccount,
	})
	if err != nil {
		return nil, err
	}

	l.Status = StatusSold
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		// The sale record exists; the listing row catches up via
		// reconciliation. Never a rollback of the transaction.
		s.logger.Error("listing not marked sold after buy-now", "listingId", l.ID, "error", err)
	}
	return tx, nil
}

// ReserveForPartners locks the listing to Reserved before the first
// partner deposit is recorded, so no second buyer can deposit into an
// escrow account the store will later reject. Caller must be one of
// the partners.
func (s *Service) ReserveForPartners(ctx context.Context, listingID, caller string, partners []money.Share) (*Listing, error) {
	if err := money.ValidateShares(partners); err != nil {
		return nil, fault.Validationf("listing.ReserveForPartners", "invalid partner shares: %v", err)
	}
	isPartner := false
	for _, p := range partners {
		if p.Principal == caller {
			isPartner = true
			break
		}
	}
	if !isPartner {
		return nil, fault.Conflictf("listing.ReserveForPartners", "caller must hold a partner share")
	}

	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fault.Conflictf("listing.ReserveForPartners", "listing %s is %s", listingID, l.Status)
	}
	if !l.Mode.BuyNow() {
		return nil, fault.Conflictf("listing.ReserveForPartners", "listing %s has no buy-now price", listingID)
	}
	if l.AuctionStarted {
		return nil, fault.Conflictf("listing.ReserveForPartners", "auction on %s already started", listingID)
	}

	l.Status = StatusReserved
	l.PendingBuyers = partners
	l.PartnerDeposits = nil
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ReleaseReservation returns a Reserved listing to Active, permitted
// only while no partner deposit has landed. The one non-monotonic
// transition in the lifecycle.
func (s *Service) ReleaseReservation(ctx context.Context, listingID, caller string) (*Listing, error) {
	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusReserved {
		return nil, fault.Conflictf("listing.ReleaseReservation", "listing %s is %s", listingID, l.Status)
	}
	allowed := caller == l.Seller
	for _, p := range l.PendingBuyers {
		if p.Principal == caller {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fault.Conflictf("listing.ReleaseReservation", "caller is not a party to the reservation")
	}
	if len(l.PartnerDeposits) > 0 {
		return nil, fault.Conflictf("listing.ReleaseReservation", "partner deposits already recorded")
	}

	l.Status = StatusActive
	l.PendingBuyers = nil
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// PartnerDeposit records one partner's verified custody entry,
// idempotent on the transfer reference. When the deposits cover the
// buy-now price the sale is created and the listing sold.
func (s *Service) PartnerDeposit(ctx context.Context, listingID, partner, transferRef string, amount money.Amount) (*Listing, error) {
	if partner == "" || transferRef == "" {
		return nil, fault.Validationf("listing.PartnerDeposit", "partner and transfer reference are required")
	}
	if !amount.IsPositive() {
		return nil, fault.Validationf("listing.PartnerDeposit", "deposit amount must be positive")
	}

	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusReserved {
		return nil, fault.Conflictf("listing.PartnerDeposit", "listing %s is %s", listingID, l.Status)
	}
	isPartner := false
	for _, p := range l.PendingBuyers {
		if p.Principal == partner {
			isPartner = true
			break
		}
	}
	if !isPartner {
		return nil, fault.Conflictf("listing.PartnerDeposit", "%s is not a party to the reservation", partner)
	}
	if amount.Currency != l.Currency {
		return nil, fault.Validationf("listing.PartnerDeposit", "deposit currency %s does not match listing currency %s",
			amount.Currency, l.Currency)
	}

	// Retries of the same deposit are absorbed, not double-counted.
	if l.HasDepositRef(transferRef) {
		return l, nil
	}

	ok, err := s.ledger.VerifyDeposit(ctx, partner, l.EscrowAccount, transferRef, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Unconfirmedf("listing.PartnerDeposit", "deposit %s not confirmed yet", transferRef)
	}

	now := time.Now().UTC()
	l.PartnerDeposits = append(l.PartnerDeposits, PartnerDeposit{
		Partner:     partner,
		Amount:      amount,
		TransferRef: transferRef,
		At:          now,
	})
	l.UpdatedAt = now

	if l.DepositedTotal().Units >= l.BuyNowPrice.Units {
		if _, err := s.engine.CreateSale(ctx, settlement.SaleRequest{
			ListingID:     l.ID,
			Seller:        l.Seller,
			Buyers:        l.PendingBuyers,
			Referrer:      l.Referrer,
			Collaborators: l.Collaborators,
			SalePrice:     l.BuyNowPrice,
			EscrowAccount: l.EscrowAccount,
		}); err != nil {
			return nil, err
		}
		l.Status = StatusSold
	}

	if err := s.store.Update(ctx, l); err != nil {
		if l.Status == StatusSold {
			s.logger.Error("listing not marked sold after partner purchase", "listingId", l.ID, "error", err)
			return l, nil
		}
		return nil, err
	}
	return l, nil
}

// Settle hands an ended auction to the settlement engine. Callable only
// by the seller, the current leader, or the scheduler principal; an end
// time pushed forward by an anti-snipe bid makes this an expected
// rejection, not an error to escalate.
func (s *Service) Settle(ctx context.Context, listingID, caller string) (*settlement.Transaction, error) {
	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fault.Conflictf("listing.Settle", "listing %s is %s", listingID, l.Status)
	}
	if !l.AuctionStarted {
		return nil, fault.Conflictf("listing.Settle", "auction on %s never started", listingID)
	}
	now := time.Now().UTC()
	if l.EndAt == nil || now.Before(*l.EndAt) {
		return nil, fault.Conflictf("listing.Settle", "auction on %s is still running", listingID)
	}

	leader, err := s.store.Leader(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if caller != l.Seller && caller != leader.Bidder && (s.cfg.SchedulerPrincipal == "" || caller != s.cfg.SchedulerPrincipal) {
		return nil, fault.Conflictf("listing.Settle", "caller may not settle this auction")
	}

	// The winning deposit was verified when the bid landed; it must
	// also be irreversible before any settlement math runs on it.
	final, err := s.ledger.ConfirmFinality(ctx, leader.TransferRef)
	if err != nil {
		return nil, err
	}
	if !final {
		return nil, fault.Unconfirmedf("listing.Settle", "winning deposit %s is not final yet", leader.TransferRef)
	}

	tx, err := s.engine.CreateSale(ctx, settlement.SaleRequest{
		ListingID:     l.ID,
		Seller:        l.Seller,
		Buyers:        []money.Share{{Principal: leader.Bidder, Bps: money.BpsDenominator}},
		Referrer:      l.Referrer,
		Collaborators: l.Collaborators,
		SalePrice:     leader.Amount,
		EscrowAccount: l.EscrowAccount,
	})
	if err != nil {
		return nil, err
	}

	l.Status = StatusSold
	l.UpdatedAt = now
	if err := s.store.Update(ctx, l); err != nil {
		s.logger.Error("listing not marked sold after settle", "listingId", l.ID, "error", err)
	}
	return tx, nil
}

// SellViaOffer closes an Active listing against an accepted offer. The
// sale settles out of the offer's own escrow; a standing leader on the
// bid ladder is displaced into a withdrawal credit and the listing's
// escrow is drained back to the seller.
func (s *Service) SellViaOffer(ctx context.Context, listingID, buyer string, price money.Amount, offerEscrow string) (*settlement.Transaction, error) {
	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fault.Conflictf("listing.SellViaOffer", "listing %s is %s", listingID, l.Status)
	}
	if price.Currency != l.Currency {
		return nil, fault.Validationf("listing.SellViaOffer", "offer currency %s does not match listing currency %s",
			price.Currency, l.Currency)
	}

	leader, err := s.store.Leader(ctx, listingID)
	if err != nil && err != ErrNoBids {
		return nil, err
	}

	tx, err := s.engine.CreateSale(ctx, settlement.SaleRequest{
		ListingID:     l.ID,
		Seller:        l.Seller,
		Buyers:        []money.Share{{Principal: buyer, Bps: money.BpsDenominator}},
		Referrer:      l.Referrer,
		Collaborators: l.Collaborators,
		SalePrice:     price,
		EscrowAccount: offerEscrow,
	})
	if err != nil {
		return nil, err
	}

	if leader != nil {
		s.displace(ctx, l, leader.Bidder, leader.Amount)
	}
	if err := s.closeEscrow(ctx, l); err != nil {
		s.logger.Error("listing escrow not closed after offer sale", "listingId", l.ID, "error", err)
	}
	l.Status = StatusSold
	l.EscrowAccount = ""
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		s.logger.Error("listing not marked sold after offer sale", "listingId", l.ID, "error", err)
	}
	return tx, nil
}

// Cancel withdraws a listing. Forbidden the moment any bid has landed,
// to protect bidder expectations.
func (s *Service) Cancel(ctx context.Context, listingID, caller string) (*Listing, error) {
	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if caller != l.Seller {
		return nil, fault.Conflictf("listing.Cancel", "only the seller may cancel")
	}
	if l.Status != StatusDraft && l.Status != StatusActive {
		return nil, fault.Conflictf("listing.Cancel", "listing %s is %s", listingID, l.Status)
	}
	count, err := s.store.BidCount(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fault.Conflictf("listing.Cancel", "listing %s has accepted bids", listingID)
	}

	if err := s.closeEscrow(ctx, l); err != nil {
		return nil, err
	}
	l.Status = StatusCancelled
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Expire closes out a buy-now listing past its end time with no sale.
func (s *Service) Expire(ctx context.Context, listingID string) (*Listing, error) {
	unlock := s.listingLock(listingID)
	defer unlock()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive {
		return nil, fault.Conflictf("listing.Expire", "listing %s is %s", listingID, l.Status)
	}
	if l.AuctionStarted {
		return nil, fault.Conflictf("listing.Expire", "started auctions settle, they do not expire")
	}
	if l.EndAt == nil || time.Now().UTC().Before(*l.EndAt) {
		return nil, fault.Conflictf("listing.Expire", "listing %s has not ended", listingID)
	}

	sold, err := s.engine.HasSale(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if sold {
		return nil, fault.Conflictf("listing.Expire", "listing %s has a sale", listingID)
	}

	if err := s.closeEscrow(ctx, l); err != nil {
		return nil, err
	}
	l.Status = StatusExpired
	l.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// closeEscrow drains any residual balance into a seller withdrawal
// credit and closes the account.
func (s *Service) closeEscrow(ctx context.Context, l *Listing) error {
	if l.EscrowAccount == "" {
		return nil
	}
	bal, err := s.ledger.Balance(ctx, l.EscrowAccount)
	if err != nil {
		return err
	}
	if bal.IsPositive() {
		if _, err := s.ledger.Transfer(ctx, l.EscrowAccount, s.cfg.RefundPool, bal); err != nil {
			return err
		}
		if _, err := s.credits.Displace(ctx, l.Seller, l.ID, s.cfg.RefundPool, bal); err != nil {
			s.logger.Error("CRITICAL: residual pooled but credit not created",
				"listingId", l.ID, "amount", bal.String(), "error", err)
		}
	}
	if _, _, err := s.ledger.CloseAccount(ctx, l.EscrowAccount, l.Seller); err != nil {
		return err
	}
	return nil
}

// EndedAuctions returns started auctions past their end time, for the
// settlement sweep.
func (s *Service) EndedAuctions(ctx context.Context, now time.Time, limit int) ([]*Listing, error) {
	return s.store.ListEndedAuctions(ctx, now, limit)
}

// Expirable returns buy-now listings past their end time, for the
// expiry sweep.
func (s *Service) Expirable(ctx context.Context, now time.Time, limit int) ([]*Listing, error) {
	return s.store.ListExpirable(ctx, now, limit)
}
