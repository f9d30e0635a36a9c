// Package listing owns the auction state machine and the bid ladder.
//
// A listing's accepted bids form an append-only chain, strictly
// increasing by the minimum increment. Displaced bidders are refunded
// through withdrawal credits, never push transfers.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/gavelworks/gavel/internal/money"
)

var (
	ErrListingNotFound = errors.New("listing: not found")
	ErrNoBids          = errors.New("listing: no accepted bids")
)

// PricingMode controls which purchase paths a listing accepts.
type PricingMode string

const (
	ModeAuction PricingMode = "auction"
	ModeBuyNow  PricingMode = "buy_now"
	ModeBoth    PricingMode = "both"
)

// Auction reports whether the mode accepts bids.
func (m PricingMode) Auction() bool { return m == ModeAuction || m == ModeBoth }

// BuyNow reports whether the mode accepts instant purchase.
func (m PricingMode) BuyNow() bool { return m == ModeBuyNow || m == ModeBoth }

func (m PricingMode) valid() bool { return m.Auction() || m.BuyNow() }

// Status of a Listing. Transitions are monotonic except
// Active <-> Reserved.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// PartnerDeposit is one recorded custody entry for a partner purchase,
// keyed on the external ledger's transfer reference for idempotency.
type PartnerDeposit struct {
	Partner     string       `json:"partner"`
	Amount      money.Amount `json:"amount"`
	TransferRef string       `json:"transferRef"`
	At          time.Time    `json:"at"`
}

// Listing is one sale of a digital asset.
type Listing struct {
	ID     string      `json:"id"`
	Seller string      `json:"seller"`
	Mode   PricingMode `json:"mode"`

	StartPrice   money.Amount `json:"startPrice"`
	ReservePrice money.Amount `json:"reservePrice"` // zero means no reserve above start
	BuyNowPrice  money.Amount `json:"buyNowPrice"`  // zero unless Mode.BuyNow()
	Currency     string       `json:"currency"`

	Referrer      string        `json:"referrer,omitempty"`
	Collaborators []money.Share `json:"collaborators,omitempty"`

	// Duration is the auction run time once the clock starts, and the
	// buy-now shelf life from opening.
	Duration time.Duration `json:"duration"`

	Status Status `json:"status"`

	// The auction clock starts lazily, on the first bid meeting
	// reserve. A reserve-priced auction with zero qualifying bids never
	// expires on a timer.
	AuctionStarted bool       `json:"auctionStarted"`
	AuctionStartAt *time.Time `json:"auctionStartAt,omitempty"`

	// EndAt only ever increases (anti-snipe extensions).
	EndAt *time.Time `json:"endAt,omitempty"`

	EscrowAccount string `json:"escrowAccount,omitempty"`

	// Partner purchase state, set while Reserved.
	PendingBuyers   []money.Share    `json:"pendingBuyers,omitempty"`
	PartnerDeposits []PartnerDeposit `json:"partnerDeposits,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DepositedTotal sums the recorded partner deposits.
func (l *Listing) DepositedTotal() money.Amount {
	total := money.Zero(l.Currency)
	for _, d := range l.PartnerDeposits {
		total.Units += d.Amount.Units
	}
	return total
}

// HasDepositRef reports whether a partner deposit with this transfer
// reference is already recorded.
func (l *Listing) HasDepositRef(ref string) bool {
	for _, d := range l.PartnerDeposits {
		if d.TransferRef == ref {
			return true
		}
	}
	return false
}

// Bid is one accepted bid. Rejected bids are never recorded.
type Bid struct {
	ID          string       `json:"id"`
	ListingID   string       `json:"listingId"`
	Bidder      string       `json:"bidder"`
	Amount      money.Amount `json:"amount"`
	TransferRef string       `json:"transferRef"`
	PlacedAt    time.Time    `json:"placedAt"`
}

// Store persists listings and their bid chains.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)

	// Update persists the listing iff the stored version matches
	// l.Version, then bumps it. A mismatch returns fault.StateConflict;
	// the caller re-reads and retries.
	Update(ctx context.Context, l *Listing) error

	// AppendBid persists the bid row and the listing mutation (clock
	// start, end-time extension, version bump) atomically. A duplicate
	// transfer reference returns fault.StateConflict.
	AppendBid(ctx context.Context, l *Listing, bid *Bid) error

	// Leader returns the highest accepted bid, or ErrNoBids.
	Leader(ctx context.Context, listingID string) (*Bid, error)
	Bids(ctx context.Context, listingID string, limit int) ([]*Bid, error)
	BidCount(ctx context.Context, listingID string) (int, error)

	// ListEndedAuctions returns Active, started listings whose end time
	// passed before now, for the settlement sweep.
	ListEndedAuctions(ctx context.Context, now time.Time, limit int) ([]*Listing, error)

	// ListExpirable returns Active buy-now listings past their end time
	// that never started an auction, for the expiry sweep.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Listing, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Listing, error)
}
