// Package offer implements the side-channel purchase path: a buyer
// names a price and a deadline, escrows the amount independently, and
// waits for the seller. Offers never touch the listing's bid ladder.
package offer

import (
	"context"
	"errors"
	"time"

	"github.com/gavelworks/gavel/internal/money"
)

var ErrOfferNotFound = errors.New("offer: not found")

// Status of an Offer.
type Status string

const (
	StatusActive    Status = "active"
	StatusAccepted  Status = "accepted"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Offer is a buyer-initiated purchase proposal with its own escrow
// account, distinct from the listing's bid escrow.
type Offer struct {
	ID        string       `json:"id"`
	ListingID string       `json:"listingId"`
	Offerer   string       `json:"offerer"`
	Amount    money.Amount `json:"amount"`

	// Deadline is buyer-chosen; past it the offer expires and the
	// escrowed amount comes back as a withdrawal credit.
	Deadline time.Time `json:"deadline"`

	Status        Status `json:"status"`
	EscrowAccount string `json:"escrowAccount"`

	// FundingRef is the verified deposit covering Amount. Empty until
	// the offerer funds the escrow; acceptance is impossible before.
	FundingRef string `json:"fundingRef,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Funded reports whether the offer's escrow holds the offered amount.
func (o *Offer) Funded() bool { return o.FundingRef != "" }

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)

	// Update persists the offer iff the stored version matches
	// o.Version, then bumps it.
	Update(ctx context.Context, o *Offer) error

	ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error)

	// ListExpired returns Active offers past their deadline, for the
	// expiry sweep.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error)
}
