// Package dispute implements time-boxed arbitration over settlement
// transactions. Opening a dispute freezes the transaction; resolution
// drives it through the settlement engine, never writing completion
// state directly.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/gavelworks/gavel/internal/money"
)

var ErrDisputeNotFound = errors.New("dispute: not found")

// Status of a Dispute.
type Status string

const (
	StatusOpen              Status = "open"
	StatusResolvedBuyer     Status = "resolved_buyer"
	StatusResolvedSeller    Status = "resolved_seller"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Dispute is one arbitration case over a transaction.
type Dispute struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Initiator     string `json:"initiator"`
	Reason        string `json:"reason"`

	// FeeHeld was escrowed from the initiator at open time, never
	// merely computed. FeeRef is the verified deposit covering it.
	FeeHeld money.Amount `json:"feeHeld"`
	FeeRef  string       `json:"feeRef"`

	Status Status `json:"status"`

	// Resolution record.
	BuyerAmount     money.Amount `json:"buyerAmount"`
	SellerAmount    money.Amount `json:"sellerAmount"`
	ResolutionNotes string       `json:"resolutionNotes,omitempty"`
	ResolvedBy      string       `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time   `json:"resolvedAt,omitempty"`

	// FeeDisburseRef is the transfer that returned the held fee to the
	// winning initiator or forwarded it to the treasury.
	FeeDisburseRef string `json:"feeDisburseRef,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)

	// GetOpenByTransaction returns the open dispute on a transaction,
	// or ErrDisputeNotFound.
	GetOpenByTransaction(ctx context.Context, txnID string) (*Dispute, error)

	// Update persists the dispute iff the stored version matches
	// d.Version, then bumps it.
	Update(ctx context.Context, d *Dispute) error

	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}
