// Package settlement owns the Transaction lifecycle.
//
// The Engine is the only component permitted to mark a Transaction
// Completed. Every trigger — buyer confirmation, dispute resolution,
// the auto-finalize timer — funnels into the same idempotent Complete
// entry point; triggers are inputs, not independent state-mutators.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/gavelworks/gavel/internal/money"
)

var ErrTransactionNotFound = errors.New("settlement: transaction not found")

// Status of a Transaction.
type Status string

const (
	StatusEscrowFunded       Status = "escrow_funded"
	StatusTransferInProgress Status = "transfer_in_progress"
	StatusPendingRelease     Status = "pending_release"
	StatusDisputed           Status = "disputed"
	StatusCompleted          Status = "completed"
	StatusRefunded           Status = "refunded"
)

// IsTerminal reports whether the status admits no further transition.
// Completed transactions stay immutable except for dispute-driven
// partial refunds, which themselves go through the Engine.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// completable are the statuses Complete may transition from.
var completable = map[Status]bool{
	StatusEscrowFunded:       true,
	StatusTransferInProgress: true,
	StatusPendingRelease:     true,
}

// PayoutKind labels one slice of a settled sale.
type PayoutKind string

const (
	PayoutFee         PayoutKind = "fee"
	PayoutReferral    PayoutKind = "referral"
	PayoutCollab      PayoutKind = "collaborator"
	PayoutProceeds    PayoutKind = "proceeds"
	PayoutBuyerRefund PayoutKind = "buyer_refund"
)

// Payout is one computed distribution row. TransferRef is empty until
// the post-commit ledger settlement executes the transfer.
type Payout struct {
	Kind        PayoutKind   `json:"kind"`
	Principal   string       `json:"principal"`
	Amount      money.Amount `json:"amount"`
	TransferRef string       `json:"transferRef,omitempty"`
}

// Transaction is the settlement record for one sale.
type Transaction struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	Seller    string `json:"seller"`

	// Buyers is a single buyer or a partner set; basis points sum to
	// 10000. Validated at creation, never re-validated at payout time.
	Buyers []money.Share `json:"buyers"`

	Referrer string `json:"referrer,omitempty"`

	// Collaborators split the proceeds pool; when present the seller
	// must be one of the principals and absorbs any rounding remainder.
	Collaborators []money.Share `json:"collaborators,omitempty"`

	SalePrice     money.Amount `json:"salePrice"`
	EscrowAccount string       `json:"escrowAccount"`
	Status        Status       `json:"status"`

	// Settlement math, persisted atomically with the terminal status.
	Fee            money.Amount `json:"fee"`
	SellerProceeds money.Amount `json:"sellerProceeds"`
	BuyerRefund    money.Amount `json:"buyerRefund"`
	Payouts        []Payout     `json:"payouts,omitempty"`

	PendingReleaseAt *time.Time `json:"pendingReleaseAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`

	// Post-commit bookkeeping. Neither flag ever causes the payout
	// computation to re-run; they only gate retries of side effects.
	PayoutsSettled bool `json:"payoutsSettled"`
	StatsRecorded  bool `json:"statsRecorded"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Outcome is what a DecideFunc computes for the terminal transition.
type Outcome struct {
	Status         Status // StatusCompleted or StatusRefunded
	Fee            money.Amount
	SellerProceeds money.Amount
	BuyerRefund    money.Amount
	Payouts        []Payout
	At             time.Time
}

// DecideFunc computes the terminal outcome from the freshly re-read
// transaction. It runs inside the store's serializable transaction and
// must not touch the external ledger.
type DecideFunc func(tx *Transaction) (*Outcome, error)

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByListing(ctx context.Context, listingID string) (*Transaction, error)

	// UpdateStatus transitions status iff the current status is in
	// from, bumping the version. Returns the updated row.
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Transaction, error)

	// Finalize is the idempotent terminal transition. It opens a
	// serializable transaction, re-reads the row inside it, and:
	//   - if the row is already terminal, returns it with already=true
	//     and calls nothing else — racing callers observe the same
	//     outcome;
	//   - otherwise runs decide on the fresh row and persists the
	//     outcome's status, amounts, and payout rows in the same
	//     transaction, never as a follow-up write after commit.
	Finalize(ctx context.Context, id string, decide DecideFunc) (tx *Transaction, already bool, err error)

	// RecordPayoutRef marks one payout row as executed on the ledger.
	RecordPayoutRef(ctx context.Context, id string, kind PayoutKind, principal, transferRef string) error
	MarkPayoutsSettled(ctx context.Context, id string) error
	MarkStatsRecorded(ctx context.Context, id string) error

	// ListPendingRelease returns transactions whose grace period began
	// before cutoff, for the auto-finalize sweep.
	ListPendingRelease(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)

	// ListUnsettled returns terminal transactions with outstanding
	// ledger or statistics side effects, for the reconciliation sweep.
	ListUnsettled(ctx context.Context, limit int) ([]*Transaction, error)
}
