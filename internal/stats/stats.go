// Package stats maintains per-principal aggregate sale statistics.
// Updates happen strictly after the settlement commit and are retried
// by the reconciliation sweep; they never influence settlement math.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
)

// Totals are one principal's lifetime aggregates, in minor units of
// the marketplace currency.
type Totals struct {
	Principal string `json:"principal"`

	Sales          int64 `json:"sales"`
	SaleVolume     int64 `json:"saleVolume"`
	Purchases      int64 `json:"purchases"`
	PurchaseVolume int64 `json:"purchaseVolume"`
	Referrals      int64 `json:"referrals"`
	ReferralVolume int64 `json:"referralVolume"`
	Collabs        int64 `json:"collabs"`
	CollabVolume   int64 `json:"collabVolume"`
	Refunds        int64 `json:"refunds"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Delta is one additive statistics update.
type Delta struct {
	Principal      string
	Sales          int64
	SaleVolume     int64
	Purchases      int64
	PurchaseVolume int64
	Referrals      int64
	ReferralVolume int64
	Collabs        int64
	CollabVolume   int64
	Refunds        int64
}

// Store persists aggregates.
type Store interface {
	// Apply adds every delta. All-or-nothing so a retried recording
	// never half-credits a sale.
	Apply(ctx context.Context, at time.Time, deltas []Delta) error
	Get(ctx context.Context, principal string) (*Totals, error)
}

// Recorder translates completed transactions into aggregate deltas.
// It satisfies the settlement engine's Recorder interface.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a statistics recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logging.Component(logger, "stats")}
}

var _ settlement.Recorder = (*Recorder)(nil)

// RecordCompletion credits a completed sale: the seller's sale volume
// is the sale price, each buyer's purchase volume is their share of
// it, referrers and collaborators are credited their payout amounts.
// Buyers get both volume and purchase count.
func (r *Recorder) RecordCompletion(ctx context.Context, tx *settlement.Transaction) error {
	deltas := []Delta{{
		Principal:  tx.Seller,
		Sales:      1,
		SaleVolume: tx.SalePrice.Units,
	}}

	buyerShares := money.SplitBps(tx.SalePrice, tx.Buyers, 0)
	for i, b := range tx.Buyers {
		deltas = append(deltas, Delta{
			Principal:      b.Principal,
			Purchases:      1,
			PurchaseVolume: buyerShares[i].Units,
		})
	}

	for _, po := range tx.Payouts {
		switch po.Kind {
		case settlement.PayoutReferral:
			deltas = append(deltas, Delta{
				Principal:      po.Principal,
				Referrals:      1,
				ReferralVolume: po.Amount.Units,
			})
		case settlement.PayoutCollab:
			deltas = append(deltas, Delta{
				Principal:    po.Principal,
				Collabs:      1,
				CollabVolume: po.Amount.Units,
			})
		}
	}

	return r.store.Apply(ctx, time.Now().UTC(), deltas)
}

// RecordRefund counts a fully refunded sale for both sides, with no
// volume credit.
func (r *Recorder) RecordRefund(ctx context.Context, tx *settlement.Transaction) error {
	deltas := []Delta{{Principal: tx.Seller, Refunds: 1}}
	for _, b := range tx.Buyers {
		deltas = append(deltas, Delta{Principal: b.Principal, Refunds: 1})
	}
	return r.store.Apply(ctx, time.Now().UTC(), deltas)
}

// Get returns one principal's aggregates.
func (r *Recorder) Get(ctx context.Context, principal string) (*Totals, error) {
	return r.store.Get(ctx, principal)
}
