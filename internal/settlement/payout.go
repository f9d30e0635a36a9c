package settlement

import (
	"time"

	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/money"
)

// Params are the marketplace economics applied at completion.
type Params struct {
	FeeBps      int64
	ReferralBps int64
	Treasury    string
}

// computeOutcome produces the full distribution for a sale, optionally
// carved by a dispute-ordered buyer refund. All arithmetic is integer;
// each floored slice's remainder is routed to the seller so the slices
// always sum exactly to the sale price.
//
//	buyerRefund + fee + referral + collaborators + sellerProceeds == salePrice
func computeOutcome(tx *Transaction, p Params, buyerRefund money.Amount, now time.Time) (*Outcome, error) {
	if !tx.SalePrice.SameCurrency(buyerRefund) && !buyerRefund.IsZero() {
		return nil, fault.Validationf("settlement.compute", "refund currency %s does not match sale currency %s",
			buyerRefund.Currency, tx.SalePrice.Currency)
	}

	distributable, err := tx.SalePrice.Sub(buyerRefund)
	if err != nil {
		return nil, fault.Validationf("settlement.compute", "refund exceeds sale price")
	}

	fee := distributable.Bps(p.FeeBps)
	referral := money.Zero(tx.SalePrice.Currency)
	if tx.Referrer != "" {
		referral = distributable.Bps(p.ReferralBps)
	}

	pool, err := distributable.Sub(fee)
	if err == nil {
		pool, err = pool.Sub(referral)
	}
	if err != nil {
		return nil, fault.Invariantf("settlement.compute", "fee and referral exceed distributable amount")
	}

	var payouts []Payout

	// Buyer refunds are split across the partner set by their shares,
	// with the remainder to the first partner.
	if buyerRefund.IsPositive() {
		slices := money.SplitBps(buyerRefund, tx.Buyers, 0)
		for i, b := range tx.Buyers {
			if slices[i].IsZero() {
				continue
			}
			payouts = append(payouts, Payout{Kind: PayoutBuyerRefund, Principal: b.Principal, Amount: slices[i]})
		}
	}

	if fee.IsPositive() {
		payouts = append(payouts, Payout{Kind: PayoutFee, Principal: p.Treasury, Amount: fee})
	}
	if referral.IsPositive() {
		payouts = append(payouts, Payout{Kind: PayoutReferral, Principal: tx.Referrer, Amount: referral})
	}

	sellerProceeds := pool
	if len(tx.Collaborators) > 0 {
		sellerIdx := -1
		for i, c := range tx.Collaborators {
			if c.Principal == tx.Seller {
				sellerIdx = i
				break
			}
		}
		if sellerIdx < 0 {
			// Validated at creation; a missing seller here is corruption.
			return nil, fault.Invariantf("settlement.compute", "seller %s absent from collaborator shares", tx.Seller)
		}
		slices := money.SplitBps(pool, tx.Collaborators, sellerIdx)
		for i, c := range tx.Collaborators {
			if i == sellerIdx {
				sellerProceeds = slices[i]
				continue
			}
			if slices[i].IsZero() {
				continue
			}
			payouts = append(payouts, Payout{Kind: PayoutCollab, Principal: c.Principal, Amount: slices[i]})
		}
	}
	if sellerProceeds.IsPositive() {
		payouts = append(payouts, Payout{Kind: PayoutProceeds, Principal: tx.Seller, Amount: sellerProceeds})
	}

	// The central invariant: every slice accounted for, to the unit.
	var total int64
	for _, po := range payouts {
		total += po.Amount.Units
	}
	if total != tx.SalePrice.Units {
		return nil, fault.Invariantf("settlement.compute",
			"payouts sum to %d units, sale price is %d units", total, tx.SalePrice.Units)
	}

	status := StatusCompleted
	if distributable.IsZero() {
		status = StatusRefunded
	}

	return &Outcome{
		Status:         status,
		Fee:            fee,
		SellerProceeds: sellerProceeds,
		BuyerRefund:    buyerRefund,
		Payouts:        payouts,
		At:             now,
	}, nil
}
