package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gavelworks/gavel/internal/chain"
	"github.com/gavelworks/gavel/internal/fault"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/syncutil"
)

// Recorder updates aggregate statistics after a terminal commit.
type Recorder interface {
	RecordCompletion(ctx context.Context, tx *Transaction) error
	RecordRefund(ctx context.Context, tx *Transaction) error
}

// Notifier receives fire-and-forget events after commit.
type Notifier interface {
	TransactionCompleted(tx *Transaction)
}

// SaleRequest creates a Transaction at sale acceptance (auction
// settlement, buy-now, or offer acceptance).
type SaleRequest struct {
	ListingID     string
	Seller        string
	Buyers        []money.Share
	Referrer      string
	Collaborators []money.Share
	SalePrice     money.Amount
	EscrowAccount string
}

// Engine is the settlement engine: the sole writer of
// Transaction.Status = Completed.
type Engine struct {
	store    Store
	ledger   chain.Ledger
	params   Params
	grace    time.Duration // auto-finalize grace after PendingRelease
	stats    Recorder
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // ledger settlement serializes per transaction
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, ledger chain.Ledger, params Params, grace time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		ledger: ledger,
		params: params,
		grace:  grace,
		logger: logging.Component(logger, "settlement"),
	}
}

// WithRecorder adds a statistics recorder.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.stats = r
	return e
}

// WithNotifier adds an event sink.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

func (e *Engine) txLock(id string) func() {
	return e.locks.Lock(id)
}

// CreateSale persists a new EscrowFunded transaction. Share lists are
// validated here, once; payout time trusts them.
func (e *Engine) CreateSale(ctx context.Context, req SaleRequest) (*Transaction, error) {
	if !req.SalePrice.IsPositive() {
		return nil, fault.Validationf("settlement.CreateSale", "sale price must be positive")
	}
	if err := money.ValidateShares(req.Buyers); err != nil {
		return nil, fault.Validationf("settlement.CreateSale", "invalid buyer shares: %v", err)
	}
	if len(req.Collaborators) > 0 {
		if err := money.ValidateShares(req.Collaborators); err != nil {
			return nil, fault.Validationf("settlement.CreateSale", "invalid collaborator shares: %v", err)
		}
		found := false
		for _, c := range req.Collaborators {
			if c.Principal == req.Seller {
				found = true
				break
			}
		}
		if !found {
			return nil, fault.Validationf("settlement.CreateSale", "seller must hold a collaborator share")
		}
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		ListingID:     req.ListingID,
		Seller:        req.Seller,
		Buyers:        req.Buyers,
		Referrer:      req.Referrer,
		Collaborators: req.Collaborators,
		SalePrice:     req.SalePrice,
		EscrowAccount: req.EscrowAccount,
		Status:        StatusEscrowFunded,
		Fee:           money.Zero(req.SalePrice.Currency),
		BuyerRefund:   money.Zero(req.SalePrice.Currency),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Get returns a transaction by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Transaction, error) {
	return e.store.Get(ctx, id)
}

// GetByListing returns a listing's non-refunded transaction.
func (e *Engine) GetByListing(ctx context.Context, listingID string) (*Transaction, error) {
	return e.store.GetByListing(ctx, listingID)
}

// HasSale reports whether a listing has a non-refunded transaction.
// Listings with one can never re-enter Active.
func (e *Engine) HasSale(ctx context.Context, listingID string) (bool, error) {
	tx, err := e.store.GetByListing(ctx, listingID)
	if errors.Is(err, ErrTransactionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tx.Status != StatusRefunded, nil
}

// MarkTransferStarted records that the asset handover began.
func (e *Engine) MarkTransferStarted(ctx context.Context, id, caller string) (*Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != tx.Seller {
		return nil, fault.Conflictf("settlement.MarkTransferStarted", "only the seller may start the transfer")
	}
	return e.store.UpdateStatus(ctx, id, []Status{StatusEscrowFunded}, StatusTransferInProgress, time.Now().UTC())
}

// MarkPendingRelease records the seller's assertion that the asset
// transfer is complete, starting the auto-finalize grace period.
func (e *Engine) MarkPendingRelease(ctx context.Context, id, caller string) (*Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != tx.Seller {
		return nil, fault.Conflictf("settlement.MarkPendingRelease", "only the seller may assert transfer completion")
	}
	return e.store.UpdateStatus(ctx, id,
		[]Status{StatusEscrowFunded, StatusTransferInProgress}, StatusPendingRelease, time.Now().UTC())
}

// MarkDisputed freezes a transaction for arbitration. Only valid from
// TransferInProgress or PendingRelease.
func (e *Engine) MarkDisputed(ctx context.Context, id string) (*Transaction, error) {
	return e.store.UpdateStatus(ctx, id,
		[]Status{StatusTransferInProgress, StatusPendingRelease}, StatusDisputed, time.Now().UTC())
}

// CanComplete applies the caller-facing authorization rule: a buyer may
// always trigger completion; once the grace period after PendingRelease
// has elapsed, anyone may, because the only check that matters then is
// state. This prevents a buyer from holding funds hostage by refusing
// to confirm.
func CanComplete(tx *Transaction, caller string, grace time.Duration, now time.Time) bool {
	for _, b := range tx.Buyers {
		if b.Principal == caller {
			return true
		}
	}
	if tx.Status == StatusPendingRelease && tx.PendingReleaseAt != nil {
		return now.After(tx.PendingReleaseAt.Add(grace))
	}
	return false
}

// Grace returns the auto-finalize grace period.
func (e *Engine) Grace() time.Duration { return e.grace }

// Complete transitions a transaction to Completed exactly once,
// computing fee, referral, collaborator, and seller amounts atomically
// with the status change. Racing callers all observe the same result.
func (e *Engine) Complete(ctx context.Context, id string) (*Transaction, error) {
	return e.finalize(ctx, id, money.Amount{}, completableStatuses())
}

// ResolveDispute applies an arbitration outcome: buyerAmount and
// sellerAmount must sum exactly to the sale price and must not both be
// zero. It drives the transaction to Refunded or Completed through the
// same finalize path as every other trigger.
func (e *Engine) ResolveDispute(ctx context.Context, id string, buyerAmount, sellerAmount money.Amount) (*Transaction, error) {
	if buyerAmount.IsZero() && sellerAmount.IsZero() {
		return nil, fault.Validationf("settlement.ResolveDispute", "resolution must disburse a non-zero amount")
	}
	total, err := buyerAmount.Add(sellerAmount)
	if err != nil {
		return nil, fault.Validationf("settlement.ResolveDispute", "mixed currencies in resolution")
	}

	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmp, err := total.Cmp(tx.SalePrice); err != nil || cmp != 0 {
		return nil, fault.Validationf("settlement.ResolveDispute",
			"buyer %s + seller %s must equal sale price %s", buyerAmount, sellerAmount, tx.SalePrice)
	}

	return e.finalize(ctx, id, buyerAmount, []Status{StatusDisputed})
}

func completableStatuses() []Status {
	return []Status{StatusEscrowFunded, StatusTransferInProgress, StatusPendingRelease}
}

// finalize runs the idempotent terminal transition and then the
// post-commit side effects.
func (e *Engine) finalize(ctx context.Context, id string, buyerRefund money.Amount, allowed []Status) (*Transaction, error) {
	tx, already, err := e.store.Finalize(ctx, id, func(fresh *Transaction) (*Outcome, error) {
		ok := false
		for _, s := range allowed {
			if fresh.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fault.Conflictf("settlement.Complete", "transaction %s is %s", id, fresh.Status)
		}
		refund := buyerRefund
		if refund.Currency == "" {
			refund = money.Zero(fresh.SalePrice.Currency)
		}
		return computeOutcome(fresh, e.params, refund, time.Now().UTC())
	})
	if err != nil {
		if fault.KindOf(err) == fault.KindInvariant {
			logging.Invariant(e.logger, "settlement aborted before any write", "txnId", id, "error", err)
		}
		return nil, err
	}
	if already {
		// Lost the idempotency race (or a retry): the prior result is
		// the result.
		return tx, nil
	}

	// Post-commit side effects. Failures are logged and retried by the
	// reconciliation sweep; they never re-run the payout computation.
	if err := e.SettleLedger(ctx, tx); err != nil {
		e.logger.Warn("ledger settlement deferred to reconciliation", "txnId", tx.ID, "error", err)
	}
	if err := e.RecordStats(ctx, tx); err != nil {
		e.logger.Warn("statistics update deferred to reconciliation", "txnId", tx.ID, "error", err)
	}
	if e.notifier != nil {
		e.notifier.TransactionCompleted(tx)
	}
	return tx, nil
}

// SettleLedger executes the committed payout rows on the external
// ledger, then closes the escrow account returning any residual to the
// seller. Each row is keyed by its recorded transfer reference, so a
// retry never pays the same row twice.
func (e *Engine) SettleLedger(ctx context.Context, tx *Transaction) error {
	unlock := e.txLock(tx.ID)
	defer unlock()

	fresh, err := e.store.Get(ctx, tx.ID)
	if err != nil {
		return err
	}
	if fresh.PayoutsSettled {
		return nil
	}

	for _, po := range fresh.Payouts {
		if po.TransferRef != "" {
			continue
		}
		ref, err := e.ledger.Transfer(ctx, fresh.EscrowAccount, po.Principal, po.Amount)
		if err != nil {
			return fault.Reconciliationf("settlement.SettleLedger", err,
				"payout %s to %s for %s", po.Kind, po.Principal, fresh.ID)
		}
		if err := e.store.RecordPayoutRef(ctx, fresh.ID, po.Kind, po.Principal, ref); err != nil {
			return fault.Reconciliationf("settlement.SettleLedger", err,
				"record ref for payout %s to %s", po.Kind, po.Principal)
		}
	}

	// Close the listing's escrow account; residual rent goes back to
	// the seller.
	if _, _, err := e.ledger.CloseAccount(ctx, fresh.EscrowAccount, fresh.Seller); err != nil &&
		!errors.Is(err, chain.ErrAccountNotFound) {
		return fault.Reconciliationf("settlement.SettleLedger", err, "close escrow %s", fresh.EscrowAccount)
	}

	return e.store.MarkPayoutsSettled(ctx, fresh.ID)
}

// RecordStats updates aggregate volume and count statistics. Idempotent
// via the StatsRecorded flag.
func (e *Engine) RecordStats(ctx context.Context, tx *Transaction) error {
	fresh, err := e.store.Get(ctx, tx.ID)
	if err != nil {
		return err
	}
	if fresh.StatsRecorded {
		return nil
	}
	if e.stats == nil {
		// Nothing to record; flip the flag so reconciliation stops
		// picking the transaction up.
		return e.store.MarkStatsRecorded(ctx, fresh.ID)
	}

	var recErr error
	if fresh.Status == StatusRefunded {
		recErr = e.stats.RecordRefund(ctx, fresh)
	} else {
		recErr = e.stats.RecordCompletion(ctx, fresh)
	}
	if recErr != nil {
		return fault.Reconciliationf("settlement.RecordStats", recErr, "stats for %s", fresh.ID)
	}
	return e.store.MarkStatsRecorded(ctx, fresh.ID)
}

// AutoFinalizeDue returns transactions whose grace period has elapsed.
func (e *Engine) AutoFinalizeDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return e.store.ListPendingRelease(ctx, now.Add(-e.grace), limit)
}

// ReconcileDue returns terminal transactions with unfinished side
// effects for the reconciliation sweep.
func (e *Engine) ReconcileDue(ctx context.Context, limit int) ([]*Transaction, error) {
	return e.store.ListUnsettled(ctx, limit)
}
