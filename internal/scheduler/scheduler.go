// Package scheduler drives time-based transitions so no caller ever
// has to be online: auto-finalize after the grace period, offer and
// listing expiry, ended-auction settlement, and retries of deferred
// post-commit work.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gavelworks/gavel/internal/listing"
	"github.com/gavelworks/gavel/internal/logging"
	"github.com/gavelworks/gavel/internal/metrics"
	"github.com/gavelworks/gavel/internal/offer"
	"github.com/gavelworks/gavel/internal/settlement"
)

// Scheduler runs the periodic sweeps.
type Scheduler struct {
	engine   *settlement.Engine
	listings *listing.Service
	offers   *offer.Service

	interval  time.Duration
	batchSize int
	principal string

	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// New creates a scheduler. principal is the identity the scheduler
// settles auctions under.
func New(engine *settlement.Engine, listings *listing.Service, offers *offer.Service,
	interval time.Duration, batchSize int, principal string, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		engine:    engine,
		listings:  listings,
		offers:    offers,
		interval:  interval,
		batchSize: batchSize,
		principal: principal,
		logger:    logging.Component(logger, "scheduler"),
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRunsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in scheduler sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
}

// Sweep runs every due transition once, each capped at the batch size
// to bound ledger RPC fan-out per invocation.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.autoFinalize(ctx, now)
	s.settleEndedAuctions(ctx, now)
	s.expireOffers(ctx, now)
	s.expireListings(ctx, now)
	s.reconcile(ctx)
}

// autoFinalize completes transactions whose grace period has elapsed.
// Complete is idempotent, so racing a buyer confirmation is harmless.
func (s *Scheduler) autoFinalize(ctx context.Context, now time.Time) {
	due, err := s.engine.AutoFinalizeDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list auto-finalize candidates", "error", err)
		return
	}
	for _, tx := range due {
		done, err := s.engine.Complete(ctx, tx.ID)
		if err != nil {
			s.logger.Warn("failed to auto-finalize transaction", "txnId", tx.ID, "error", err)
			continue
		}
		metrics.SettlementsTotal.WithLabelValues(string(done.Status)).Inc()
		s.logger.Info("auto-finalized transaction", "txnId", tx.ID, "listingId", tx.ListingID)
	}
}

func (s *Scheduler) settleEndedAuctions(ctx context.Context, now time.Time) {
	due, err := s.listings.EndedAuctions(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list ended auctions", "error", err)
		return
	}
	for _, l := range due {
		if _, err := s.listings.Settle(ctx, l.ID, s.principal); err != nil {
			// An anti-snipe bid that landed since the list query is an
			// expected rejection; the next sweep picks the listing up.
			s.logger.Debug("auction not settled this sweep", "listingId", l.ID, "error", err)
			continue
		}
		s.logger.Info("settled ended auction", "listingId", l.ID)
	}
}

func (s *Scheduler) expireOffers(ctx context.Context, now time.Time) {
	due, err := s.offers.ExpiredDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list expired offers", "error", err)
		return
	}
	for _, o := range due {
		if _, err := s.offers.Expire(ctx, o.ID); err != nil {
			s.logger.Warn("failed to expire offer", "offerId", o.ID, "error", err)
			continue
		}
		s.logger.Info("expired offer", "offerId", o.ID, "listingId", o.ListingID)
	}
}

func (s *Scheduler) expireListings(ctx context.Context, now time.Time) {
	due, err := s.listings.Expirable(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list expirable listings", "error", err)
		return
	}
	for _, l := range due {
		if _, err := s.listings.Expire(ctx, l.ID); err != nil {
			s.logger.Warn("failed to expire listing", "listingId", l.ID, "error", err)
			continue
		}
		s.logger.Info("expired listing", "listingId", l.ID)
	}
}

// reconcile retries deferred post-commit work: ledger payouts and
// statistics that failed after a terminal commit. It never re-runs the
// payout computation.
func (s *Scheduler) reconcile(ctx context.Context) {
	due, err := s.engine.ReconcileDue(ctx, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list reconciliation candidates", "error", err)
		return
	}
	for _, tx := range due {
		if !tx.PayoutsSettled {
			if err := s.engine.SettleLedger(ctx, tx); err != nil {
				s.logger.Warn("ledger settlement still pending", "txnId", tx.ID, "error", err)
				continue
			}
		}
		if !tx.StatsRecorded {
			if err := s.engine.RecordStats(ctx, tx); err != nil {
				s.logger.Warn("statistics update still pending", "txnId", tx.ID, "error", err)
			}
		}
	}
}
