package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gavelworks/gavel/internal/dispute"
	"github.com/gavelworks/gavel/internal/idgen"
	"github.com/gavelworks/gavel/internal/listing"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/withdrawal"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gavel",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gavel",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Broadcaster pushes events to connected live-feed clients. The
// realtime hub satisfies it.
type Broadcaster interface {
	BroadcastMarket(eventType string, data map[string]interface{})
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	hub    Broadcaster
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// WithBroadcaster mirrors every emitted event onto the live feed.
func (e *Emitter) WithBroadcaster(hub Broadcaster) *Emitter {
	e.hub = hub
	return e
}

var (
	_ listing.Notifier    = (*Emitter)(nil)
	_ settlement.Notifier = (*Emitter)(nil)
	_ withdrawal.Notifier = (*Emitter)(nil)
	_ dispute.Notifier    = (*Emitter)(nil)
)

// emit delivers one event to each named principal's subscriptions, or
// to every subscriber of the type when no principals are given.
func (e *Emitter) emit(principals []string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if e.hub != nil {
		e.hub.BroadcastMarket(string(eventType), data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if len(principals) == 0 {
		if err := e.d.Dispatch(ctx, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
		}
		return
	}
	for _, p := range principals {
		if err := e.d.DispatchToPrincipal(ctx, p, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "principal", p, "error", err)
		}
	}
}

// BidPlaced emits a bid.placed event to every subscriber of the type.
// Bids are public marketplace activity, so there is no target principal.
func (e *Emitter) BidPlaced(listingID string, bid *listing.Bid) {
	e.emit(nil, EventBidPlaced, map[string]interface{}{
		"listingId": listingID,
		"bidId":     bid.ID,
		"bidder":    bid.Bidder,
		"amount":    bid.Amount.String(),
		"currency":  bid.Amount.Currency,
		"placedAt":  bid.PlacedAt,
	})
}

// TransactionCompleted emits a transaction.completed event to the
// seller and every buyer.
func (e *Emitter) TransactionCompleted(tx *settlement.Transaction) {
	principals := []string{tx.Seller}
	buyers := make([]string, 0, len(tx.Buyers))
	for _, b := range tx.Buyers {
		principals = append(principals, b.Principal)
		buyers = append(buyers, b.Principal)
	}
	e.emit(principals, EventTransactionCompleted, map[string]interface{}{
		"transactionId": tx.ID,
		"listingId":     tx.ListingID,
		"seller":        tx.Seller,
		"buyers":        buyers,
		"salePrice":     tx.SalePrice.String(),
		"currency":      tx.SalePrice.Currency,
		"status":        string(tx.Status),
	})
}

// WithdrawalCreated emits a withdrawal.created event to the beneficiary.
func (e *Emitter) WithdrawalCreated(credit *withdrawal.Credit) {
	e.emit([]string{credit.Beneficiary}, EventWithdrawalCreated, map[string]interface{}{
		"creditId":    credit.ID,
		"beneficiary": credit.Beneficiary,
		"sourceRef":   credit.SourceRef,
		"amount":      credit.Amount.String(),
		"currency":    credit.Amount.Currency,
	})
}

// DisputeOpened emits a dispute.opened event to the initiator.
func (e *Emitter) DisputeOpened(d *dispute.Dispute) {
	e.emit([]string{d.Initiator}, EventDisputeOpened, map[string]interface{}{
		"disputeId":     d.ID,
		"transactionId": d.TransactionID,
		"initiator":     d.Initiator,
		"reason":        d.Reason,
	})
}

// DisputeResolved emits a dispute.resolved event to the initiator.
func (e *Emitter) DisputeResolved(d *dispute.Dispute) {
	e.emit([]string{d.Initiator}, EventDisputeResolved, map[string]interface{}{
		"disputeId":     d.ID,
		"transactionId": d.TransactionID,
		"initiator":     d.Initiator,
		"status":        string(d.Status),
		"resolvedBy":    d.ResolvedBy,
		"buyerAmount":   d.BuyerAmount.String(),
		"sellerAmount":  d.SellerAmount.String(),
	})
}
