package settlement

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gavelworks/gavel/internal/auth"
	"github.com/gavelworks/gavel/internal/httperr"
	"github.com/gavelworks/gavel/internal/metrics"
)

// Handler exposes the transaction lifecycle over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers transaction routes on an authenticated group.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup) {
	authed.GET("/transactions/:txnId", h.GetTransaction)
	authed.GET("/listings/:listingId/transaction", h.GetByListing)
	authed.POST("/transactions/:txnId/transfer-started", h.MarkTransferStarted)
	authed.POST("/transactions/:txnId/pending-release", h.MarkPendingRelease)
	authed.POST("/transactions/:txnId/complete", h.Complete)
}

// GetTransaction handles GET /transactions/:txnId. Only the parties to
// the sale see it; anyone else reads not found.
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.engine.Get(c.Request.Context(), c.Param("txnId"))
	if err != nil {
		httperr.Respond(c, err, ErrTransactionNotFound)
		return
	}
	if !isParty(tx, auth.GetPrincipal(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

// GetByListing handles GET /listings/:listingId/transaction.
func (h *Handler) GetByListing(c *gin.Context) {
	tx, err := h.engine.GetByListing(c.Request.Context(), c.Param("listingId"))
	if err != nil {
		httperr.Respond(c, err, ErrTransactionNotFound)
		return
	}
	if !isParty(tx, auth.GetPrincipal(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

// MarkTransferStarted handles POST /transactions/:txnId/transfer-started.
// Seller only.
func (h *Handler) MarkTransferStarted(c *gin.Context) {
	tx, err := h.engine.MarkTransferStarted(c.Request.Context(), c.Param("txnId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// MarkPendingRelease handles POST /transactions/:txnId/pending-release.
// Seller only; starts the auto-finalize grace period.
func (h *Handler) MarkPendingRelease(c *gin.Context) {
	tx, err := h.engine.MarkPendingRelease(c.Request.Context(), c.Param("txnId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Complete handles POST /transactions/:txnId/complete. A buyer may
// trigger completion at any point; after the grace period anyone may.
func (h *Handler) Complete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("txnId")

	tx, err := h.engine.Get(ctx, id)
	if err != nil {
		httperr.Respond(c, err, ErrTransactionNotFound)
		return
	}
	if !CanComplete(tx, auth.GetPrincipal(c), h.engine.Grace(), time.Now().UTC()) {
		httperr.Forbidden(c, "caller may not complete this transaction")
		return
	}

	tx, err = h.engine.Complete(ctx, id)
	if err != nil {
		httperr.Respond(c, err, ErrTransactionNotFound)
		return
	}

	metrics.SettlementsTotal.WithLabelValues(string(tx.Status)).Inc()
	c.JSON(http.StatusOK, tx)
}

// isParty reports whether principal is the seller or one of the buyers.
func isParty(tx *Transaction, principal string) bool {
	if principal == tx.Seller {
		return true
	}
	for _, b := range tx.Buyers {
		if b.Principal == principal {
			return true
		}
	}
	return false
}
