package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gavelworks/gavel/internal/auth"
	"github.com/gavelworks/gavel/internal/httperr"
	"github.com/gavelworks/gavel/internal/metrics"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/settlement"
	"github.com/gavelworks/gavel/internal/validation"
)

// Handler exposes dispute arbitration over HTTP.
type Handler struct {
	svc      *Service
	txns     *settlement.Engine
	currency string
}

// NewHandler creates a dispute handler. The settlement engine is used
// for fee quotes only; all state changes go through the service.
func NewHandler(svc *Service, txns *settlement.Engine, currency string) *Handler {
	return &Handler{svc: svc, txns: txns, currency: currency}
}

// RegisterRoutes registers dispute routes. Resolution routes go on the
// resolver group, which the server guards with a role check.
func (h *Handler) RegisterRoutes(authed, resolver *gin.RouterGroup) {
	authed.GET("/transactions/:txnId/dispute-fee", h.QuoteFee)
	authed.POST("/transactions/:txnId/disputes", h.OpenDispute)
	authed.GET("/disputes/:disputeId", h.GetDispute)

	resolver.GET("/disputes", h.ListOpenDisputes)
	resolver.POST("/disputes/:disputeId/resolve", h.ResolveDispute)
}

// QuoteFee handles GET /transactions/:txnId/dispute-fee. Returns the
// fee the initiator must escrow before opening a dispute.
func (h *Handler) QuoteFee(c *gin.Context) {
	tx, err := h.txns.Get(c.Request.Context(), c.Param("txnId"))
	if err != nil {
		httperr.Respond(c, err, settlement.ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId": tx.ID,
		"fee":           h.svc.Fee(tx.SalePrice),
	})
}

// OpenDisputeRequest is the body for POST /transactions/:txnId/disputes.
// FeeRef is the ledger transfer that escrowed the dispute fee.
type OpenDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
	FeeRef string `json:"feeRef" binding:"required"`
}

// OpenDispute handles POST /transactions/:txnId/disputes.
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidRef(req.FeeRef) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reference", "message": "feeRef must be a valid ledger reference"})
		return
	}
	reason := validation.SanitizeString(req.Reason, 2000)

	d, err := h.svc.Open(c.Request.Context(), c.Param("txnId"), auth.GetPrincipal(c), reason, req.FeeRef)
	if err != nil {
		httperr.Respond(c, err, settlement.ErrTransactionNotFound)
		return
	}

	metrics.DisputesTotal.WithLabelValues("open").Inc()
	c.JSON(http.StatusCreated, d)
}

// GetDispute handles GET /disputes/:disputeId.
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.svc.Get(c.Request.Context(), c.Param("disputeId"))
	if err != nil {
		httperr.Respond(c, err, ErrDisputeNotFound)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListOpenDisputes handles GET /disputes. Resolver only.
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	disputes, err := h.svc.ListOpen(c.Request.Context(), limit)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ResolveDisputeRequest is the body for POST /disputes/:disputeId/resolve.
// The two amounts must sum exactly to the sale price.
type ResolveDisputeRequest struct {
	BuyerAmount  string `json:"buyerAmount" binding:"required"`
	SellerAmount string `json:"sellerAmount" binding:"required"`
	Notes        string `json:"notes"`
}

// ResolveDispute handles POST /disputes/:disputeId/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	buyerAmount, err := money.Parse(req.BuyerAmount, h.currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	sellerAmount, err := money.Parse(req.SellerAmount, h.currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	notes := validation.SanitizeString(req.Notes, 2000)

	d, err := h.svc.Resolve(c.Request.Context(), c.Param("disputeId"), auth.GetPrincipal(c), buyerAmount, sellerAmount, notes)
	if err != nil {
		httperr.Respond(c, err, ErrDisputeNotFound)
		return
	}

	metrics.DisputesTotal.WithLabelValues(string(d.Status)).Inc()
	c.JSON(http.StatusOK, d)
}
