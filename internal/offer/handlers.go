package offer

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gavelworks/gavel/internal/auth"
	"github.com/gavelworks/gavel/internal/httperr"
	"github.com/gavelworks/gavel/internal/metrics"
	"github.com/gavelworks/gavel/internal/money"
	"github.com/gavelworks/gavel/internal/validation"
)

// Handler exposes the offer lifecycle over HTTP.
type Handler struct {
	svc      *Service
	currency string
}

// NewHandler creates an offer handler.
func NewHandler(svc *Service, currency string) *Handler {
	return &Handler{svc: svc, currency: currency}
}

// RegisterRoutes registers offer routes.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.GET("/offers/:offerId", h.GetOffer)
	public.GET("/listings/:listingId/offers", h.ListOffers)

	authed.POST("/listings/:listingId/offers", h.MakeOffer)
	authed.POST("/offers/:offerId/fund", h.FundOffer)
	authed.POST("/offers/:offerId/accept", h.AcceptOffer)
	authed.POST("/offers/:offerId/cancel", h.CancelOffer)
}

// MakeOfferRequest is the body for POST /listings/:listingId/offers.
type MakeOfferRequest struct {
	Amount   string    `json:"amount" binding:"required"`
	Deadline time.Time `json:"deadline" binding:"required"`
}

// MakeOffer handles POST /listings/:listingId/offers. The returned
// offer carries the escrow account the offerer must deposit into
// before calling fund.
func (h *Handler) MakeOffer(c *gin.Context) {
	var req MakeOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	amount, err := money.Parse(req.Amount, h.currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	o, err := h.svc.Make(c.Request.Context(), MakeRequest{
		ListingID: c.Param("listingId"),
		Offerer:   auth.GetPrincipal(c),
		Amount:    amount,
		Deadline:  req.Deadline,
	})
	if err != nil {
		httperr.Respond(c, err, ErrOfferNotFound)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// GetOffer handles GET /offers/:offerId.
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("offerId"))
	if err != nil {
		httperr.Respond(c, err, ErrOfferNotFound)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListOffers handles GET /listings/:listingId/offers.
func (h *Handler) ListOffers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offers, err := h.svc.ListByListing(c.Request.Context(), c.Param("listingId"), limit)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// FundOfferRequest is the body for POST /offers/:offerId/fund.
type FundOfferRequest struct {
	TransferRef string `json:"transferRef" binding:"required"`
}

// FundOffer handles POST /offers/:offerId/fund. Verifies the offerer's
// escrow deposit and makes the offer acceptable.
func (h *Handler) FundOffer(c *gin.Context) {
	var req FundOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidRef(req.TransferRef) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reference", "message": "transferRef must be a valid ledger reference"})
		return
	}

	o, err := h.svc.Fund(c.Request.Context(), c.Param("offerId"), auth.GetPrincipal(c), req.TransferRef)
	if err != nil {
		httperr.Respond(c, err, ErrOfferNotFound)
		return
	}
	c.JSON(http.StatusOK, o)
}

// AcceptOffer handles POST /offers/:offerId/accept. Seller only; the
// sale settles out of the offer's escrow.
func (h *Handler) AcceptOffer(c *gin.Context) {
	tx, err := h.svc.Accept(c.Request.Context(), c.Param("offerId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrOfferNotFound)
		return
	}

	metrics.SalesTotal.WithLabelValues("offer").Inc()
	c.JSON(http.StatusCreated, tx)
}

// CancelOffer handles POST /offers/:offerId/cancel. Offerer only. A
// funded offer's escrow drains into a withdrawal credit.
func (h *Handler) CancelOffer(c *gin.Context) {
	o, err := h.svc.Cancel(c.Request.Context(), c.Param("offerId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrOfferNotFound)
		return
	}
	c.JSON(http.StatusOK, o)
}
