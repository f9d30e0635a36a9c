package listing

import (
	"errors"
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

// Handler exposes the listing lifecycle over HTTP.
type Handler struct {
	svc      *Service
	currency string
}

// NewHandler creates a listing handler. Amounts in request bodies are
// parsed in the marketplace currency.
func NewHandler(svc *Service, currency string) *Handler {
	return &Handler{svc: svc, currency: currency}
}

// RegisterRoutes registers listing routes. Reads are public; writes
// require an authenticated principal.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.GET("/listings/:listingId", h.GetListing)
	public.GET("/listings/:listingId/bids", h.ListBids)

	authed.POST("/listings", h.CreateListing)
	authed.POST("/listings/:listingId/open", h.OpenListing)
	authed.POST("/listings/:listingId/bids", h.PlaceBid)
	authed.POST("/listings/:listingId/buy", h.BuyNow)
	authed.POST("/listings/:listingId/reserve", h.Reserve)
	authed.POST("/listings/:listingId/reserve/release", h.ReleaseReservation)
	authed.POST("/listings/:listingId/partner-deposits", h.PartnerDeposit)
	authed.POST("/listings/:listingId/settle", h.Settle)
	authed.POST("/listings/:listingId/cancel", h.Cancel)
}

// CreateListingRequest is the body for POST /listings.
type CreateListingRequest struct {
	Mode            string        `json:"mode" binding:"required"`
	StartPrice      string        `json:"startPrice"`
	ReservePrice    string        `json:"reservePrice"`
	BuyNowPrice     string        `json:"buyNowPrice"`
	Referrer        string        `json:"referrer"`
	Collaborators   []money.Share `json:"collaborators"`
	DurationSeconds int64         `json:"durationSeconds" binding:"required"`
}

// CreateListing handles POST /listings. The authenticated principal
// becomes the seller.
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("startPrice", req.StartPrice),
		validation.ValidAmount("reservePrice", req.ReservePrice),
		validation.ValidAmount("buyNowPrice", req.BuyNowPrice),
		validation.ValidPrincipal("referrer", req.Referrer),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	start, err := h.amount(req.StartPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	reserve, err := h.amount(req.ReservePrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	buyNow, err := h.amount(req.BuyNowPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	l, err := h.svc.Create(c.Request.Context(), CreateRequest{
		Seller:        auth.GetPrincipal(c),
		Mode:          PricingMode(req.Mode),
		StartPrice:    start,
		ReservePrice:  reserve,
		BuyNowPrice:   buyNow,
		Referrer:      req.Referrer,
		Collaborators: req.Collaborators,
		Duration:      time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// GetListing handles GET /listings/:listingId.
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.svc.Get(c.Request.Context(), c.Param("listingId"))
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}
	c.JSON(http.StatusOK, l)
}

// ListBids handles GET /listings/:listingId/bids. Returns the accepted
// bid ledger, newest first.
func (h *Handler) ListBids(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	bids, err := h.svc.Bids(c.Request.Context(), c.Param("listingId"), limit)
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// OpenListing handles POST /listings/:listingId/open. Seller only.
func (h *Handler) OpenListing(c *gin.Context) {
	l, err := h.svc.Open(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}
	c.JSON(http.StatusOK, l)
}

// PlaceBidRequest is the body for POST /listings/:listingId/bids. The
// transfer reference points at the bidder's escrow deposit.
type PlaceBidRequest struct {
	Amount      string `json:"amount" binding:"required"`
	TransferRef string `json:"transferRef" binding:"required"`
}

// PlaceBid handles POST /listings/:listingId/bids.
func (h *Handler) PlaceBid(c *gin.Context) {
	var req PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidRef(req.TransferRef) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reference", "message": "transferRef must be a valid ledger reference"})
		return
	}

	amount, err := h.amount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	bid, err := h.svc.PlaceBid(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c), req.TransferRef, amount)
	if err != nil {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}

	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusCreated, bid)
}

// BuyNowRequest is the body for POST /listings/:listingId/buy.
type BuyNowRequest struct {
	TransferRef string `json:"transferRef" binding:"required"`
}

// BuyNow handles POST /listings/:listingId/buy. Requires a deposit of
// exactly the buy-now price.
func (h *Handler) BuyNow(c *gin.Context) {
	var req BuyNowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tx, err := h.svc.BuyNow(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c), req.TransferRef)
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}

	metrics.SalesTotal.WithLabelValues("buy_now").Inc()
	c.JSON(http.StatusCreated, tx)
}

// ReserveRequest is the body for POST /listings/:listingId/reserve.
type ReserveRequest struct {
	Partners []money.Share `json:"partners" binding:"required"`
}

// Reserve handles POST /listings/:listingId/reserve. Parks the listing
// for a partner group purchase.
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	l, err := h.svc.ReserveForPartners(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c), req.Partners)
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}
	c.JSON(http.StatusOK, l)
}

// ReleaseReservation handles POST /listings/:listingId/reserve/release.
func (h *Handler) ReleaseReservation(c *gin.Context) {
	l, err := h.svc.ReleaseReservation(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}
	c.JSON(http.StatusOK, l)
}

// PartnerDepositRequest is the body for POST /listings/:listingId/partner-deposits.
type PartnerDepositRequest struct {
	Amount      string `json:"amount" binding:"required"`
	TransferRef string `json:"transferRef" binding:"required"`
}

// PartnerDeposit handles POST /listings/:listingId/partner-deposits.
// The sale completes automatically once deposits cover the buy-now
// price.
func (h *Handler) PartnerDeposit(c *gin.Context) {
	var req PartnerDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	amount, err := h.amount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	l, err := h.svc.PartnerDeposit(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c), req.TransferRef, amount)
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}

	if l.Status == StatusSold {
		metrics.SalesTotal.WithLabelValues("partner").Inc()
	}
	c.JSON(http.StatusOK, l)
}

// Settle handles POST /listings/:listingId/settle. Ends an auction at
// or after its end time and creates the settlement transaction.
func (h *Handler) Settle(c *gin.Context) {
	tx, err := h.svc.Settle(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c))
	if err != nil {
		if errors.Is(err, ErrNoBids) {
			c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": "auction ended with no qualifying bids"})
			return
		}
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}

	metrics.SalesTotal.WithLabelValues("auction").Inc()
	c.JSON(http.StatusCreated, tx)
}

// Cancel handles POST /listings/:listingId/cancel. Seller only, and
// only before any qualifying bid.
func (h *Handler) Cancel(c *gin.Context) {
	l, err := h.svc.Cancel(c.Request.Context(), c.Param("listingId"), auth.GetPrincipal(c))
	if err != nil {
		httperr.Respond(c, err, ErrListingNotFound)
		return
	}
	c.JSON(http.StatusOK, l)
}

// amount parses a decimal string in the marketplace currency. Empty
// means zero, for optional price fields.
func (h *Handler) amount(s string) (money.Amount, error) {
	if s == "" {
		return money.Zero(h.currency), nil
	}
	return money.Parse(s, h.currency)
}
