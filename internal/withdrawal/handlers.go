package withdrawal

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gavelworks/gavel/internal/auth"
	"github.com/gavelworks/gavel/internal/httperr"
	"github.com/gavelworks/gavel/internal/metrics"
	"github.com/gavelworks/gavel/internal/validation"
)

// Handler exposes the withdrawal credit ledger over HTTP. Every route
// operates on the authenticated principal's own credits.
type Handler struct {
	svc *Service
}

// NewHandler creates a withdrawal handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers withdrawal routes on an authenticated group.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup) {
	authed.GET("/withdrawals", h.ListCredits)
	authed.GET("/withdrawals/:creditId", h.GetCredit)
	authed.POST("/withdrawals/:creditId/claim", h.ClaimCredit)
}

// ListCredits handles GET /withdrawals. Newest first.
func (h *Handler) ListCredits(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	credits, err := h.svc.ListByBeneficiary(c.Request.Context(), auth.GetPrincipal(c), limit)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": credits, "count": len(credits)})
}

// GetCredit handles GET /withdrawals/:creditId. Another principal's
// credit reads as not found.
func (h *Handler) GetCredit(c *gin.Context) {
	credit, err := h.svc.Get(c.Request.Context(), c.Param("creditId"))
	if err != nil || credit.Beneficiary != auth.GetPrincipal(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "credit not found"})
		return
	}
	c.JSON(http.StatusOK, credit)
}

// ClaimCreditRequest is the body for POST /withdrawals/:creditId/claim.
type ClaimCreditRequest struct {
	Destination string `json:"destination" binding:"required"`
}

// ClaimCredit handles POST /withdrawals/:creditId/claim. Pays the
// credited amount to the destination account, exactly once.
func (h *Handler) ClaimCredit(c *gin.Context) {
	var req ClaimCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidRef(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_destination", "message": "destination must be a valid account reference"})
		return
	}

	credit, err := h.svc.Claim(c.Request.Context(), c.Param("creditId"), auth.GetPrincipal(c), req.Destination)
	if err != nil {
		httperr.Respond(c, err)
		return
	}

	metrics.WithdrawalClaimsTotal.Inc()
	c.JSON(http.StatusOK, credit)
}
