package stats

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gavelworks/gavel/internal/httperr"
)

// Handler exposes aggregate statistics over HTTP.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a stats handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes registers stats routes on a public group.
func (h *Handler) RegisterRoutes(public *gin.RouterGroup) {
	public.GET("/principals/:principal/stats", h.GetStats)
}

// GetStats handles GET /principals/:principal/stats. Principals with
// no recorded activity read as zero totals.
func (h *Handler) GetStats(c *gin.Context) {
	principal := strings.ToLower(c.Param("principal"))
	totals, err := h.recorder.Get(c.Request.Context(), principal)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}
