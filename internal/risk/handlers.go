package risk

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the assessment audit trail.
type Handler struct {
	store Store
}

// NewHandler creates a new risk handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/assessments/:walletId", h.ListAssessments)
}

// ListAssessments handles GET /v1/admin/risk/assessments/:walletId
func (h *Handler) ListAssessments(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	assessments, err := h.store.ListByWallet(c.Request.Context(), c.Param("walletId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list risk assessments",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": assessments, "count": len(assessments)})
}
