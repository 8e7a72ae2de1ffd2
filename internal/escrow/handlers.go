package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rfqhub/walletd/internal/gateway"
	"github.com/rfqhub/walletd/internal/validation"
	"github.com/rfqhub/walletd/internal/wallet"
)

// Handler provides HTTP endpoints for escrow holds.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow hold routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow-holds", h.CreateHold)
	r.GET("/escrow-holds", h.ListHolds)
	r.GET("/escrow-holds/:id", h.GetHold)
	r.POST("/escrow-holds/:id/release", h.ReleaseHold)
	r.POST("/escrow-holds/:id/refund", h.RefundHold)
}

// RegisterAdminRoutes sets up operator-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/analytics", h.GetAnalytics)
}

// CreateHold handles POST /v1/escrow-holds
func (h *Handler) CreateHold(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	if req.BuyerID != "" && !validation.IsValidUserID(req.BuyerID) {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "buyerId", Message: "contains invalid characters"}})
		return
	}
	if !validation.IsValidUserID(req.SellerID) {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "sellerId", Message: "contains invalid characters"}})
		return
	}

	res, err := h.service.CreateHold(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetHold handles GET /v1/escrow-holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ListHolds handles GET /v1/escrow-holds
func (h *Handler) ListHolds(c *gin.Context) {
	f := ListFilter{
		WalletID: c.Query("walletId"),
		Status:   Status(c.Query("status")),
		Gateway:  gateway.Gateway(c.Query("gateway")),
		OrderID:  c.Query("orderId"),
	}
	if p := c.Query("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			f.Page = parsed
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			f.Limit = parsed
		}
	}
	f = f.normalized()

	holds, total, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if holds == nil {
		holds = []*Hold{}
	}
	c.JSON(http.StatusOK, gin.H{
		"holds": holds,
		"total": total,
		"page":  f.Page,
		"limit": f.Limit,
	})
}

type releaseRequest struct {
	Metadata wallet.Metadata `json:"metadata,omitempty"`
}

// ReleaseHold handles POST /v1/escrow-holds/:id/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	var req releaseRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.BadRequest(c, validation.FromBindError(err))
			return
		}
	}
	// Only the scheduler may claim a scheduled release.
	md := req.Metadata.With(wallet.MetaReleasedBy, ReleasedByAPI)

	res, err := h.service.Release(c.Request.Context(), c.Param("id"), md)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type refundRequest struct {
	Reason   string          `json:"reason" binding:"required,max=500"`
	Metadata wallet.Metadata `json:"metadata,omitempty"`
}

// RefundHold handles POST /v1/escrow-holds/:id/refund
func (h *Handler) RefundHold(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}

	res, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetAnalytics handles GET /v1/admin/escrow/analytics
func (h *Handler) GetAnalytics(c *gin.Context) {
	f := AnalyticsFilter{
		SellerID: c.Query("sellerId"),
		Gateway:  gateway.Gateway(c.Query("gateway")),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			validation.BadRequest(c, validation.ValidationErrors{{Field: p.name, Message: "must be an RFC 3339 timestamp"}})
			return
		}
		*p.dst = &t
	}

	a, err := h.service.Analytics(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": a})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrHoldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "hold_not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		wallet.RespondError(c, err)
	}
}
