package receipts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rfqhub/walletd/internal/logging"
	"github.com/rfqhub/walletd/internal/validation"
)

// Handler provides HTTP endpoints for receipts.
type Handler struct {
	service *Service
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receipts/:id", h.GetReceipt)
	r.POST("/receipts/verify", h.VerifyReceipt)
	r.GET("/escrow-holds/:id/receipts", h.ListByHold)
	r.GET("/wallets/:userId/receipts", validation.UserIDParamMiddleware(), h.ListByUser)
}

// GetReceipt handles GET /v1/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ListByHold handles GET /v1/escrow-holds/:id/receipts
func (h *Handler) ListByHold(c *gin.Context) {
	receipts, err := h.service.ListByHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts, "count": len(receipts)})
}

// ListByUser handles GET /v1/wallets/:userId/receipts
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			validation.BadRequest(c, validation.ValidationErrors{{Field: "limit", Message: "must be a positive integer"}})
			return
		}
		limit = parsed
	}

	receipts, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts, "count": len(receipts)})
}

// VerifyReceipt handles POST /v1/receipts/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	if req.ReceiptID == "" && req.Token == "" {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "receiptId", Message: "receiptId or token is required"}})
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, ErrReceiptNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Receipt not found"})
		return
	}
	logging.L(c.Request.Context()).Error("receipt request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load receipts",
	})
}
