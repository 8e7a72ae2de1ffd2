package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rfqhub/walletd/internal/gateway"
	"github.com/rfqhub/walletd/internal/logging"
	"github.com/rfqhub/walletd/internal/pagination"
	"github.com/rfqhub/walletd/internal/validation"
)

const maxPageSize = 200

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet and transaction routes. admin guards the
// wallet settings, status and transaction completion endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, admin ...gin.HandlerFunc) {
	r.POST("/wallets", h.CreateWallet)

	wallets := r.Group("/wallets/:userId", validation.UserIDParamMiddleware())
	wallets.GET("", h.GetWallet)
	wallets.GET("/transactions", h.ListTransactions)
	wallets.POST("/credit", h.Credit)
	wallets.POST("/debit", h.Debit)
	wallets.GET("/reconciliation", h.Reconcile)

	settings := wallets.Group("", admin...)
	settings.PATCH("/escrow", h.ToggleEscrow)
	settings.PATCH("/escrow-threshold", h.UpdateEscrowThreshold)
	settings.PATCH("/status", h.UpdateStatus)

	r.GET("/wallet-ids/:id", h.GetWalletByID)
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.Group("", admin...).POST("/transactions/:id/complete", h.CompleteTransaction)
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "userId", Message: "contains invalid characters"}})
		return
	}

	w, err := h.service.CreateWallet(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:userId
func (h *Handler) GetWallet(c *gin.Context) {
	view, err := h.service.GetWallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": view})
}

// GetWalletByID handles GET /v1/wallet-ids/:id
func (h *Handler) GetWalletByID(c *gin.Context) {
	view, err := h.service.GetWalletByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": view})
}

// ListTransactions handles GET /v1/wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			offset = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "cursor", Message: err.Error()}})
		return
	}
	if cursor != nil {
		offset = 0
	}

	filter := TxnFilter{
		Type:   TxnType(c.Query("type")),
		Status: TxnStatus(c.Query("status")),
		Cursor: cursor,
		Limit:  limit + 1,
		Offset: offset,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "type", Message: "unknown transaction type"}})
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		validation.BadRequest(c, validation.ValidationErrors{{Field: "status", Message: "unknown transaction status"}})
		return
	}

	txns, err := h.service.ListTransactions(c.Request.Context(), c.Param("userId"), filter)
	if err != nil {
		RespondError(c, err)
		return
	}
	txns, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if txns == nil {
		txns = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
		"limit":        limit,
		"offset":       offset,
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// Credit handles POST /v1/wallets/:userId/credit
func (h *Handler) Credit(c *gin.Context) {
	h.movement(c, h.service.Credit)
}

// Debit handles POST /v1/wallets/:userId/debit
func (h *Handler) Debit(c *gin.Context) {
	h.movement(c, h.service.Debit)
}

func (h *Handler) movement(c *gin.Context, op func(ctx context.Context, req MovementRequest) (*Transaction, error)) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	req.UserID = c.Param("userId")

	t, err := op(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// ToggleEscrow handles PATCH /v1/wallets/:userId/escrow
func (h *Handler) ToggleEscrow(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	w, err := h.service.ToggleEscrow(c.Request.Context(), c.Param("userId"), *req.Enabled)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// UpdateEscrowThreshold handles PATCH /v1/wallets/:userId/escrow-threshold
func (h *Handler) UpdateEscrowThreshold(c *gin.Context) {
	var req struct {
		Threshold *int64 `json:"threshold" binding:"required,gte=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	w, err := h.service.UpdateEscrowThreshold(c.Request.Context(), c.Param("userId"), *req.Threshold)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// UpdateStatus handles PATCH /v1/wallets/:userId/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status" binding:"required,oneof=active frozen closed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	w, err := h.service.UpdateWalletStatus(c.Request.Context(), c.Param("userId"), req.Status)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Reconcile handles GET /v1/wallets/:userId/reconciliation
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.service.Reconcile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}

type createTransactionRequest struct {
	WalletID string `json:"walletId" binding:"required"`
	TransactionInput
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	t, err := h.service.CreateTransaction(c.Request.Context(), req.WalletID, req.TransactionInput)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// CompleteTransaction handles POST /v1/transactions/:id/complete
func (h *Handler) CompleteTransaction(c *gin.Context) {
	var req struct {
		Status TxnStatus `json:"status" binding:"required,oneof=COMPLETED FAILED"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.BadRequest(c, validation.FromBindError(err))
		return
	}
	t, err := h.service.CompleteTransaction(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// StatusFor maps a ledger error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected), errors.Is(err, ErrSecurityRejected):
		return http.StatusForbidden, "security_rejected"
	case errors.Is(err, ErrWalletNotFound):
		return http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference"
	case errors.Is(err, ErrWalletExists):
		return http.StatusConflict, "wallet_exists"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrWalletInactive):
		return http.StatusConflict, "wallet_inactive"
	case errors.Is(err, ErrCurrencyMismatch):
		return http.StatusBadRequest, "currency_mismatch"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTransaction), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, gateway.ErrUnknownGateway):
		return http.StatusBadRequest, "unknown_gateway"
	}
	return http.StatusInternalServerError, "internal_error"
}

// RespondError writes err using StatusFor. Internal errors are logged and
// their message is not exposed.
func RespondError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal server error"})
		return
	}

	body := gin.H{"error": code, "message": err.Error()}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		body["reason"] = rejected.Reason
		body["riskScore"] = rejected.RiskScore
	}
	c.JSON(status, body)
}
