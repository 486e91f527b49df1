package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mezatlabs/settlement/internal/pagination"
	"github.com/mezatlabs/settlement/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/wallet", h.GetWallet)
	r.POST("/users/:id/wallet/deposit", h.Deposit)
	r.POST("/users/:id/wallet/withdraw", h.Withdraw)
	r.GET("/wallets/:id/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up operator-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/wallet/lock", h.SetLock)
	r.POST("/users/:id/wallet/adjust", h.Adjust)
}

// AmountRequest is the body for deposit, withdraw, and adjust.
// ReferenceID is only meaningful for deposits (payment method id).
type AmountRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
	ReferenceID string `json:"referenceId"`
}

// LockRequest is the body for the admin lock endpoint.
type LockRequest struct {
	Locked *bool  `json:"locked" binding:"required"`
	Reason string `json:"reason"`
}

// GetWallet handles GET /v1/users/:id/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.Param("id")

	w, err := h.service.GetWallet(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Deposit handles POST /v1/users/:id/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	userID := c.Param("id")

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, validation.MaxNotesLength),
		validation.MaxLength("referenceId", req.ReferenceID, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.Deposit(c.Request.Context(), userID, req.Amount, req.ReferenceID, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// Withdraw handles POST /v1/users/:id/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	userID := c.Param("id")

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.Withdraw(c.Request.Context(), userID, req.Amount, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// Adjust handles POST /v1/users/:id/wallet/adjust
func (h *Handler) Adjust(c *gin.Context) {
	userID := c.Param("id")

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.Adjust(c.Request.Context(), userID, req.Amount, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// SetLock handles POST /v1/users/:id/wallet/lock
func (h *Handler) SetLock(c *gin.Context) {
	userID := c.Param("id")

	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Locked == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "locked is required",
		})
		return
	}

	w, err := h.service.SetLock(c.Request.Context(), userID, *req.Locked, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallets/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	walletID := c.Param("id")
	cursor := c.Query("cursor")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	txns, next, err := h.service.History(c.Request.Context(), walletID, cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"transactions": txns,
		"count":        len(txns),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps wallet errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrWalletNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, pagination.ErrInvalidCursor):
		status = http.StatusBadRequest
		code = "invalid_cursor"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
		code = "insufficient_funds"
	case errors.Is(err, ErrWalletLocked):
		status = http.StatusLocked
		code = "wallet_locked"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
