package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mezatlabs/settlement/internal/validation"
	"github.com/mezatlabs/settlement/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/auctions/:id/escrow", h.GetByAuction)
	r.GET("/users/:id/escrows", h.ListEscrows)
}

// RegisterAdminRoutes sets up operator escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	// Not under /escrows: a static segment there would collide with :id.
	r.POST("/sweep", h.Sweep)
}

// CreateEscrow handles POST /v1/admin/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("auction_id", req.AuctionID),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("notes", req.Notes, validation.MaxNotesLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetByAuction handles GET /v1/auctions/:id/escrow
func (h *Handler) GetByAuction(c *gin.Context) {
	e, err := h.service.GetByAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ReleaseEscrow handles POST /v1/admin/escrows/:id/release
// The body is optional; notes, when given, are recorded on the escrow.
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Release(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /v1/admin/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DisputeEscrow handles POST /v1/admin/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	e, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CancelEscrow handles POST /v1/admin/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Sweep handles POST /v1/admin/escrows/sweep
func (h *Handler) Sweep(c *gin.Context) {
	released, err := h.service.SweepAutoReleases(c.Request.Context(), time.Now(), 100)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// writeEscrowError maps escrow and wallet errors to HTTP responses.
func writeEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, wallet.ErrWalletNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyExists):
		status = http.StatusConflict
		code = "already_exists"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRate), errors.Is(err, ErrSameParty):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
		code = "insufficient_funds"
	case errors.Is(err, wallet.ErrWalletLocked):
		status = http.StatusLocked
		code = "wallet_locked"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
