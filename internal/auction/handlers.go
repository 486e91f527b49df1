package auction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mezatlabs/settlement/internal/validation"
)

// Handler provides HTTP endpoints for auction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new auction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up auction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auctions", h.CreateAuction)
	r.GET("/auctions/:id", h.GetAuction)
	r.POST("/auctions/:id/bids", h.PlaceBid)
	r.GET("/auctions/:id/bids", h.ListBids)
}

// CreateAuction handles POST /v1/auctions
func (h *Handler) CreateAuction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.ValidAmount("start_price", req.StartPrice),
		validation.MaxLength("title", req.Title, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	a, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeAuctionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"auction": a})
}

// GetAuction handles GET /v1/auctions/:id
func (h *Handler) GetAuction(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAuctionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction": a})
}

// PlaceBid handles POST /v1/auctions/:id/bids
func (h *Handler) PlaceBid(c *gin.Context) {
	var req BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	b, err := h.service.PlaceBid(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeAuctionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bid": b})
}

// ListBids handles GET /v1/auctions/:id/bids
func (h *Handler) ListBids(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	bids, err := h.service.ListBids(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeAuctionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bids":  bids,
		"count": len(bids),
	})
}

// writeAuctionError maps auction errors to HTTP responses.
func writeAuctionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrAuctionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotActive):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrBidTooLow), errors.Is(err, ErrSelfBid), errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
