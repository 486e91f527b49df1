package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mezatlabs/settlement/internal/auction"
	"github.com/mezatlabs/settlement/internal/escrow"
	"github.com/mezatlabs/settlement/internal/wallet"
)

// Handler provides the HTTP endpoint for settling auctions.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auctions/:id/complete", h.CompleteAuction)
}

// CompleteAuction handles POST /v1/auctions/:id/complete
// The body is optional; commissionRate overrides the default for this sale.
func (h *Handler) CompleteAuction(c *gin.Context) {
	var req struct {
		CommissionRate string `json:"commissionRate"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.CompleteAuction(c.Request.Context(), c.Param("id"), req.CommissionRate)
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeSettlementError maps settlement errors to HTTP responses. The
// façade surfaces errors from the auction, escrow and wallet layers.
func writeSettlementError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrInvalidRate):
		status = http.StatusBadRequest
		code = "invalid_rate"
	case errors.Is(err, auction.ErrNotActive), errors.Is(err, escrow.ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, auction.ErrNoBids), errors.Is(err, ErrBelowReserve):
		status = http.StatusUnprocessableEntity
		code = "cannot_settle"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
		code = "insufficient_funds"
	case errors.Is(err, wallet.ErrWalletLocked):
		status = http.StatusLocked
		code = "wallet_locked"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
