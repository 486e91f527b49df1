// Package settlement ties auctions to escrow: completing an auction
// marks the winning bid, opens an escrow and holds the buyer's funds in
// one operation. The operation is idempotent under retry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mezatlabs/settlement/internal/auction"
	"github.com/mezatlabs/settlement/internal/escrow"
	"github.com/mezatlabs/settlement/internal/metrics"
	"github.com/mezatlabs/settlement/internal/money"
	"github.com/mezatlabs/settlement/internal/syncutil"
	"github.com/mezatlabs/settlement/internal/traces"
)

// ErrBelowReserve means the auction cannot settle because the highest
// bid does not meet the seller's reserve price.
var ErrBelowReserve = errors.New("highest bid is below the reserve price")

// Result is the outcome of completing an auction.
type Result struct {
	Auction *auction.Auction `json:"auction"`
	Escrow  *escrow.Escrow   `json:"escrow"`
}

// Service coordinates auction completion with escrow funding.
type Service struct {
	auctions *auction.Service
	escrows  *escrow.Service
	logger   *slog.Logger
	locks    syncutil.ContextShardedMutex // per-auction locks to serialize completion
}

// NewService creates a new settlement service.
func NewService(auctions *auction.Service, escrows *escrow.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		auctions: auctions,
		escrows:  escrows,
		logger:   logger,
	}
}

// CompleteAuction settles an active auction: the highest active bid wins,
// the auction is marked COMPLETED and an escrow is opened for the winning
// amount with the buyer's funds held. commissionRate overrides the escrow
// service's default for this sale; empty means the default.
//
// Retrying after a partial failure is safe: if the auction is already
// COMPLETED and its escrow exists, that escrow is returned. If escrow
// funding fails the auction is reactivated so the caller can retry later.
func (s *Service) CompleteAuction(ctx context.Context, auctionID, commissionRate string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CompleteAuction", traces.AuctionID(auctionID))
	defer span.End()

	if commissionRate != "" {
		if _, ok := money.ParseRate(commissionRate); !ok {
			return nil, escrow.ErrInvalidRate
		}
	}

	unlock, err := s.locks.LockContext(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.auctions.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	if a.Status == auction.StatusCompleted {
		// Retry path: the auction already settled. Return the escrow
		// if one exists; without one the completion came from elsewhere
		// and there is nothing to resume.
		esc, err := s.escrows.GetByAuction(ctx, auctionID)
		if err != nil {
			if errors.Is(err, escrow.ErrEscrowNotFound) {
				return nil, auction.ErrNotActive
			}
			return nil, err
		}
		return &Result{Auction: a, Escrow: esc}, nil
	}
	if a.Status != auction.StatusActive {
		return nil, auction.ErrNotActive
	}

	winning, err := s.auctions.HighestActiveBid(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.ReservePrice != "" && money.Cmp(winning.Amount, a.ReservePrice) < 0 {
		return nil, ErrBelowReserve
	}

	a, err = s.auctions.MarkCompleted(ctx, auctionID, winning.ID)
	if err != nil {
		return nil, err
	}

	esc, err := s.escrows.Create(ctx, escrow.CreateRequest{
		AuctionID:      auctionID,
		WinningBidID:   winning.ID,
		BuyerUserID:    winning.BidderUserID,
		SellerUserID:   a.SellerUserID,
		Amount:         winning.Amount,
		CommissionRate: commissionRate,
		Notes:          fmt.Sprintf("auction %s won by bid %s", auctionID, winning.ID),
	})
	if err != nil {
		if errors.Is(err, escrow.ErrAlreadyExists) {
			// A previous attempt got this far. Pick up its escrow.
			existing, getErr := s.escrows.GetByAuction(ctx, auctionID)
			if getErr != nil {
				return nil, getErr
			}
			return &Result{Auction: a, Escrow: existing}, nil
		}

		// Funding failed. Unwind the completion so the auction can be
		// settled again once the buyer's wallet allows it.
		if _, reErr := s.auctions.Reactivate(ctx, auctionID); reErr != nil {
			s.logger.Error("failed to reactivate auction after escrow failure",
				"auction_id", auctionID, "error", reErr)
		}
		return nil, err
	}

	metrics.AuctionsCompletedTotal.Inc()
	s.logger.Info("auction settled",
		"auction_id", auctionID,
		"escrow_id", esc.ID,
		"winning_bid", winning.ID,
		"amount", winning.Amount)

	return &Result{Auction: a, Escrow: esc}, nil
}
