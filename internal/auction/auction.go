// Package auction holds the minimal auction and bid records the
// settlement engine needs: enough to know who won, for how much, and
// whether the reserve was met.
package auction

import (
	"context"
	"errors"
	"time"

	"github.com/mezatlabs/settlement/internal/idgen"
	"github.com/mezatlabs/settlement/internal/money"
)

var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrNotActive       = errors.New("auction is not active")
	ErrBidTooLow       = errors.New("bid must exceed the current highest bid")
	ErrSelfBid         = errors.New("seller cannot bid on their own auction")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrNoBids          = errors.New("auction has no active bids")
)

// Status represents an auction's lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// BidStatus represents a bid's state.
type BidStatus string

const (
	BidActive    BidStatus = "ACTIVE"
	BidCancelled BidStatus = "CANCELLED"
)

// Auction is a sale listing.
type Auction struct {
	ID           string    `json:"id"`
	SellerUserID string    `json:"sellerUserId"`
	Title        string    `json:"title"`
	StartPrice   string    `json:"startPrice"`
	ReservePrice string    `json:"reservePrice,omitempty"` // empty means no reserve
	Status       Status    `json:"status"`
	WinningBidID string    `json:"winningBidId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Bid is an offer on an auction.
type Bid struct {
	ID           string    `json:"id"`
	AuctionID    string    `json:"auctionId"`
	BidderUserID string    `json:"bidderUserId"`
	Amount       string    `json:"amount"`
	Status       BidStatus `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists auctions and bids.
type Store interface {
	Create(ctx context.Context, a *Auction) error
	Get(ctx context.Context, id string) (*Auction, error)
	Update(ctx context.Context, a *Auction) error
	PlaceBid(ctx context.Context, b *Bid) error
	HighestActiveBid(ctx context.Context, auctionID string) (*Bid, error)
	ListBids(ctx context.Context, auctionID string, limit int) ([]*Bid, error)
}

// CreateRequest contains the parameters for listing an auction.
type CreateRequest struct {
	SellerUserID string `json:"sellerUserId" binding:"required"`
	Title        string `json:"title" binding:"required"`
	StartPrice   string `json:"startPrice" binding:"required"`
	ReservePrice string `json:"reservePrice"`
}

// BidRequest contains the parameters for placing a bid.
type BidRequest struct {
	BidderUserID string `json:"bidderUserId" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
}

// Service implements auction business logic.
type Service struct {
	store Store
}

// NewService creates a new auction service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create lists a new auction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Auction, error) {
	if !money.IsPositive(req.StartPrice) {
		return nil, ErrInvalidAmount
	}
	if req.ReservePrice != "" {
		if _, ok := money.Parse(req.ReservePrice); !ok {
			return nil, ErrInvalidAmount
		}
	}

	now := time.Now()
	a := &Auction{
		ID:           idgen.WithPrefix("auc_"),
		SellerUserID: req.SellerUserID,
		Title:        req.Title,
		StartPrice:   req.StartPrice,
		ReservePrice: req.ReservePrice,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns an auction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Auction, error) {
	return s.store.Get(ctx, id)
}

// PlaceBid records a bid. Bids must meet the start price and beat the
// current highest active bid.
func (s *Service) PlaceBid(ctx context.Context, auctionID string, req BidRequest) (*Bid, error) {
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	a, err := s.store.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusActive {
		return nil, ErrNotActive
	}
	if a.SellerUserID == req.BidderUserID {
		return nil, ErrSelfBid
	}
	if money.Cmp(req.Amount, a.StartPrice) < 0 {
		return nil, ErrBidTooLow
	}

	highest, err := s.store.HighestActiveBid(ctx, auctionID)
	if err != nil && !errors.Is(err, ErrNoBids) {
		return nil, err
	}
	if highest != nil && money.Cmp(req.Amount, highest.Amount) <= 0 {
		return nil, ErrBidTooLow
	}

	b := &Bid{
		ID:           idgen.WithPrefix("bid_"),
		AuctionID:    auctionID,
		BidderUserID: req.BidderUserID,
		Amount:       req.Amount,
		Status:       BidActive,
		CreatedAt:    time.Now(),
	}
	if err := s.store.PlaceBid(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// HighestActiveBid returns the leading bid for an auction.
func (s *Service) HighestActiveBid(ctx context.Context, auctionID string) (*Bid, error) {
	return s.store.HighestActiveBid(ctx, auctionID)
}

// ListBids returns an auction's bids, highest first.
func (s *Service) ListBids(ctx context.Context, auctionID string, limit int) ([]*Bid, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBids(ctx, auctionID, limit)
}

// MarkCompleted transitions an active auction to COMPLETED with the
// winning bid recorded.
func (s *Service) MarkCompleted(ctx context.Context, auctionID, winningBidID string) (*Auction, error) {
	a, err := s.store.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusActive {
		return nil, ErrNotActive
	}

	a.Status = StatusCompleted
	a.WinningBidID = winningBidID
	a.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Reactivate returns a completed auction to ACTIVE. Used to unwind a
// settlement whose escrow could not be funded.
func (s *Service) Reactivate(ctx context.Context, auctionID string) (*Auction, error) {
	a, err := s.store.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCompleted {
		return nil, ErrNotActive
	}

	a.Status = StatusActive
	a.WinningBidID = ""
	a.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}
