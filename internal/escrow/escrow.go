// Package escrow implements the settlement state machine for auction sales.
//
// Flow:
//  1. Auction completes → escrow created, winning bid held on the buyer's
//     wallet (PENDING → HELD)
//  2. Sale goes through → funds released: seller credited with the bid
//     minus commission (HELD → RELEASED)
//  3. Sale falls through → buyer refunded in full (HELD → REFUNDED)
//  4. Buyer or seller raises a dispute → funds stay held until an operator
//     releases or refunds (HELD → DISPUTED → RELEASED|REFUNDED)
//  5. Hold period passes with no action → auto-released to the seller
//
// Commission is computed once, at creation, rounded half-up to 2 decimals;
// the seller share is derived by subtraction at release so the parts always
// sum to the held amount. Refunds return the full held amount; no
// commission is taken.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mezatlabs/settlement/internal/idgen"
	"github.com/mezatlabs/settlement/internal/metrics"
	"github.com/mezatlabs/settlement/internal/money"
	"github.com/mezatlabs/settlement/internal/syncutil"
	"github.com/mezatlabs/settlement/internal/traces"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrAlreadyExists  = errors.New("escrow already exists for this auction")
	ErrInvalidStatus  = errors.New("invalid escrow status for this operation")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidRate    = errors.New("invalid commission rate")
	ErrSameParty      = errors.New("buyer and seller cannot be the same user")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "PENDING"   // Created, funds not yet held
	StatusHeld      Status = "HELD"      // Funds held on the buyer's wallet
	StatusReleased  Status = "RELEASED"  // Seller paid, commission retained
	StatusRefunded  Status = "REFUNDED"  // Buyer refunded in full
	StatusDisputed  Status = "DISPUTED"  // Frozen pending operator resolution
	StatusCancelled Status = "CANCELLED" // Abandoned before funds were held
)

// DefaultHoldPeriod is the time before a held escrow auto-releases.
const DefaultHoldPeriod = 30 * 24 * time.Hour

// Escrow represents the settlement record for one auction sale.
type Escrow struct {
	ID             string `json:"id"`
	AuctionID      string `json:"auctionId"`
	WinningBidID   string `json:"winningBidId,omitempty"`
	BuyerUserID    string `json:"buyerUserId"`
	SellerUserID   string `json:"sellerUserId"`
	Amount         string `json:"amount"`
	CommissionRate string `json:"commissionRate"`

	// CommissionAmount is fixed at creation; SellerAmount is set at
	// release as amount minus commission.
	CommissionAmount string `json:"commissionAmount,omitempty"`
	SellerAmount     string `json:"sellerAmount,omitempty"`

	Status Status `json:"status"`

	HoldTransactionID    string `json:"holdTransactionId,omitempty"`
	ReleaseTransactionID string `json:"releaseTransactionId,omitempty"`
	RefundTransactionID  string `json:"refundTransactionId,omitempty"`

	AutoReleaseAt time.Time  `json:"autoReleaseAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state. A disputed
// escrow is frozen, not final: an operator still resolves it either way.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Store persists escrow records. Create must reject a second escrow for
// the same auction with ErrAlreadyExists; a cancelled escrow does not
// count, so an auction whose funding failed can be settled again.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByAuction(ctx context.Context, auctionID string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// WalletService abstracts wallet operations so escrow doesn't import wallet.
// Each method returns the ID of the ledger transaction it produced.
type WalletService interface {
	HoldFunds(ctx context.Context, userID, amount, reference string) (string, error)
	SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference string) (string, error)
	RefundHold(ctx context.Context, userID, amount, reference string) (string, error)
}

// Notifier publishes escrow lifecycle events (e.g. to WebSocket clients).
type Notifier interface {
	Publish(event string, payload any)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	AuctionID      string `json:"auctionId" binding:"required"`
	WinningBidID   string `json:"winningBidId"`
	BuyerUserID    string `json:"buyerUserId" binding:"required"`
	SellerUserID   string `json:"sellerUserId" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	CommissionRate string `json:"commissionRate"` // Defaults to the service rate
	Notes          string `json:"notes"`
}

// ReasonRequest carries the operator's reason for a manual transition.
type ReasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store       Store
	wallets     WalletService
	notifier    Notifier
	defaultRate string
	holdPeriod  time.Duration
	locks       syncutil.ShardedMutex // per-escrow locks to serialize state transitions
}

// NewService creates a new escrow service.
func NewService(store Store, wallets WalletService) *Service {
	return &Service{
		store:       store,
		wallets:     wallets,
		defaultRate: "0.05",
		holdPeriod:  DefaultHoldPeriod,
	}
}

// WithDefaultRate overrides the default commission rate.
func (s *Service) WithDefaultRate(rate string) *Service {
	if _, ok := money.ParseRate(rate); ok {
		s.defaultRate = rate
	}
	return s
}

// WithHoldPeriod overrides the auto-release hold period.
func (s *Service) WithHoldPeriod(d time.Duration) *Service {
	if d > 0 {
		s.holdPeriod = d
	}
	return s
}

// WithNotifier adds an event publisher for escrow transitions.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) publish(event string, e *Escrow) {
	if s.notifier != nil {
		s.notifier.Publish(event, e)
	}
}

// Create creates an escrow for an auction and holds the buyer's funds.
// At most one escrow can exist per auction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.AuctionID(req.AuctionID), traces.Amount(req.Amount))
	defer span.End()

	if req.BuyerUserID == req.SellerUserID {
		return nil, ErrSameParty
	}
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	rate := req.CommissionRate
	if rate == "" {
		rate = s.defaultRate
	}
	parsedRate, ok := money.ParseRate(rate)
	if !ok {
		return nil, ErrInvalidRate
	}
	amount, _ := money.Parse(req.Amount)

	now := time.Now()
	e := &Escrow{
		ID:               idgen.WithPrefix("esc_"),
		AuctionID:        req.AuctionID,
		WinningBidID:     req.WinningBidID,
		BuyerUserID:      req.BuyerUserID,
		SellerUserID:     req.SellerUserID,
		Amount:           req.Amount,
		CommissionRate:   rate,
		CommissionAmount: money.Format(money.ApplyRate(amount, parsedRate)),
		Status:           StatusPending,
		Notes:            req.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Persist first: the per-auction uniqueness constraint closes the
	// window where two settlements could both hold funds.
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	holdTxnID, err := s.wallets.HoldFunds(ctx, e.BuyerUserID, e.Amount, e.ID)
	if err != nil {
		// No funds moved; retire the record so the auction can be retried.
		e.Status = StatusCancelled
		e.Notes = "hold failed: " + err.Error()
		e.UpdatedAt = time.Now()
		_ = s.store.Update(ctx, e)
		return nil, fmt.Errorf("failed to hold funds: %w", err)
	}

	e.Status = StatusHeld
	e.HoldTransactionID = holdTxnID
	e.AutoReleaseAt = now.Add(s.holdPeriod)
	e.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, e); err != nil {
		// Funds are held but the record is stale; give the money back.
		_, refundErr := s.wallets.RefundHold(ctx, e.BuyerUserID, e.Amount, e.ID)
		if refundErr != nil {
			return nil, fmt.Errorf("failed to persist hold and refund failed (requires manual resolution): %w", refundErr)
		}
		return nil, fmt.Errorf("failed to persist hold: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.publish("escrow.held", e)
	return e, nil
}

// Release pays the seller from the held funds, retaining commission.
// Valid from HELD or DISPUTED (operator resolution). notes, when present,
// records why the operator released.
func (s *Service) Release(ctx context.Context, id, notes string) (*Escrow, error) {
	return s.release(ctx, id, notes, false)
}

func (s *Service) release(ctx context.Context, id, notes string, auto bool) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusHeld && e.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	// The sweep never touches disputed escrows.
	if auto && e.Status == StatusDisputed {
		return nil, ErrInvalidStatus
	}

	// The commission was fixed at creation; the seller share is the
	// complement, so no second rounding happens here.
	amount, _ := money.Parse(e.Amount)
	commission, _ := money.Parse(e.CommissionAmount)
	sellerShare := money.Format(new(big.Int).Sub(amount, commission))

	releaseTxnID, err := s.wallets.SettleHold(ctx, e.BuyerUserID, e.SellerUserID, e.Amount, sellerShare, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now()
	e.Status = StatusReleased
	e.SellerAmount = sellerShare
	e.ReleaseTransactionID = releaseTxnID
	e.CompletedAt = &now
	if notes != "" {
		e.Notes = notes
	}
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		// Funds already moved to the seller; persisting the terminal state
		// is the only safe path forward.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			return nil, fmt.Errorf("escrow %s released but status update failed (requires manual resolution): %w", e.ID, retryErr)
		}
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.ObserveCommission(e.CommissionAmount)
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	if auto {
		metrics.EscrowAutoReleasedTotal.Inc()
	}
	s.publish("escrow.released", e)
	return e, nil
}

// Refund returns the full held amount to the buyer. No commission is
// taken. Valid from HELD or DISPUTED (operator resolution).
func (s *Service) Refund(ctx context.Context, id, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusHeld && e.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	refundTxnID, err := s.wallets.RefundHold(ctx, e.BuyerUserID, e.Amount, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	now := time.Now()
	e.Status = StatusRefunded
	e.RefundTransactionID = refundTxnID
	e.CompletedAt = &now
	if reason != "" {
		e.Notes = reason
	}
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			return nil, fmt.Errorf("escrow %s refunded but status update failed (requires manual resolution): %w", e.ID, retryErr)
		}
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.publish("escrow.refunded", e)
	return e, nil
}

// Dispute freezes a held escrow. Funds stay held and the auto-release
// clock stops until an operator releases or refunds.
func (s *Service) Dispute(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusHeld {
		return nil, ErrInvalidStatus
	}

	e.Status = StatusDisputed
	e.Notes = reason
	e.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.publish("escrow.disputed", e)
	return e, nil
}

// Cancel retires an escrow whose funds were never held. Valid from
// PENDING only; held escrows must be released or refunded instead.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	e.Status = StatusCancelled
	e.CompletedAt = &now
	if reason != "" {
		e.Notes = reason
	}
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.publish("escrow.cancelled", e)
	return e, nil
}

// SweepAutoReleases releases held escrows whose hold period has passed.
// Returns the number released. Disputed escrows are never swept.
func (s *Service) SweepAutoReleases(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.store.ListAutoReleasable(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, e := range due {
		if _, err := s.release(ctx, e.ID, "", true); err != nil {
			// Raced with a manual transition, or a wallet failure; the
			// next sweep retries anything still held.
			continue
		}
		released++
	}
	return released, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByAuction returns the escrow for an auction.
func (s *Service) GetByAuction(ctx context.Context, auctionID string) (*Escrow, error) {
	return s.store.GetByAuction(ctx, auctionID)
}

// ListByUser returns escrows involving a user as buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
