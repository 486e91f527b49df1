package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockWallets records wallet calls for verification.
type mockWallets struct {
	mu        sync.Mutex
	holds     map[string]string // escrow ID -> amount
	settles   map[string]string // escrow ID -> seller amount
	refunds   map[string]string // escrow ID -> amount
	holdErr   error
	settleErr error
	refundErr error
}

func newMockWallets() *mockWallets {
	return &mockWallets{
		holds:   make(map[string]string),
		settles: make(map[string]string),
		refunds: make(map[string]string),
	}
}

func (m *mockWallets) HoldFunds(ctx context.Context, userID, amount, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdErr != nil {
		return "", m.holdErr
	}
	m.holds[reference] = amount
	return "txn_hold_" + reference, nil
}

func (m *mockWallets) SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return "", m.settleErr
	}
	m.settles[reference] = sellerAmount
	return "txn_settle_" + reference, nil
}

func (m *mockWallets) RefundHold(ctx context.Context, userID, amount, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return "", m.refundErr
	}
	m.refunds[reference] = amount
	return "txn_refund_" + reference, nil
}

func newTestEscrow(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), CreateRequest{
		AuctionID:    "auction-1",
		BuyerUserID:  "buyer",
		SellerUserID: "seller",
		Amount:       "150.00",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func TestEscrow_CreateHoldsFunds(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets)
	e := newTestEscrow(t, svc)

	if e.Status != StatusHeld {
		t.Errorf("Expected status HELD, got %s", e.Status)
	}
	if e.HoldTransactionID != "txn_hold_"+e.ID {
		t.Errorf("Expected hold transaction ID, got %q", e.HoldTransactionID)
	}
	if e.CommissionRate != "0.05" {
		t.Errorf("Expected default rate 0.05, got %s", e.CommissionRate)
	}
	if got, ok := wallets.holds[e.ID]; !ok || got != "150.00" {
		t.Errorf("Expected hold of 150.00, got %q", got)
	}
	if e.AutoReleaseAt.Before(time.Now().Add(29 * 24 * time.Hour)) {
		t.Errorf("Expected auto-release roughly 30 days out, got %v", e.AutoReleaseAt)
	}
	if e.CommissionAmount != "7.50" {
		t.Errorf("Expected commission 7.50 fixed at creation, got %q", e.CommissionAmount)
	}
	if e.SellerAmount != "" {
		t.Errorf("Expected no seller amount before release, got %q", e.SellerAmount)
	}
}

func TestEscrow_CreateValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockWallets())
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{
		AuctionID: "a", BuyerUserID: "u", SellerUserID: "u", Amount: "10.00",
	}); !errors.Is(err, ErrSameParty) {
		t.Errorf("Expected ErrSameParty, got %v", err)
	}

	if _, err := svc.Create(ctx, CreateRequest{
		AuctionID: "a", BuyerUserID: "b", SellerUserID: "s", Amount: "-1.00",
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}

	if _, err := svc.Create(ctx, CreateRequest{
		AuctionID: "a", BuyerUserID: "b", SellerUserID: "s", Amount: "10.00", CommissionRate: "1.00",
	}); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("Expected ErrInvalidRate for rate of 1, got %v", err)
	}
}

func TestEscrow_CreateDuplicateAuction(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets)
	newTestEscrow(t, svc)

	_, err := svc.Create(context.Background(), CreateRequest{
		AuctionID:    "auction-1",
		BuyerUserID:  "other-buyer",
		SellerUserID: "seller",
		Amount:       "99.00",
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}
	// The duplicate must never reach the wallet
	if len(wallets.holds) != 1 {
		t.Errorf("Expected exactly 1 hold, got %d", len(wallets.holds))
	}
}

func TestEscrow_CreateHoldFailure(t *testing.T) {
	wallets := newMockWallets()
	wallets.holdErr = errors.New("insufficient funds")
	svc := NewService(NewMemoryStore(), wallets)

	_, err := svc.Create(context.Background(), CreateRequest{
		AuctionID:    "auction-1",
		BuyerUserID:  "buyer",
		SellerUserID: "seller",
		Amount:       "150.00",
	})
	if err == nil {
		t.Fatal("Expected error when hold fails")
	}

	// The record is retired so the settlement can be retried
	e, err := svc.GetByAuction(context.Background(), "auction-1")
	if err != nil {
		t.Fatalf("GetByAuction failed: %v", err)
	}
	if e.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED after hold failure, got %s", e.Status)
	}
}

func TestEscrow_ReleaseSplitsCommission(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets)
	e := newTestEscrow(t, svc)

	released, err := svc.Release(context.Background(), e.ID, "")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("Expected status RELEASED, got %s", released.Status)
	}
	// 150.00 at 5%: commission 7.50, seller 142.50
	if released.CommissionAmount != "7.50" {
		t.Errorf("Expected commission 7.50, got %s", released.CommissionAmount)
	}
	if released.SellerAmount != "142.50" {
		t.Errorf("Expected seller amount 142.50, got %s", released.SellerAmount)
	}
	if released.ReleaseTransactionID == "" {
		t.Error("Expected release transaction ID")
	}
	if released.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
	if got := wallets.settles[e.ID]; got != "142.50" {
		t.Errorf("Expected wallet settle of 142.50, got %q", got)
	}
}

func TestEscrow_ReleaseRoundsHalfUp(t *testing.T) {
	tests := []struct {
		amount     string
		rate       string
		commission string
		seller     string
	}{
		{"150.00", "0.05", "7.50", "142.50"},
		{"2.50", "0.05", "0.13", "2.37"},  // 0.125 rounds up
		{"2.49", "0.05", "0.12", "2.37"},  // 0.1245 rounds down
		{"0.01", "0.05", "0.00", "0.01"},  // 0.0005 rounds to zero
		{"99.99", "0.10", "10.00", "89.99"},
	}

	for _, tt := range tests {
		wallets := newMockWallets()
		svc := NewService(NewMemoryStore(), wallets)
		e, err := svc.Create(context.Background(), CreateRequest{
			AuctionID:      "auction-" + tt.amount + tt.rate,
			BuyerUserID:    "buyer",
			SellerUserID:   "seller",
			Amount:         tt.amount,
			CommissionRate: tt.rate,
		})
		if err != nil {
			t.Fatalf("Create(%s @ %s) failed: %v", tt.amount, tt.rate, err)
		}

		released, err := svc.Release(context.Background(), e.ID, "")
		if err != nil {
			t.Fatalf("Release(%s @ %s) failed: %v", tt.amount, tt.rate, err)
		}
		if released.CommissionAmount != tt.commission {
			t.Errorf("%s @ %s: commission = %s, want %s", tt.amount, tt.rate, released.CommissionAmount, tt.commission)
		}
		if released.SellerAmount != tt.seller {
			t.Errorf("%s @ %s: seller = %s, want %s", tt.amount, tt.rate, released.SellerAmount, tt.seller)
		}
	}
}

func TestEscrow_ReleaseOnlyOnce(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockWallets())
	e := newTestEscrow(t, svc)
	ctx := context.Background()

	if _, err := svc.Release(ctx, e.ID, ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := svc.Release(ctx, e.ID, ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on second release, got %v", err)
	}
	if _, err := svc.Refund(ctx, e.ID, "too late"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus refunding a released escrow, got %v", err)
	}
}

func TestEscrow_RefundIsFull(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets)
	e := newTestEscrow(t, svc)

	refunded, err := svc.Refund(context.Background(), e.ID, "item not delivered")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Errorf("Expected status REFUNDED, got %s", refunded.Status)
	}
	// Full amount back; no commission is taken on a refund
	if got := wallets.refunds[e.ID]; got != "150.00" {
		t.Errorf("Expected full refund of 150.00, got %q", got)
	}
	if refunded.SellerAmount != "" {
		t.Errorf("Expected no seller payout on refund, got %s", refunded.SellerAmount)
	}
	if refunded.RefundTransactionID == "" {
		t.Error("Expected refund transaction ID")
	}
	if refunded.Notes != "item not delivered" {
		t.Errorf("Expected refund reason in notes, got %q", refunded.Notes)
	}
}

func TestEscrow_DisputeFreezes(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets).WithHoldPeriod(time.Millisecond)
	e := newTestEscrow(t, svc)
	ctx := context.Background()

	disputed, err := svc.Dispute(ctx, e.ID, "buyer claims fake item")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("Expected status DISPUTED, got %s", disputed.Status)
	}
	// Funds stay held
	if len(wallets.settles) != 0 || len(wallets.refunds) != 0 {
		t.Error("Expected no fund movement on dispute")
	}

	// The sweep must not touch disputed escrows even past the deadline
	time.Sleep(5 * time.Millisecond)
	released, err := svc.SweepAutoReleases(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 0 {
		t.Errorf("Expected sweep to skip disputed escrow, released %d", released)
	}

	// Operator resolves the dispute with a release
	resolved, err := svc.Release(ctx, e.ID, "")
	if err != nil {
		t.Fatalf("Release from dispute failed: %v", err)
	}
	if resolved.Status != StatusReleased {
		t.Errorf("Expected status RELEASED, got %s", resolved.Status)
	}
}

func TestEscrow_DisputeRequiresHeld(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockWallets())
	e := newTestEscrow(t, svc)
	ctx := context.Background()

	svc.Refund(ctx, e.ID, "fell through")
	if _, err := svc.Dispute(ctx, e.ID, "too late"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus disputing refunded escrow, got %v", err)
	}
}

func TestEscrow_CancelOnlyPending(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockWallets())
	e := newTestEscrow(t, svc) // already HELD

	if _, err := svc.Cancel(context.Background(), e.ID, "operator cancel"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus cancelling held escrow, got %v", err)
	}
}

func TestEscrow_SweepAutoReleases(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets).WithHoldPeriod(time.Millisecond)
	e := newTestEscrow(t, svc)

	time.Sleep(5 * time.Millisecond)

	released, err := svc.SweepAutoReleases(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("Expected 1 auto-release, got %d", released)
	}

	swept, _ := svc.Get(context.Background(), e.ID)
	if swept.Status != StatusReleased {
		t.Errorf("Expected status RELEASED after sweep, got %s", swept.Status)
	}
	// Commission applies on auto-release just like manual release
	if swept.CommissionAmount != "7.50" {
		t.Errorf("Expected commission 7.50 on auto-release, got %s", swept.CommissionAmount)
	}
	if got := wallets.settles[e.ID]; got != "142.50" {
		t.Errorf("Expected settle of 142.50, got %q", got)
	}
}

func TestEscrow_SweepIsIdempotent(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets).WithHoldPeriod(time.Millisecond)
	e := newTestEscrow(t, svc)

	time.Sleep(5 * time.Millisecond)
	now := time.Now()

	released, err := svc.SweepAutoReleases(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("Expected 1 auto-release, got %d", released)
	}

	// A second pass over the same cutoff finds nothing left to do.
	released, err = svc.SweepAutoReleases(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if released != 0 {
		t.Errorf("Expected second sweep to release nothing, got %d", released)
	}
	if got := wallets.settles[e.ID]; got != "142.50" {
		t.Errorf("Expected funds settled exactly once (142.50), got %q", got)
	}
}

func TestEscrow_SweepIncludesExactDeadline(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets).WithHoldPeriod(time.Hour)
	e := newTestEscrow(t, svc)
	ctx := context.Background()

	// Just short of the deadline nothing moves.
	released, err := svc.SweepAutoReleases(ctx, e.AutoReleaseAt.Add(-time.Nanosecond), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 0 {
		t.Fatalf("Expected no release before the deadline, got %d", released)
	}

	// At the deadline itself the escrow is due.
	released, err = svc.SweepAutoReleases(ctx, e.AutoReleaseAt, 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 1 {
		t.Errorf("Expected release at the exact deadline, got %d", released)
	}
}

func TestEscrow_ReleaseRecordsNotes(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockWallets())
	e := newTestEscrow(t, svc)

	released, err := svc.Release(context.Background(), e.ID, "buyer confirmed delivery")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Notes != "buyer confirmed delivery" {
		t.Errorf("Expected release notes persisted, got %q", released.Notes)
	}
}

func TestEscrow_ConcurrentReleaseRefund(t *testing.T) {
	wallets := newMockWallets()
	svc := NewService(NewMemoryStore(), wallets)
	e := newTestEscrow(t, svc)
	ctx := context.Background()

	var wg sync.WaitGroup
	var releaseErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = svc.Release(ctx, e.ID, "")
	}()
	go func() {
		defer wg.Done()
		_, refundErr = svc.Refund(ctx, e.ID, "race")
	}()
	wg.Wait()

	// Exactly one of the two transitions wins
	if (releaseErr == nil) == (refundErr == nil) {
		t.Fatalf("Expected exactly one winner, release=%v refund=%v", releaseErr, refundErr)
	}
	if len(wallets.settles)+len(wallets.refunds) != 1 {
		t.Errorf("Expected exactly one fund movement, got %d settles and %d refunds",
			len(wallets.settles), len(wallets.refunds))
	}
}
