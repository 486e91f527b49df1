// Package wallet tracks user balances and the transaction ledger.
//
// Flow:
//  1. User deposits funds → balance credited, DEPOSIT transaction recorded
//  2. Auction settlement holds the winning bid → balance → holdBalance
//  3. Escrow release pays the seller → buyer holdBalance cleared, seller
//     credited with an EARNINGS transaction
//  4. Escrow refund returns the hold → holdBalance → balance
//
// Every balance mutation writes a ledger transaction carrying the balance
// before and after the change, in the same atomic step as the mutation.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mezatlabs/settlement/internal/money"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrWalletLocked      = errors.New("wallet is locked")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// InsufficientFundsError reports how much was needed versus available.
// errors.Is(err, ErrInsufficientFunds) matches it.
type InsufficientFundsError struct {
	Required  string
	Available string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// TxType classifies a ledger transaction.
type TxType string

const (
	TypeDeposit    TxType = "DEPOSIT"
	TypeWithdrawal TxType = "WITHDRAWAL"
	TypeEscrowHold TxType = "ESCROW_HOLD"
	TypeEarnings   TxType = "EARNINGS"
	TypeRefund     TxType = "REFUND"
	TypeAdjustment TxType = "ADJUSTMENT"
)

// TxStatus is the lifecycle state of a ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
	TxCancelled TxStatus = "CANCELLED"
)

// Wallet holds a user's spendable balance and the portion held for escrow.
// TotalDeposited and TotalWithdrawn are monotonic lifetime counters; they
// only ever grow, independent of the current balance.
type Wallet struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Balance        string    `json:"balance"`
	HoldBalance    string    `json:"holdBalance"`
	TotalDeposited string    `json:"totalDeposited"`
	TotalWithdrawn string    `json:"totalWithdrawn"`
	Locked         bool      `json:"locked"`
	LockReason     string    `json:"lockReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. PreviousBalance and
// CurrentBalance snapshot the wallet's spendable balance around the
// mutation that produced this entry.
type Transaction struct {
	ID              string     `json:"id"`
	WalletID        string     `json:"walletId"`
	Type            TxType     `json:"type"`
	Status          TxStatus   `json:"status"`
	Amount          string     `json:"amount"`
	PreviousBalance string     `json:"previousBalance"`
	CurrentBalance  string     `json:"currentBalance"`
	Reference       string     `json:"reference,omitempty"` // escrow ID, payment method, etc.
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Store persists wallets and their ledger. Implementations must apply
// each balance mutation and its ledger entry atomically, and serialize
// mutations per wallet.
type Store interface {
	GetOrCreate(ctx context.Context, userID string) (*Wallet, error)
	Get(ctx context.Context, walletID string) (*Wallet, error)
	GetByUser(ctx context.Context, userID string) (*Wallet, error)

	Deposit(ctx context.Context, userID, amount, reference, description string) (*Transaction, error)
	Withdraw(ctx context.Context, userID, amount, description string) (*Transaction, error)
	Adjust(ctx context.Context, userID, amount, description string) (*Transaction, error)

	// HoldFunds moves amount from balance to holdBalance on the user's wallet.
	HoldFunds(ctx context.Context, userID, amount, reference, description string) (*Transaction, error)
	// SettleHold clears holdAmount from the buyer's holdBalance and credits
	// sellerAmount to the seller's wallet (created if absent). The returned
	// transaction is the seller's EARNINGS entry.
	SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference, description string) (*Transaction, error)
	// RefundHold moves amount from holdBalance back to balance.
	RefundHold(ctx context.Context, userID, amount, reference, description string) (*Transaction, error)

	History(ctx context.Context, walletID, cursor string, limit int) ([]*Transaction, string, error)
	SetLock(ctx context.Context, userID string, locked bool, reason string) (*Wallet, error)
	ListWalletIDs(ctx context.Context) ([]string, error)
}

// Service implements wallet business logic on top of a Store.
type Service struct {
	store Store
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetWallet returns the user's wallet, creating it on first access.
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetOrCreate(ctx, userID)
}

// GetWalletByID returns a wallet by wallet ID.
func (s *Service) GetWalletByID(ctx context.Context, walletID string) (*Wallet, error) {
	return s.store.Get(ctx, walletID)
}

// Deposit credits the user's spendable balance. reference is an opaque
// payment method or gateway id carried on the ledger entry.
func (s *Service) Deposit(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	if description == "" {
		description = "deposit"
	}
	return s.store.Deposit(ctx, userID, amount, reference, description)
}

// Withdraw debits the user's spendable balance. Held funds are not
// withdrawable.
func (s *Service) Withdraw(ctx context.Context, userID, amount, description string) (*Transaction, error) {
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	if description == "" {
		description = "withdrawal"
	}
	return s.store.Withdraw(ctx, userID, amount, description)
}

// Adjust applies a signed operator correction to the spendable balance.
// Negative adjustments cannot overdraw the wallet.
func (s *Service) Adjust(ctx context.Context, userID, amount, description string) (*Transaction, error) {
	v, ok := money.ParseSigned(amount)
	if !ok || v.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	if description == "" {
		description = "manual adjustment"
	}
	return s.store.Adjust(ctx, userID, amount, description)
}

// HoldFunds reserves amount on the user's wallet for an escrow.
func (s *Service) HoldFunds(ctx context.Context, userID, amount, reference string) (*Transaction, error) {
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	return s.store.HoldFunds(ctx, userID, amount, reference, "escrow hold")
}

// SettleHold pays a seller from a buyer's held funds. sellerAmount is the
// hold minus commission; the difference stays with the platform.
func (s *Service) SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference string) (*Transaction, error) {
	if !money.IsPositive(holdAmount) {
		return nil, ErrInvalidAmount
	}
	if _, ok := money.Parse(sellerAmount); !ok {
		return nil, ErrInvalidAmount
	}
	if money.Cmp(sellerAmount, holdAmount) > 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.SettleHold(ctx, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference, "auction earnings")
}

// RefundHold returns held funds to the user's spendable balance.
func (s *Service) RefundHold(ctx context.Context, userID, amount, reference string) (*Transaction, error) {
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	return s.store.RefundHold(ctx, userID, amount, reference, "escrow refund")
}

// History returns the wallet's ledger, newest first, with an opaque
// cursor for the next page.
func (s *Service) History(ctx context.Context, walletID, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.History(ctx, walletID, cursor, limit)
}

// SetLock sets or clears the admin lock on a user's wallet. A locked
// wallet rejects user-initiated movements; escrow settlement of already
// held funds still proceeds.
// The reason is recorded while the lock is on and cleared with it.
func (s *Service) SetLock(ctx context.Context, userID string, locked bool, reason string) (*Wallet, error) {
	return s.store.SetLock(ctx, userID, locked, reason)
}

// ListWalletIDs returns all wallet IDs, for reconciliation sweeps.
func (s *Service) ListWalletIDs(ctx context.Context) ([]string, error) {
	return s.store.ListWalletIDs(ctx)
}
