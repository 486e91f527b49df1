package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/mezatlabs/settlement/internal/idgen"
	"github.com/mezatlabs/settlement/internal/money"
	"github.com/mezatlabs/settlement/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet // wallet ID -> wallet
	byUser  map[string]string  // user ID -> wallet ID
	txns    []*Transaction     // append-only, oldest first
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byUser:  make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) getOrCreateLocked(userID string) *Wallet {
	if id, ok := m.byUser[userID]; ok {
		return m.wallets[id]
	}
	now := time.Now()
	w := &Wallet{
		ID:             idgen.WithPrefix("wal_"),
		UserID:         userID,
		Balance:        "0.00",
		HoldBalance:    "0.00",
		TotalDeposited: "0.00",
		TotalWithdrawn: "0.00",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.wallets[w.ID] = w
	m.byUser[userID] = w.ID
	return w
}

func (m *MemoryStore) recordLocked(w *Wallet, txType TxType, amount, previous, reference, description string) *Transaction {
	now := time.Now()
	txn := &Transaction{
		ID:              idgen.WithPrefix("txn_"),
		WalletID:        w.ID,
		Type:            txType,
		Status:          TxCompleted,
		Amount:          amount,
		PreviousBalance: previous,
		CurrentBalance:  w.Balance,
		Reference:       reference,
		Description:     description,
		CreatedAt:       now,
		CompletedAt:     &now,
	}
	m.txns = append(m.txns, txn)
	return txn
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.getOrCreateLocked(userID)
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.wallets[walletID]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, ErrWalletNotFound
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byUser[userID]; ok {
		cp := *m.wallets[id]
		return &cp, nil
	}
	return nil, ErrWalletNotFound
}

func (m *MemoryStore) Deposit(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreateLocked(userID)
	if w.Locked {
		return nil, ErrWalletLocked
	}

	previous := w.Balance
	w.Balance = money.Add(w.Balance, amount)
	w.TotalDeposited = money.Add(w.TotalDeposited, amount)
	w.UpdatedAt = time.Now()

	return m.recordLocked(w, TypeDeposit, amount, previous, reference, description), nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, userID, amount, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w := m.wallets[id]
	if w.Locked {
		return nil, ErrWalletLocked
	}
	if money.Cmp(w.Balance, amount) < 0 {
		return nil, &InsufficientFundsError{Required: amount, Available: w.Balance}
	}

	previous := w.Balance
	w.Balance = money.Sub(w.Balance, amount)
	w.TotalWithdrawn = money.Add(w.TotalWithdrawn, amount)
	w.UpdatedAt = time.Now()

	return m.recordLocked(w, TypeWithdrawal, amount, previous, "", description), nil
}

func (m *MemoryStore) Adjust(ctx context.Context, userID, amount, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreateLocked(userID)

	next := money.Add(w.Balance, amount)
	if money.Cmp(next, "0") < 0 {
		return nil, &InsufficientFundsError{Required: amount, Available: w.Balance}
	}

	previous := w.Balance
	w.Balance = next
	w.UpdatedAt = time.Now()

	return m.recordLocked(w, TypeAdjustment, amount, previous, "", description), nil
}

func (m *MemoryStore) HoldFunds(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w := m.wallets[id]
	if w.Locked {
		return nil, ErrWalletLocked
	}
	if money.Cmp(w.Balance, amount) < 0 {
		return nil, &InsufficientFundsError{Required: amount, Available: w.Balance}
	}

	previous := w.Balance
	w.Balance = money.Sub(w.Balance, amount)
	w.HoldBalance = money.Add(w.HoldBalance, amount)
	w.UpdatedAt = time.Now()

	return m.recordLocked(w, TypeEscrowHold, amount, previous, reference, description), nil
}

func (m *MemoryStore) SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyerID, ok := m.byUser[buyerUserID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	buyer := m.wallets[buyerID]
	if money.Cmp(buyer.HoldBalance, holdAmount) < 0 {
		return nil, &InsufficientFundsError{Required: holdAmount, Available: buyer.HoldBalance}
	}

	// Clear the buyer's hold. The spendable balance is unchanged, so the
	// buyer gets no ledger entry here; the buyer's ESCROW_HOLD entry
	// already accounts for the debit.
	buyer.HoldBalance = money.Sub(buyer.HoldBalance, holdAmount)
	buyer.UpdatedAt = time.Now()

	// Credit the seller, creating the wallet on first earnings.
	seller := m.getOrCreateLocked(sellerUserID)
	previous := seller.Balance
	seller.Balance = money.Add(seller.Balance, sellerAmount)
	seller.UpdatedAt = time.Now()

	return m.recordLocked(seller, TypeEarnings, sellerAmount, previous, reference, description), nil
}

func (m *MemoryStore) RefundHold(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w := m.wallets[id]
	if money.Cmp(w.HoldBalance, amount) < 0 {
		return nil, &InsufficientFundsError{Required: amount, Available: w.HoldBalance}
	}

	previous := w.Balance
	w.HoldBalance = money.Sub(w.HoldBalance, amount)
	w.Balance = money.Add(w.Balance, amount)
	w.UpdatedAt = time.Now()

	return m.recordLocked(w, TypeRefund, amount, previous, reference, description), nil
}

func (m *MemoryStore) History(ctx context.Context, walletID, cursor string, limit int) ([]*Transaction, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.wallets[walletID]; !ok {
		return nil, "", ErrWalletNotFound
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	var page []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(page) <= limit; i-- {
		txn := m.txns[i]
		if txn.WalletID != walletID {
			continue
		}
		if cur != nil {
			if txn.CreatedAt.After(cur.CreatedAt) {
				continue
			}
			if txn.CreatedAt.Equal(cur.CreatedAt) && txn.ID >= cur.ID {
				continue
			}
		}
		cp := *txn
		page = append(page, &cp)
	}

	page, next, _ := pagination.ComputePage(page, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

func (m *MemoryStore) SetLock(ctx context.Context, userID string, locked bool, reason string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreateLocked(userID)
	w.Locked = locked
	if locked {
		w.LockReason = reason
	} else {
		w.LockReason = ""
	}
	w.UpdatedAt = time.Now()
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	return ids, nil
}
