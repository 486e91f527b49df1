package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows   map[string]*Escrow
	byAuction map[string]string // auction ID -> escrow ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*Escrow),
		byAuction: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A cancelled escrow does not block a new attempt for the auction.
	if id, exists := m.byAuction[e.AuctionID]; exists && m.escrows[id].Status != StatusCancelled {
		return ErrAlreadyExists
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byAuction[e.AuctionID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.escrows[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) GetByAuction(ctx context.Context, auctionID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.byAuction[auctionID]; ok {
		cp := *m.escrows[id]
		return &cp, nil
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerUserID == userID || e.SellerUserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusHeld {
			continue
		}
		if !e.AutoReleaseAt.IsZero() && !e.AutoReleaseAt.After(before) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
