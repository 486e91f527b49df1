package auction

import (
	"context"
	"sort"
	"sync"

	"github.com/mezatlabs/settlement/internal/money"
)

// MemoryStore is an in-memory auction store for demo/development mode.
type MemoryStore struct {
	auctions map[string]*Auction
	bids     map[string][]*Bid // auction ID -> bids
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory auction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]*Auction),
		bids:     make(map[string][]*Bid),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, a *Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.auctions[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.auctions[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, ErrAuctionNotFound
}

func (m *MemoryStore) Update(ctx context.Context, a *Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.auctions[a.ID]; !ok {
		return ErrAuctionNotFound
	}
	cp := *a
	m.auctions[a.ID] = &cp
	return nil
}

func (m *MemoryStore) PlaceBid(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.auctions[b.AuctionID]; !ok {
		return ErrAuctionNotFound
	}
	cp := *b
	m.bids[b.AuctionID] = append(m.bids[b.AuctionID], &cp)
	return nil
}

func (m *MemoryStore) HighestActiveBid(ctx context.Context, auctionID string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.auctions[auctionID]; !ok {
		return nil, ErrAuctionNotFound
	}

	var highest *Bid
	for _, b := range m.bids[auctionID] {
		if b.Status != BidActive {
			continue
		}
		if highest == nil || money.Cmp(b.Amount, highest.Amount) > 0 {
			highest = b
		}
	}
	if highest == nil {
		return nil, ErrNoBids
	}
	cp := *highest
	return &cp, nil
}

func (m *MemoryStore) ListBids(ctx context.Context, auctionID string, limit int) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.auctions[auctionID]; !ok {
		return nil, ErrAuctionNotFound
	}

	result := make([]*Bid, 0, len(m.bids[auctionID]))
	for _, b := range m.bids[auctionID] {
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return money.Cmp(result[i].Amount, result[j].Amount) > 0
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
