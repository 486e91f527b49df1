package auction

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists auctions and bids in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, a *Auction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auctions (id, seller_user_id, title, start_price, reserve_price,
			status, winning_bid_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(19,2), $5, $6, $7, $8, $9)`,
		a.ID, a.SellerUserID, a.Title, a.StartPrice, nullString(a.ReservePrice),
		string(a.Status), nullString(a.WinningBidID), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Auction, error) {
	a := &Auction{}
	var (
		status       string
		reservePrice sql.NullString
		winningBidID sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_user_id, title, start_price, reserve_price,
		       status, winning_bid_id, created_at, updated_at
		FROM auctions WHERE id = $1`, id).Scan(
		&a.ID, &a.SellerUserID, &a.Title, &a.StartPrice, &reservePrice,
		&status, &winningBidID, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.ReservePrice = reservePrice.String
	a.WinningBidID = winningBidID.String
	return a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Auction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE auctions SET status = $1, winning_bid_id = $2, updated_at = $3
		WHERE id = $4`,
		string(a.Status), nullString(a.WinningBidID), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAuctionNotFound
	}
	return nil
}

func (p *PostgresStore) PlaceBid(ctx context.Context, b *Bid) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids (id, auction_id, bidder_user_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(19,2), $5, $6)`,
		b.ID, b.AuctionID, b.BidderUserID, b.Amount, string(b.Status), b.CreatedAt,
	)
	return err
}

func (p *PostgresStore) HighestActiveBid(ctx context.Context, auctionID string) (*Bid, error) {
	b := &Bid{}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, auction_id, bidder_user_id, amount, status, created_at
		FROM bids
		WHERE auction_id = $1 AND status = 'ACTIVE'
		ORDER BY amount DESC, created_at ASC
		LIMIT 1`, auctionID).Scan(
		&b.ID, &b.AuctionID, &b.BidderUserID, &b.Amount, &status, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBids
	}
	if err != nil {
		return nil, err
	}
	b.Status = BidStatus(status)
	return b, nil
}

func (p *PostgresStore) ListBids(ctx context.Context, auctionID string, limit int) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_user_id, amount, status, created_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY amount DESC
		LIMIT $2`, auctionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Bid
	for rows.Next() {
		b := &Bid{}
		var status string
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderUserID, &b.Amount, &status, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Status = BidStatus(status)
		result = append(result, b)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
