package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL. A partial unique
// index on auction_id enforces one non-cancelled escrow per auction, so
// a failed funding attempt does not block a retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, auction_id, winning_bid_id, buyer_user_id, seller_user_id, amount, commission_rate,
			commission_amount, seller_amount, status,
			hold_transaction_id, release_transaction_id, refund_transaction_id,
			auto_release_at, completed_at, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(19,2), $7::NUMERIC(5,4),
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18
		)`,
		e.ID, e.AuctionID, nullString(e.WinningBidID), e.BuyerUserID, e.SellerUserID, e.Amount, e.CommissionRate,
		nullString(e.CommissionAmount), nullString(e.SellerAmount), string(e.Status),
		nullString(e.HoldTransactionID), nullString(e.ReleaseTransactionID), nullString(e.RefundTransactionID),
		nullTimeValue(e.AutoReleaseAt), nullTime(e.CompletedAt), nullString(e.Notes),
		e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

const escrowColumns = `id, auction_id, winning_bid_id, buyer_user_id, seller_user_id, amount, commission_rate,
		       commission_amount, seller_amount, status,
		       hold_transaction_id, release_transaction_id, refund_transaction_id,
		       auto_release_at, completed_at, notes, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByAuction(ctx context.Context, auctionID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE auction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, auctionID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, commission_amount = $2, seller_amount = $3,
			hold_transaction_id = $4, release_transaction_id = $5, refund_transaction_id = $6,
			auto_release_at = $7, completed_at = $8, notes = $9, updated_at = $10
		WHERE id = $11`,
		string(e.Status), nullString(e.CommissionAmount), nullString(e.SellerAmount),
		nullString(e.HoldTransactionID), nullString(e.ReleaseTransactionID), nullString(e.RefundTransactionID),
		nullTimeValue(e.AutoReleaseAt), nullTime(e.CompletedAt), nullString(e.Notes), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_user_id = $1 OR seller_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'HELD'
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status           string
		winningBidID     sql.NullString
		commissionAmount sql.NullString
		sellerAmount     sql.NullString
		holdTxnID        sql.NullString
		releaseTxnID     sql.NullString
		refundTxnID      sql.NullString
		autoReleaseAt    sql.NullTime
		completedAt      sql.NullTime
		notes            sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.AuctionID, &winningBidID, &e.BuyerUserID, &e.SellerUserID, &e.Amount, &e.CommissionRate,
		&commissionAmount, &sellerAmount, &status,
		&holdTxnID, &releaseTxnID, &refundTxnID,
		&autoReleaseAt, &completedAt, &notes, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.WinningBidID = winningBidID.String
	e.CommissionAmount = commissionAmount.String
	e.SellerAmount = sellerAmount.String
	e.HoldTransactionID = holdTxnID.String
	e.ReleaseTransactionID = releaseTxnID.String
	e.RefundTransactionID = refundTxnID.String
	e.Notes = notes.String
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = autoReleaseAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue converts a zero time.Time to sql.NullTime.
func nullTimeValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
