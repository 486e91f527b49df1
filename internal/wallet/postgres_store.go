package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mezatlabs/settlement/internal/idgen"
	"github.com/mezatlabs/settlement/internal/money"
	"github.com/mezatlabs/settlement/internal/pagination"
	"github.com/mezatlabs/settlement/internal/retry"
)

// PostgresStore implements Store with PostgreSQL. Balance mutations and
// their ledger entries share a serializable transaction, and CHECK
// constraints on the balance columns back up the in-code guards.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const serializationFailure = "40001"

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == serializationFailure
}

// inTx runs fn in a serializable transaction. Serializable transactions can
// abort under contention, so serialization failures are retried with backoff
// while every other error is returned as-is.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return retry.Permanent(err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
}

// ensureWallet upserts the user's wallet row and returns it locked for update.
func ensureWallet(ctx context.Context, tx *sql.Tx, userID string) (*Wallet, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, hold_balance, total_deposited, total_withdrawn, locked, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, 0, FALSE, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix("wal_"), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert wallet: %w", err)
	}
	return lockWalletByUser(ctx, tx, userID)
}

func lockWalletByUser(ctx context.Context, tx *sql.Tx, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance, hold_balance, total_deposited, total_withdrawn, locked, COALESCE(lock_reason, ''), created_at, updated_at
		FROM wallets WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.HoldBalance, &w.TotalDeposited, &w.TotalWithdrawn, &w.Locked, &w.LockReason, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, type, status, amount, previous_balance, current_balance, reference, description, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(19,2), $6::NUMERIC(19,2), $7::NUMERIC(19,2), $8, $9, $10, $11)
	`, txn.ID, txn.WalletID, txn.Type, txn.Status, txn.Amount,
		txn.PreviousBalance, txn.CurrentBalance, txn.Reference, txn.Description,
		txn.CreatedAt, txn.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func newTransaction(walletID string, txType TxType, amount, previous, current, reference, description string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:              idgen.WithPrefix("txn_"),
		WalletID:        walletID,
		Type:            txType,
		Status:          TxCompleted,
		Amount:          amount,
		PreviousBalance: previous,
		CurrentBalance:  current,
		Reference:       reference,
		Description:     description,
		CreatedAt:       now,
		CompletedAt:     &now,
	}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	var w *Wallet
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = ensureWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, hold_balance, total_deposited, total_withdrawn, locked, COALESCE(lock_reason, ''), created_at, updated_at
		FROM wallets WHERE id = $1
	`, walletID).Scan(&w.ID, &w.UserID, &w.Balance, &w.HoldBalance, &w.TotalDeposited, &w.TotalWithdrawn, &w.Locked, &w.LockReason, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, hold_balance, total_deposited, total_withdrawn, locked, COALESCE(lock_reason, ''), created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.HoldBalance, &w.TotalDeposited, &w.TotalWithdrawn, &w.Locked, &w.LockReason, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Deposit(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	var txn *Transaction
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		w, err := ensureWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Locked {
			return ErrWalletLocked
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET
				balance         = balance + $2::NUMERIC(19,2),
				total_deposited = total_deposited + $2::NUMERIC(19,2),
				updated_at      = NOW()
			WHERE id = $1
			RETURNING balance
		`, w.ID, amount).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		txn = newTransaction(w.ID, TypeDeposit, amount, w.Balance, current, reference, description)
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Withdraw(ctx context.Context, userID, amount, description string) (*Transaction, error) {
	var txn *Transaction
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWalletByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Locked {
			return ErrWalletLocked
		}
		if money.Cmp(w.Balance, amount) < 0 {
			return &InsufficientFundsError{Required: amount, Available: w.Balance}
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET
				balance         = balance - $2::NUMERIC(19,2),
				total_withdrawn = total_withdrawn + $2::NUMERIC(19,2),
				updated_at      = NOW()
			WHERE id = $1
			RETURNING balance
		`, w.ID, amount).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		txn = newTransaction(w.ID, TypeWithdrawal, amount, w.Balance, current, "", description)
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Adjust(ctx context.Context, userID, amount, description string) (*Transaction, error) {
	var txn *Transaction
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		w, err := ensureWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if money.Cmp(money.Add(w.Balance, amount), "0") < 0 {
			return &InsufficientFundsError{Required: amount, Available: w.Balance}
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET
				balance    = balance + $2::NUMERIC(19,2),
				updated_at = NOW()
			WHERE id = $1
			RETURNING balance
		`, w.ID, amount).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		txn = newTransaction(w.ID, TypeAdjustment, amount, w.Balance, current, "", description)
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) HoldFunds(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	var txn *Transaction
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWalletByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Locked {
			return ErrWalletLocked
		}
		if money.Cmp(w.Balance, amount) < 0 {
			return &InsufficientFundsError{Required: amount, Available: w.Balance}
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET
				balance      = balance - $2::NUMERIC(19,2),
				hold_balance = hold_balance + $2::NUMERIC(19,2),
				updated_at   = NOW()
			WHERE id = $1
			RETURNING balance
		`, w.ID, amount).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to place hold: %w", err)
		}

		txn = newTransaction(w.ID, TypeEscrowHold, amount, w.Balance, current, reference, description)
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference, description string) (*Transaction, error) {
	var txn *Transaction
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		buyer, err := lockWalletByUser(ctx, tx, buyerUserID)
		if err != nil {
			return err
		}
		if money.Cmp(buyer.HoldBalance, holdAmount) < 0 {
			return &InsufficientFundsError{Required: holdAmount, Available: buyer.HoldBalance}
		}

		// Clear the buyer's hold. The spendable balance is untouched, so no
		// buyer ledger entry; the ESCROW_HOLD entry already covers the debit.
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET
				hold_balance = hold_balance - $2::NUMERIC(19,2),
				updated_at   = NOW()
			WHERE id = $1
		`, buyer.ID, holdAmount)
		if err != nil {
			return fmt.Errorf("failed to clear hold: %w", err)
		}

		// Credit the seller, creating the wallet on first earnings.
		seller, err := ensureWallet(ctx, tx, sellerUserID)
		if err != nil {
			return err
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET
				balance    = balance + $2::NUMERIC(19,2),
				updated_at = NOW()
			WHERE id = $1
			RETURNING balance
		`, seller.ID, sellerAmount).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to credit seller: %w", err)
		}

		txn = newTransaction(seller.ID, TypeEarnings, sellerAmount, seller.Balance, current, reference, description)
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) RefundHold(ctx context.Context, userID, amount, reference, description string) (*Transaction, error) {
	var txn *Transaction
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWalletByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if money.Cmp(w.HoldBalance, amount) < 0 {
			return &InsufficientFundsError{Required: amount, Available: w.HoldBalance}
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET
				balance      = balance + $2::NUMERIC(19,2),
				hold_balance = hold_balance - $2::NUMERIC(19,2),
				updated_at   = NOW()
			WHERE id = $1
			RETURNING balance
		`, w.ID, amount).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to refund hold: %w", err)
		}

		txn = newTransaction(w.ID, TypeRefund, amount, w.Balance, current, reference, description)
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) History(ctx context.Context, walletID, cursor string, limit int) ([]*Transaction, string, error) {
	if _, err := p.Get(ctx, walletID); err != nil {
		return nil, "", err
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT id, wallet_id, type, status, amount, previous_balance, current_balance,
		       COALESCE(reference, ''), COALESCE(description, ''), created_at, completed_at
		FROM wallet_transactions
		WHERE wallet_id = $1`
	args := []any{walletID}
	if cur != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		if err := rows.Scan(&txn.ID, &txn.WalletID, &txn.Type, &txn.Status, &txn.Amount,
			&txn.PreviousBalance, &txn.CurrentBalance, &txn.Reference, &txn.Description,
			&txn.CreatedAt, &txn.CompletedAt); err != nil {
			return nil, "", err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

func (p *PostgresStore) SetLock(ctx context.Context, userID string, locked bool, reason string) (*Wallet, error) {
	var w *Wallet
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = ensureWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		if !locked {
			reason = ""
		}
		err = tx.QueryRowContext(ctx, `
			UPDATE wallets SET locked = $2, lock_reason = NULLIF($3, ''), updated_at = NOW()
			WHERE id = $1
			RETURNING locked, COALESCE(lock_reason, ''), updated_at
		`, w.ID, locked, reason).Scan(&w.Locked, &w.LockReason, &w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to set lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
