// Package reconciliation replays the transaction ledger against stored
// wallet balances. Every balance mutation writes a ledger entry with
// before/after snapshots, so each wallet's entries must form an unbroken
// chain whose head matches the wallet's current balance. A wallet that
// fails either check indicates a write that bypassed the ledger.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/mezatlabs/settlement/internal/metrics"
	"github.com/mezatlabs/settlement/internal/wallet"
)

// historyPageSize bounds how much ledger is pulled per store call.
const historyPageSize = 200

// Mismatch describes one wallet whose ledger disagrees with its balance.
type Mismatch struct {
	WalletID      string `json:"walletId"`
	UserID        string `json:"userId"`
	StoredBalance string `json:"storedBalance"`
	LedgerBalance string `json:"ledgerBalance"`
	Reason        string `json:"reason"`
}

// Report summarizes one reconciliation run.
type Report struct {
	WalletsChecked int           `json:"walletsChecked"`
	Mismatches     []Mismatch    `json:"mismatches"`
	Healthy        bool          `json:"healthy"`
	Duration       time.Duration `json:"durationMs"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Runner performs ledger reconciliation over all wallets.
type Runner struct {
	store wallet.Store
}

// NewRunner creates a reconciliation runner.
func NewRunner(store wallet.Store) *Runner {
	return &Runner{store: store}
}

// RunAll checks every wallet and returns a report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()

	ids, err := r.store.ListWalletIDs(ctx)
	if err != nil {
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	report := &Report{Timestamp: start}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		report.WalletsChecked++
		if m := r.checkWallet(ctx, id); m != nil {
			report.Mismatches = append(report.Mismatches, *m)
		}
	}

	report.Healthy = len(report.Mismatches) == 0
	report.Duration = time.Since(start)

	metrics.ReconciliationMismatches.Set(float64(len(report.Mismatches)))
	if report.Healthy {
		metrics.ReconciliationRunsTotal.WithLabelValues("clean").Inc()
	} else {
		metrics.ReconciliationRunsTotal.WithLabelValues("mismatch").Inc()
	}
	return report, nil
}

// checkWallet replays one wallet's ledger newest-first. Returns nil when
// the wallet is consistent.
func (r *Runner) checkWallet(ctx context.Context, walletID string) *Mismatch {
	w, err := r.store.Get(ctx, walletID)
	if err != nil {
		return &Mismatch{WalletID: walletID, Reason: fmt.Sprintf("load failed: %v", err)}
	}

	var (
		cursor   string
		prevTail string // PreviousBalance of the oldest entry seen so far
		seen     int
	)
	for {
		txns, next, err := r.store.History(ctx, walletID, cursor, historyPageSize)
		if err != nil {
			return &Mismatch{WalletID: walletID, UserID: w.UserID, StoredBalance: w.Balance,
				Reason: fmt.Sprintf("history failed: %v", err)}
		}

		for _, txn := range txns {
			if seen == 0 {
				// The newest entry's after-snapshot is the balance.
				if txn.CurrentBalance != w.Balance {
					return &Mismatch{
						WalletID:      walletID,
						UserID:        w.UserID,
						StoredBalance: w.Balance,
						LedgerBalance: txn.CurrentBalance,
						Reason:        "head snapshot does not match wallet balance",
					}
				}
			} else if txn.CurrentBalance != prevTail {
				return &Mismatch{
					WalletID:      walletID,
					UserID:        w.UserID,
					StoredBalance: w.Balance,
					LedgerBalance: txn.CurrentBalance,
					Reason:        fmt.Sprintf("broken snapshot chain at %s", txn.ID),
				}
			}
			prevTail = txn.PreviousBalance
			seen++
		}

		if next == "" {
			break
		}
		cursor = next
	}

	if seen == 0 {
		// No ledger entries means nothing ever moved.
		if w.Balance != "0.00" || w.HoldBalance != "0.00" {
			return &Mismatch{
				WalletID:      walletID,
				UserID:        w.UserID,
				StoredBalance: w.Balance,
				LedgerBalance: "0.00",
				Reason:        "non-zero balance with empty ledger",
			}
		}
		return nil
	}

	// The oldest entry must start from zero.
	if prevTail != "0.00" {
		return &Mismatch{
			WalletID:      walletID,
			UserID:        w.UserID,
			StoredBalance: w.Balance,
			LedgerBalance: prevTail,
			Reason:        "oldest entry does not start from zero",
		}
	}
	return nil
}
