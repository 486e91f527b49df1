package reconciliation

import (
	"context"
	"testing"

	"github.com/mezatlabs/settlement/internal/wallet"
)

// tamperedStore wraps a wallet store and misreports one wallet's balance,
// simulating a write that bypassed the ledger.
type tamperedStore struct {
	wallet.Store
	walletID string
	balance  string
}

func (t *tamperedStore) Get(ctx context.Context, walletID string) (*wallet.Wallet, error) {
	w, err := t.Store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.ID == t.walletID {
		w.Balance = t.balance
	}
	return w, nil
}

func seedActivity(t *testing.T, store wallet.Store) {
	t.Helper()
	ctx := context.Background()
	svc := wallet.NewService(store)

	if _, err := svc.Deposit(ctx, "alice", "100.00", "", ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := svc.Deposit(ctx, "alice", "50.00", "", ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", "30.00", ""); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if _, err := svc.Deposit(ctx, "bob", "75.00", "", ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := svc.HoldFunds(ctx, "bob", "25.00", "esc_test"); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
}

func TestRunAll_Clean(t *testing.T) {
	store := wallet.NewMemoryStore()
	seedActivity(t, store)

	report, err := NewRunner(store).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Errorf("expected healthy report, got mismatches: %+v", report.Mismatches)
	}
	if report.WalletsChecked != 2 {
		t.Errorf("expected 2 wallets checked, got %d", report.WalletsChecked)
	}
}

func TestRunAll_EmptyWalletIsClean(t *testing.T) {
	store := wallet.NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, "fresh"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	report, err := NewRunner(store).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !report.Healthy {
		t.Errorf("expected healthy report for empty wallet, got %+v", report.Mismatches)
	}
}

func TestRunAll_DetectsTamperedBalance(t *testing.T) {
	store := wallet.NewMemoryStore()
	seedActivity(t, store)
	ctx := context.Background()

	alice, err := store.GetByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}

	tampered := &tamperedStore{Store: store, walletID: alice.ID, balance: "999.00"}
	report, err := NewRunner(tampered).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.Healthy {
		t.Fatal("expected mismatch for tampered wallet")
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("expected 1 mismatch, got %d", len(report.Mismatches))
	}
	m := report.Mismatches[0]
	if m.WalletID != alice.ID {
		t.Errorf("expected mismatch on %s, got %s", alice.ID, m.WalletID)
	}
	if m.StoredBalance != "999.00" || m.LedgerBalance != "120.00" {
		t.Errorf("expected 999.00 stored vs 120.00 ledger, got %s vs %s",
			m.StoredBalance, m.LedgerBalance)
	}
}

func TestRunAll_PaginatesLongHistories(t *testing.T) {
	store := wallet.NewMemoryStore()
	ctx := context.Background()
	svc := wallet.NewService(store)

	// More deposits than one history page.
	for i := 0; i < historyPageSize+50; i++ {
		if _, err := svc.Deposit(ctx, "whale", "1.00", "", ""); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	report, err := NewRunner(store).RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !report.Healthy {
		t.Errorf("expected healthy report, got %+v", report.Mismatches)
	}
}
