package wallet

import "context"

// Funds adapts Service to fund-movement consumers that want the ledger
// transaction ID rather than the full record (e.g. the escrow engine).
type Funds struct {
	svc *Service
}

// NewFunds wraps a wallet service for escrow fund movements.
func NewFunds(svc *Service) *Funds {
	return &Funds{svc: svc}
}

func (f *Funds) HoldFunds(ctx context.Context, userID, amount, reference string) (string, error) {
	txn, err := f.svc.HoldFunds(ctx, userID, amount, reference)
	if err != nil {
		return "", err
	}
	return txn.ID, nil
}

func (f *Funds) SettleHold(ctx context.Context, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference string) (string, error) {
	txn, err := f.svc.SettleHold(ctx, buyerUserID, sellerUserID, holdAmount, sellerAmount, reference)
	if err != nil {
		return "", err
	}
	return txn.ID, nil
}

func (f *Funds) RefundHold(ctx context.Context, userID, amount, reference string) (string, error) {
	txn, err := f.svc.RefundHold(ctx, userID, amount, reference)
	if err != nil {
		return "", err
	}
	return txn.ID, nil
}
