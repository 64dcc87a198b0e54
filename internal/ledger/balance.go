package ledger

import "github.com/consultahub/portal-client-go/internal/money"

// Snapshot is a balance view. Total is always recomputed from the parts, so
// a partial update can never make the fields diverge.
type Snapshot struct {
	Wallet     money.Cents `json:"wallet"`
	PlanCredit money.Cents `json:"planCredit"`
	Total      money.Cents `json:"total"`
}

// NewSnapshot builds a snapshot, clamping negatives and recomputing Total.
func NewSnapshot(wallet, planCredit money.Cents) Snapshot {
	if wallet < 0 {
		wallet = 0
	}
	if planCredit < 0 {
		planCredit = 0
	}
	return Snapshot{
		Wallet:     wallet,
		PlanCredit: planCredit,
		Total:      wallet + planCredit,
	}
}

// Overlay is the optimistic local delta applied while a mutation is
// submitted but not yet confirmed. It is discarded the moment any
// server-confirmed snapshot arrives; server truth always wins.
type Overlay struct {
	WalletDelta     money.Cents
	PlanCreditDelta money.Cents
}

// Merge applies an overlay to a confirmed snapshot. Pure function; the
// confirmed snapshot is never mutated in place.
func Merge(confirmed Snapshot, overlay *Overlay) Snapshot {
	if overlay == nil {
		return confirmed
	}
	return NewSnapshot(
		confirmed.Wallet+overlay.WalletDelta,
		confirmed.PlanCredit+overlay.PlanCreditDelta,
	)
}
