// Package ledger derives escrow totals from a contract's append-only
// entries. Nothing here stores balances: every figure is recomputed from
// the entries on demand.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
)

// ErrInconsistent reports a contract whose status disagrees with its entries.
var ErrInconsistent = apperr.Integrity("ledger_inconsistent", "contract status does not match its ledger")

// Totals is the fold of a contract's ledger entries.
type Totals struct {
	Paid     decimal.Decimal `json:"paid"`     // inbound
	Released decimal.Decimal `json:"released"` // outbound to producer
	Refunded decimal.Decimal `json:"refunded"` // to buyer, including returns
	Fees     decimal.Decimal `json:"fees"`
	Returned decimal.Decimal `json:"returned"` // late payments sent straight back
	Entries  int             `json:"entries"`
}

// PaidNet excludes payments that were returned on arrival.
func (t Totals) PaidNet() decimal.Decimal { return t.Paid.Sub(t.Returned) }

// RefundedNet excludes returns of late payments.
func (t Totals) RefundedNet() decimal.Decimal { return t.Refunded.Sub(t.Returned) }

// Allocated is the contract value already assigned to some party.
func (t Totals) Allocated() decimal.Decimal {
	return t.Released.Add(t.Fees).Add(t.RefundedNet())
}

// Fold sums entries. Entries are deduplicated by (provider, external ref),
// so folding a slice that contains the same entry twice gives the same
// result, and order never matters.
func Fold(entries []*model.LedgerEntry) Totals {
	t := Totals{
		Paid:     decimal.Zero,
		Released: decimal.Zero,
		Refunded: decimal.Zero,
		Fees:     decimal.Zero,
		Returned: decimal.Zero,
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		key := e.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		t.Entries++

		switch e.Direction {
		case model.DirectionInbound:
			t.Paid = t.Paid.Add(e.Amount)
		case model.DirectionOutbound:
			t.Released = t.Released.Add(e.Amount)
		case model.DirectionRefund:
			t.Refunded = t.Refunded.Add(e.Amount)
			if e.Kind == model.KindReturn {
				t.Returned = t.Returned.Add(e.Amount)
			}
		case model.DirectionFee:
			t.Fees = t.Fees.Add(e.Amount)
		}
	}
	return t
}

// DepositShortfall is how much more the buyer must pay before the deposit
// is satisfied. Zero once it is.
func DepositShortfall(c *model.Contract, t Totals) decimal.Decimal {
	short := c.DepositRequired.Sub(t.PaidNet())
	if short.IsNegative() {
		return decimal.Zero
	}
	return short
}

// DepositSatisfied reports whether net payments cover the required deposit.
func DepositSatisfied(c *model.Contract, t Totals) bool {
	return t.PaidNet().GreaterThanOrEqual(c.DepositRequired)
}

// Check verifies that c.Status is the status implied by its ledger fold.
func Check(c *model.Contract, t Totals) error {
	fail := func(format string, args ...any) error {
		return ErrInconsistent.Wrap(fmt.Errorf("contract %s (%s): "+format,
			append([]any{c.ID, c.Status}, args...)...))
	}

	paidNet := t.PaidNet()
	allocated := t.Allocated()

	switch c.Status {
	case model.ContractPendingDeposit:
		if DepositSatisfied(c, t) {
			return fail("deposit satisfied (%s >= %s) but still pending", paidNet, c.DepositRequired)
		}
		if !allocated.IsZero() {
			return fail("funds allocated before deposit")
		}
	case model.ContractDepositPaid, model.ContractInTransit,
		model.ContractAwaitingConfirmation, model.ContractQualityDispute:
		if !DepositSatisfied(c, t) {
			return fail("deposit %s not covered by payments %s", c.DepositRequired, paidNet)
		}
		if !allocated.IsZero() {
			return fail("funds allocated before settlement")
		}
	case model.ContractCompleted, model.ContractRefunded:
		want := money.Max(c.Total, paidNet)
		if !allocated.Equal(want) {
			return fail("allocated %s, want %s", allocated, want)
		}
		if c.Status == model.ContractRefunded && t.Released.IsPositive() {
			return fail("refunded contract released %s to producer", t.Released)
		}
	case model.ContractCancelled:
		if !t.RefundedNet().Equal(paidNet) {
			return fail("refunded %s of %s paid", t.RefundedNet(), paidNet)
		}
		if t.Released.IsPositive() || t.Fees.IsPositive() {
			return fail("cancelled contract released funds")
		}
	default:
		return fail("unknown status")
	}
	return nil
}
