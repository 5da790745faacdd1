package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
)

// EventKind names an input to the state machine.
type EventKind string

const (
	EventPayment      EventKind = "payment"
	EventDispatch     EventKind = "dispatch"
	EventArrival      EventKind = "arrival"
	EventConfirm      EventKind = "confirm"
	EventGraceExpired EventKind = "grace_expired"
	EventDispute      EventKind = "dispute"
	EventResolve      EventKind = "resolve"
	EventCancel       EventKind = "cancel"
)

// Event is one input to Transition. Only the fields relevant to Kind are
// read.
type Event struct {
	Kind  EventKind
	Actor string
	At    time.Time

	Carrier     string
	TrackingRef string
	ProofRef    string

	Reason        string
	Outcome       model.ContractStatus
	ProducerShare *decimal.Decimal
	Note          string

	Payment *model.ProviderEvent
}

// Signal is a condition worth telling a party about that does not change
// the contract's status.
type Signal string

const (
	SignalDepositInsufficient Signal = "deposit_insufficient"
	SignalLatePayment         Signal = "late_payment"
)

// Outcome is the result of applying one event.
type Outcome struct {
	Contract *model.Contract
	From     model.ContractStatus
	To       model.ContractStatus
	Event    EventKind
	// Entries are drafts without IDs. Their external refs are derived from
	// the contract id, so replaying the event cannot append them twice.
	Entries []*model.LedgerEntry
	Signals []Signal
	Noop    bool
	// ReleaseQuantity goes back to the listing's unreserved quantity;
	// SettleQuantity is counted as sold.
	ReleaseQuantity decimal.Decimal
	SettleQuantity  decimal.Decimal
}

// Changed reports whether the contract's status moved.
func (o *Outcome) Changed() bool { return o.From != o.To }

// Transition applies ev to c given the fold t of c's ledger. It never
// mutates c. Replaying an event that already took effect returns a Noop
// outcome. Status only moves forward: the one exception, a dispute
// resolving to refunded, is itself a forward move out of quality_dispute.
//
// For payment events t must already include the payment's inbound entry.
func Transition(c *model.Contract, t ledger.Totals, ev Event, p Policy) (*Outcome, error) {
	if c == nil {
		return nil, errors.New("contracts: nil contract")
	}
	if err := authorize(c, ev); err != nil {
		return nil, err
	}

	switch ev.Kind {
	case EventPayment:
		return onPayment(c, t, ev)
	case EventDispatch:
		return onDispatch(c, ev)
	case EventArrival:
		return onArrival(c, ev, p)
	case EventConfirm:
		switch c.Status {
		case model.ContractAwaitingConfirmation:
			return complete(c, t, ev), nil
		case model.ContractCompleted:
			return noop(c, ev), nil
		case model.ContractQualityDispute:
			return nil, ErrDisputeOpen
		}
		return nil, invalid(c, ev)
	case EventGraceExpired:
		if GraceDue(c, ev.At) {
			return complete(c, t, ev), nil
		}
		return noop(c, ev), nil
	case EventDispute:
		return onDispute(c, ev)
	case EventResolve:
		return onResolve(c, t, ev, p)
	case EventCancel:
		return onCancel(c, t, ev)
	}
	return nil, fmt.Errorf("contracts: unknown event %q", ev.Kind)
}

// GraceDue reports whether c has waited past its confirmation deadline.
func GraceDue(c *model.Contract, now time.Time) bool {
	return c.Status == model.ContractAwaitingConfirmation && c.ConfirmBy != nil && !now.Before(*c.ConfirmBy)
}

func authorize(c *model.Contract, ev Event) error {
	switch ev.Kind {
	case EventDispatch, EventArrival:
		if ev.Actor != c.ProducerID {
			return ErrNotProducer
		}
	case EventConfirm, EventDispute:
		if ev.Actor != c.BuyerID {
			return ErrNotBuyer
		}
	case EventResolve:
		if ev.Actor != ActorAdmin && ev.Actor != ActorSystem {
			return ErrNotArbiter
		}
	case EventCancel:
		if !c.IsParty(ev.Actor) && ev.Actor != ActorAdmin && ev.Actor != ActorSystem {
			return ErrNotParty
		}
	}
	return nil
}

func onPayment(c *model.Contract, t ledger.Totals, ev Event) (*Outcome, error) {
	pay := ev.Payment
	if pay == nil {
		return nil, errors.New("contracts: payment event without payment")
	}
	switch {
	case c.Status == model.ContractPendingDeposit:
		if ledger.DepositSatisfied(c, t) {
			return advance(c, ev, model.ContractDepositPaid), nil
		}
		o := noop(c, ev)
		o.Signals = append(o.Signals, SignalDepositInsufficient)
		return o, nil
	case c.Status.IsTerminal():
		// The contract can no longer use the money; send it straight back.
		o := noop(c, ev)
		o.Noop = false
		o.add(draft(c, model.DirectionRefund, model.KindReturn,
			money.Round(pay.Amount, c.Currency), c.BuyerID, ev.At, pay.Provider, pay.ExternalRef))
		o.Signals = append(o.Signals, SignalLatePayment)
		return o, nil
	}
	// Active contracts keep extra funds in escrow for settlement.
	return noop(c, ev), nil
}

func onDispatch(c *model.Contract, ev Event) (*Outcome, error) {
	switch c.Status {
	case model.ContractDepositPaid:
		o := advance(c, ev, model.ContractInTransit)
		at := ev.At
		o.Contract.Delivery.Carrier = strings.TrimSpace(ev.Carrier)
		o.Contract.Delivery.TrackingRef = strings.TrimSpace(ev.TrackingRef)
		o.Contract.Delivery.DispatchedAt = &at
		return o, nil
	case model.ContractPendingDeposit:
		return nil, ErrDepositNotPaid
	case model.ContractCancelled:
		return nil, invalid(c, ev)
	}
	return noop(c, ev), nil
}

func onArrival(c *model.Contract, ev Event, p Policy) (*Outcome, error) {
	proof := strings.TrimSpace(ev.ProofRef)
	if proof == "" {
		return nil, ErrProofRequired
	}
	switch c.Status {
	case model.ContractInTransit:
		o := advance(c, ev, model.ContractAwaitingConfirmation)
		at := ev.At
		confirmBy := at.Add(p.ConfirmationGrace)
		o.Contract.Delivery.ArrivedAt = &at
		o.Contract.Delivery.ProofRef = proof
		o.Contract.ConfirmBy = &confirmBy
		return o, nil
	case model.ContractAwaitingConfirmation, model.ContractQualityDispute,
		model.ContractCompleted, model.ContractRefunded:
		return noop(c, ev), nil
	case model.ContractPendingDeposit:
		return nil, ErrDepositNotPaid
	}
	return nil, invalid(c, ev)
}

func onDispute(c *model.Contract, ev Event) (*Outcome, error) {
	reason := strings.TrimSpace(ev.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	switch c.Status {
	case model.ContractAwaitingConfirmation:
		o := advance(c, ev, model.ContractQualityDispute)
		o.Contract.Dispute = &model.Dispute{Reason: reason, OpenedBy: ev.Actor, OpenedAt: ev.At}
		return o, nil
	case model.ContractQualityDispute:
		return noop(c, ev), nil
	}
	return nil, invalid(c, ev)
}

func onResolve(c *model.Contract, t ledger.Totals, ev Event, p Policy) (*Outcome, error) {
	if ev.Outcome != model.ContractCompleted && ev.Outcome != model.ContractRefunded {
		return nil, ErrInvalidOutcome
	}
	switch c.Status {
	case model.ContractQualityDispute:
	case ev.Outcome:
		return noop(c, ev), nil
	default:
		return nil, invalid(c, ev)
	}

	var (
		o     *Outcome
		share *decimal.Decimal
	)
	if ev.Outcome == model.ContractCompleted {
		s := p.DisputeProducerShare
		if ev.ProducerShare != nil {
			s = *ev.ProducerShare
		}
		if !money.IsFraction(s) {
			return nil, ErrInvalidShare
		}
		share = &s
		o = split(c, t, ev, s)
	} else {
		o = refund(c, t, ev, p)
	}

	at := ev.At
	d := model.Dispute{}
	if c.Dispute != nil {
		d = *c.Dispute
	}
	d.Outcome = ev.Outcome
	d.ProducerShare = share
	d.ResolvedBy = ev.Actor
	d.ResolvedAt = &at
	d.Note = strings.TrimSpace(ev.Note)
	o.Contract.Dispute = &d
	return o, nil
}

func onCancel(c *model.Contract, t ledger.Totals, ev Event) (*Outcome, error) {
	switch c.Status {
	case model.ContractPendingDeposit:
		o := advance(c, ev, model.ContractCancelled)
		o.Contract.CancelReason = strings.TrimSpace(ev.Reason)
		if paid := t.PaidNet(); paid.IsPositive() {
			o.Entries = append(o.Entries, draft(c, model.DirectionRefund, model.KindCancellation,
				paid, c.BuyerID, ev.At))
		}
		o.ReleaseQuantity = c.Quantity
		return o, nil
	case model.ContractCancelled:
		return noop(c, ev), nil
	}
	return nil, invalid(c, ev)
}

// complete settles a contract in full: the deposit and the balance go to
// the producer less the platform fee, and any overpayment goes back to the
// buyer.
func complete(c *model.Contract, t ledger.Totals, ev Event) *Outcome {
	cur := c.Currency
	paid := t.PaidNet()

	fee := money.Min(money.Round(c.FeeRate.Mul(c.Total), cur), c.Total)
	producerTotal := c.Total.Sub(fee)
	release := money.Min(paid, producerTotal)
	settlement := producerTotal.Sub(release)

	o := advance(c, ev, model.ContractCompleted)
	o.add(draft(c, model.DirectionOutbound, model.KindDepositRelease, release, c.ProducerID, ev.At))
	o.add(draft(c, model.DirectionOutbound, model.KindSettlement, settlement, c.ProducerID, ev.At))
	o.add(draft(c, model.DirectionFee, model.KindPlatformFee, fee, model.PartyPlatform, ev.At))
	o.add(overpayment(c, paid, ev.At))
	o.SettleQuantity = c.Quantity
	return o
}

// split settles a disputed contract: the deposit is released to the
// producer and the unpaid balance is divided, share to the producer (less
// the fee on everything the producer receives) and the rest to the buyer.
func split(c *model.Contract, t ledger.Totals, ev Event, share decimal.Decimal) *Outcome {
	cur := c.Currency
	paid := t.PaidNet()

	release := money.Min(paid, c.Total)
	balance := c.Total.Sub(release)
	gross := money.Round(balance.Mul(share), cur)
	fee := money.Min(money.Round(c.FeeRate.Mul(release.Add(gross)), cur), gross)

	o := advance(c, ev, model.ContractCompleted)
	o.add(draft(c, model.DirectionOutbound, model.KindDepositRelease, release, c.ProducerID, ev.At))
	o.add(draft(c, model.DirectionOutbound, model.KindSplit, gross.Sub(fee), c.ProducerID, ev.At, "producer"))
	o.add(draft(c, model.DirectionRefund, model.KindSplit, balance.Sub(gross), c.BuyerID, ev.At, "buyer"))
	o.add(draft(c, model.DirectionFee, model.KindPlatformFee, fee, model.PartyPlatform, ev.At))
	o.add(overpayment(c, paid, ev.At))
	o.SettleQuantity = c.Quantity
	return o
}

// refund returns what the buyer paid less the non-refundable costs, which
// are booked as a fee, and waives the unpaid balance.
func refund(c *model.Contract, t ledger.Totals, ev Event, p Policy) *Outcome {
	cur := c.Currency
	paid := t.PaidNet()
	nonRefundable := money.Min(money.Round(p.NonRefundableFraction.Mul(paid), cur), paid)

	o := advance(c, ev, model.ContractRefunded)
	o.add(draft(c, model.DirectionRefund, model.KindDepositRefund, paid.Sub(nonRefundable), c.BuyerID, ev.At))
	o.add(draft(c, model.DirectionFee, model.KindNonRefundable, nonRefundable, model.PartyPlatform, ev.At))
	if waived := c.Total.Sub(paid); waived.IsPositive() {
		o.add(draft(c, model.DirectionRefund, model.KindBalanceWaiver, waived, c.BuyerID, ev.At))
	}
	o.SettleQuantity = c.Quantity
	return o
}

func overpayment(c *model.Contract, paid decimal.Decimal, at time.Time) *model.LedgerEntry {
	over := paid.Sub(c.Total)
	if !over.IsPositive() {
		return nil
	}
	return draft(c, model.DirectionRefund, model.KindOverpayment, over, c.BuyerID, at)
}

// add appends e unless it is nil or moves nothing.
func (o *Outcome) add(e *model.LedgerEntry) {
	if e == nil || !e.Amount.IsPositive() {
		return
	}
	o.Entries = append(o.Entries, e)
}

func advance(c *model.Contract, ev Event, to model.ContractStatus) *Outcome {
	next := c.Clone()
	next.Status = to
	next.UpdatedAt = ev.At
	next.History = append(next.History, model.Transition{
		From:  c.Status,
		To:    to,
		Event: string(ev.Kind),
		Actor: ev.Actor,
		At:    ev.At,
	})
	return &Outcome{
		Contract:        next,
		From:            c.Status,
		To:              to,
		Event:           ev.Kind,
		ReleaseQuantity: decimal.Zero,
		SettleQuantity:  decimal.Zero,
	}
}

func noop(c *model.Contract, ev Event) *Outcome {
	return &Outcome{
		Contract:        c.Clone(),
		From:            c.Status,
		To:              c.Status,
		Event:           ev.Kind,
		Noop:            true,
		ReleaseQuantity: decimal.Zero,
		SettleQuantity:  decimal.Zero,
	}
}

func invalid(c *model.Contract, ev Event) error {
	return ErrInvalidTransition.WithMessage(fmt.Sprintf("cannot %s a %s contract", ev.Kind, c.Status))
}

// draft builds an internal ledger entry. Its external ref is the contract
// id, the entry kind and any extra parts joined by ":".
func draft(c *model.Contract, dir model.Direction, kind model.EntryKind, amount decimal.Decimal, party string, at time.Time, ref ...string) *model.LedgerEntry {
	parts := append([]string{c.ID, string(kind)}, ref...)
	return &model.LedgerEntry{
		ContractID:  c.ID,
		Direction:   dir,
		Kind:        kind,
		Amount:      amount,
		Currency:    c.Currency,
		PartyID:     party,
		Provider:    model.ProviderInternal,
		ExternalRef: strings.Join(parts, ":"),
		CreatedAt:   at,
	}
}
