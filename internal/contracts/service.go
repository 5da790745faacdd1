package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/idgen"
	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/metrics"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
	"github.com/mbd888/harvestmart/internal/notify"
	"github.com/mbd888/harvestmart/internal/providers"
	"github.com/mbd888/harvestmart/internal/retry"
	"github.com/mbd888/harvestmart/internal/store"
	"github.com/mbd888/harvestmart/internal/syncutil"
	"github.com/mbd888/harvestmart/internal/traces"
)

const (
	// LockKind is the EntityLocks kind serializing work on one contract.
	LockKind   = "contract"
	sweepBatch = 200
)

// Charger starts deposit charges with a money provider.
type Charger interface {
	Charge(ctx context.Context, provider string, req providers.ChargeRequest) (*providers.ChargeResult, error)
}

// Service implements contract business logic.
type Service struct {
	store    store.Store
	locks    *syncutil.EntityLocks
	charger  Charger
	policy   Policy
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a new contract service.
func NewService(st store.Store, locks *syncutil.EntityLocks, charger Charger, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		locks:    locks,
		charger:  charger,
		policy:   policy,
		notifier: notify.Nop{},
		now:      time.Now,
		logger:   logger,
	}
}

// WithNotifier sets the notifier for contract events.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithClock replaces the wall clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the escrow policy in force.
func (s *Service) Policy() Policy { return s.policy }

// Draft creates the pending_deposit contract for an accepted offer inside
// the acceptance unit of work.
func (s *Service) Draft(ctx context.Context, tx store.Tx, l *model.Listing, o *model.Offer, now time.Time) (*model.Contract, error) {
	cur := o.Currency
	total := money.Round(o.Total(), cur)
	deposit := money.Round(total.Mul(s.policy.DepositFraction), cur)
	if unit := money.FromMinor(1, cur); deposit.LessThan(unit) {
		deposit = money.Min(unit, total)
	}

	c := &model.Contract{
		ID:              idgen.WithPrefix(idgen.PrefixContract),
		ListingID:       l.ID,
		OfferID:         o.ID,
		BuyerID:         o.BidderID,
		ProducerID:      o.ProducerID,
		Commodity:       l.Commodity,
		Quantity:        o.Quantity,
		UnitPrice:       o.Price,
		Currency:        cur,
		Total:           total,
		DepositFraction: s.policy.DepositFraction,
		DepositRequired: deposit,
		FeeRate:         s.policy.FeeRate,
		Status:          model.ContractPendingDeposit,
		History: []model.Transition{{
			To:    model.ContractPendingDeposit,
			Event: "created",
			Actor: o.Counterparty(),
			At:    now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateContract(ctx, c); err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}
	return c, nil
}

// Get returns a contract visible to actor. A contract whose confirmation
// window has lapsed is completed before it is returned.
func (s *Service) Get(ctx context.Context, actor, id string) (*model.Contract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !c.IsParty(actor) && actor != ActorAdmin {
		return nil, ErrNotParty
	}
	now := s.now().UTC()
	if GraceDue(c, now) {
		return s.apply(ctx, id, Event{Kind: EventGraceExpired, Actor: ActorSystem, At: now})
	}
	return c, nil
}

// ListByParty returns the contracts partyID is a party to, newest first.
func (s *Service) ListByParty(ctx context.Context, actor, partyID string, limit int) ([]*model.Contract, error) {
	if actor != partyID && actor != ActorAdmin {
		return nil, ErrNotParty
	}
	return s.store.ListContractsByParty(ctx, partyID, limit)
}

// RequestDeposit asks a money provider to charge the buyer the outstanding
// deposit. Repeating the request with the same provider while the amount
// due is unchanged returns the charge already started, unless the provider
// has since reported it failed. A failed provider call records nothing, so
// the retry reuses the same idempotency key.
func (s *Service) RequestDeposit(ctx context.Context, actor, id string, req DepositRequest) (_ *DepositResult, err error) {
	ctx, span := traces.StartSpan(ctx, "contracts.RequestDeposit", traces.ContractID(id), traces.Provider(req.Provider))
	defer func() { traces.End(span, err) }()

	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor != c.BuyerID {
		return nil, ErrNotBuyer
	}
	if c.Status != model.ContractPendingDeposit {
		return nil, ErrDepositNotDue
	}
	if s.charger == nil {
		return nil, ErrInvalidProvider
	}
	entries, err := s.store.ListEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	amount := ledger.DepositShortfall(c, ledger.Fold(entries))

	if ch := c.Charge; ch != nil && ch.Provider == req.Provider && ch.Amount.Equal(amount) {
		return &DepositResult{
			Contract:    c,
			Amount:      amount.String(),
			Currency:    c.Currency,
			CheckoutURL: ch.CheckoutURL,
			ExternalRef: ch.ExternalRef,
			Reused:      true,
		}, nil
	}

	attempt := c.ChargeAttempts + 1
	key := providers.DepositKey(id, attempt)
	res, err := s.charger.Charge(ctx, req.Provider, providers.ChargeRequest{
		ContractID:     id,
		IdempotencyKey: key,
		Amount:         amount,
		Currency:       c.Currency,
		PayerID:        c.BuyerID,
		Description:    fmt.Sprintf("Deposit for %s %s (%s)", c.Quantity, c.Commodity, c.ID),
	})
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, LockKind, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	err = retry.Do(ctx, retry.Conflict(isVersionConflict), func(ctx context.Context) error {
		return s.store.Atomic(ctx, func(tx store.Tx) error {
			cur, err := tx.GetContract(ctx, id)
			if err != nil {
				return mapNotFound(err)
			}
			if cur.ChargeAttempts >= attempt {
				c = cur
				return nil
			}
			cur.ChargeAttempts = attempt
			cur.Charge = &model.ChargeRequest{
				Provider:       req.Provider,
				ExternalRef:    res.ExternalRef,
				IdempotencyKey: key,
				Amount:         amount,
				RequestedAt:    now,
				CheckoutURL:    res.CheckoutURL,
			}
			cur.UpdatedAt = now
			if err := tx.UpdateContract(ctx, cur); err != nil {
				return err
			}
			c = cur
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, notify.EventDepositRequested, c, map[string]any{
		"amount":      amount.String(),
		"provider":    req.Provider,
		"checkoutUrl": res.CheckoutURL,
	}, c.BuyerID)
	s.logger.Info("deposit requested",
		"contract", id, "provider", req.Provider, "amount", amount.String(), "attempt", attempt)
	return &DepositResult{
		Contract:    c,
		Amount:      amount.String(),
		Currency:    c.Currency,
		CheckoutURL: res.CheckoutURL,
		ExternalRef: res.ExternalRef,
	}, nil
}

// Dispatch records that the producer shipped the goods.
func (s *Service) Dispatch(ctx context.Context, actor, id string, req DispatchRequest) (*model.Contract, error) {
	return s.apply(ctx, id, Event{
		Kind:        EventDispatch,
		Actor:       actor,
		At:          s.now().UTC(),
		Carrier:     req.Carrier,
		TrackingRef: req.TrackingRef,
	})
}

// RecordArrival records the producer's proof of delivery and starts the
// buyer's confirmation window.
func (s *Service) RecordArrival(ctx context.Context, actor, id string, req ArrivalRequest) (*model.Contract, error) {
	return s.apply(ctx, id, Event{Kind: EventArrival, Actor: actor, At: s.now().UTC(), ProofRef: req.ProofRef})
}

// ConfirmReceipt is the buyer accepting the goods, which settles the
// contract.
func (s *Service) ConfirmReceipt(ctx context.Context, actor, id string) (*model.Contract, error) {
	return s.apply(ctx, id, Event{Kind: EventConfirm, Actor: actor, At: s.now().UTC()})
}

// Dispute freezes the contract pending resolution.
func (s *Service) Dispute(ctx context.Context, actor, id string, req DisputeRequest) (*model.Contract, error) {
	return s.apply(ctx, id, Event{Kind: EventDispute, Actor: actor, At: s.now().UTC(), Reason: req.Reason})
}

// Resolve settles a disputed contract as a split ("completed" or "split")
// or a refund ("refunded" or "refund").
func (s *Service) Resolve(ctx context.Context, actor, id string, req ResolveRequest) (*model.Contract, error) {
	ev := Event{Kind: EventResolve, Actor: actor, At: s.now().UTC(), Note: req.Note}
	switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
	case "completed", "split":
		ev.Outcome = model.ContractCompleted
	case "refunded", "refund":
		ev.Outcome = model.ContractRefunded
	default:
		return nil, ErrInvalidOutcome
	}
	if req.ProducerShare != "" {
		share, err := decimal.NewFromString(strings.TrimSpace(req.ProducerShare))
		if err != nil || !money.IsFraction(share) {
			return nil, ErrInvalidShare
		}
		ev.ProducerShare = &share
	}
	return s.apply(ctx, id, ev)
}

// Cancel abandons a contract whose deposit was never completed, refunding
// any partial payment and returning the quantity to the listing.
func (s *Service) Cancel(ctx context.Context, actor, id string, req CancelRequest) (*model.Contract, error) {
	return s.apply(ctx, id, Event{Kind: EventCancel, Actor: actor, At: s.now().UTC(), Reason: req.Reason})
}

// PaymentResult is what ApplyPayment did with one provider event.
type PaymentResult struct {
	Contract  *model.Contract
	Entry     *model.LedgerEntry
	Duplicate bool
	Ignored   bool
	Failed    bool

	applied   *applied
	shortfall decimal.Decimal
}

// ApplyPayment records a normalized provider event against its contract
// inside the caller's unit of work. The caller must hold the contract lock
// and, once tx commits, pass the result to PaymentCommitted.
//
// An event whose (provider, external ref) is already in the ledger is
// reported as Duplicate and changes nothing. Pending events are Ignored and
// failed ones are only reported, since neither moved money.
func (s *Service) ApplyPayment(ctx context.Context, tx store.Tx, ev *model.ProviderEvent) (*PaymentResult, error) {
	c, entries, err := load(ctx, tx, ev.ContractID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(ev.Currency, c.Currency) {
		return nil, ErrCurrencyMismatch.WithMessage(
			fmt.Sprintf("payment in %s for a %s contract", ev.Currency, c.Currency))
	}
	dup, err := tx.HasEntry(ctx, ev.Provider, ev.ExternalRef)
	if err != nil {
		return nil, err
	}
	if dup {
		return &PaymentResult{Contract: c, Duplicate: true}, nil
	}
	switch ev.Status {
	case model.PaymentPending:
		return &PaymentResult{Contract: c, Ignored: true}, nil
	case model.PaymentFailed:
		// A dead charge must not be handed out again by RequestDeposit.
		if chargeMatches(c.Charge, ev) {
			c.Charge = nil
			c.UpdatedAt = s.now().UTC()
			if err := tx.UpdateContract(ctx, c); err != nil {
				return nil, err
			}
		}
		return &PaymentResult{Contract: c, Failed: true}, nil
	}
	if !ev.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	entry := &model.LedgerEntry{
		ID:             idgen.WithPrefix(idgen.PrefixEntry),
		ContractID:     c.ID,
		Direction:      model.DirectionInbound,
		Kind:           model.KindPayment,
		Amount:         money.Round(ev.Amount, c.Currency),
		Currency:       c.Currency,
		PartyID:        c.BuyerID,
		Provider:       ev.Provider,
		ExternalRef:    ev.ExternalRef,
		IdempotencyKey: ev.IdempotencyKey,
		CreatedAt:      now,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append payment: %w", err)
	}
	totals := ledger.Fold(append(entries, entry))

	// Late grace is left to the sweep so the payment is counted once.
	res, err := s.drive(ctx, tx, c, totals, Event{Kind: EventPayment, Actor: ActorSystem, At: now, Payment: ev}, false)
	if err != nil {
		return nil, err
	}
	res.entries = append([]*model.LedgerEntry{entry}, res.entries...)
	return &PaymentResult{
		Contract:  res.contract,
		Entry:     entry,
		applied:   res,
		shortfall: ledger.DepositShortfall(res.contract, totals),
	}, nil
}

// chargeMatches reports whether ev is about the outstanding charge ch.
func chargeMatches(ch *model.ChargeRequest, ev *model.ProviderEvent) bool {
	if ch == nil || ch.Provider != ev.Provider {
		return false
	}
	if ev.ExternalRef != "" && ch.ExternalRef == ev.ExternalRef {
		return true
	}
	return ev.IdempotencyKey != "" && ch.IdempotencyKey == ev.IdempotencyKey
}

// PaymentCommitted emits the notifications and metrics for a committed
// ApplyPayment.
func (s *Service) PaymentCommitted(ctx context.Context, res *PaymentResult) {
	if res == nil || res.Duplicate || res.Ignored {
		return
	}
	c := res.Contract
	if res.Failed {
		s.notify(ctx, notify.EventPaymentFailed, c, nil, c.BuyerID)
		return
	}
	if res.applied != nil {
		res.applied.shortfall = res.shortfall
	}
	s.notify(ctx, notify.EventPaymentReceived, c, map[string]any{
		"amount":   res.Entry.Amount.String(),
		"provider": res.Entry.Provider,
	}, c.BuyerID, c.ProducerID)
	s.committed(ctx, res.applied)
}

// SweepDeadlines completes contracts whose confirmation window lapsed and,
// when the policy allows it, resolves disputes left open too long.
func (s *Service) SweepDeadlines(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()

	overdue, err := s.store.ListConfirmationOverdue(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list overdue contracts: %w", err)
	}
	for _, c := range overdue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		got, err := s.apply(ctx, c.ID, Event{Kind: EventGraceExpired, Actor: ActorSystem, At: now})
		if err != nil {
			s.logger.Warn("auto-complete failed", "contract", c.ID, "error", err)
			continue
		}
		if got.Status == model.ContractCompleted {
			res.AutoCompleted++
		}
	}

	if s.policy.DisputeAutoResolve <= 0 {
		return res, nil
	}
	disputed, err := s.store.ListContractsByStatus(ctx, model.ContractQualityDispute, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list disputed contracts: %w", err)
	}
	for _, c := range disputed {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if c.Dispute == nil || now.Sub(c.Dispute.OpenedAt) < s.policy.DisputeAutoResolve {
			continue
		}
		got, err := s.apply(ctx, c.ID, Event{
			Kind:    EventResolve,
			Actor:   ActorSystem,
			At:      now,
			Outcome: model.ContractCompleted,
			Note:    "resolved by policy after " + s.policy.DisputeAutoResolve.String(),
		})
		if err != nil {
			s.logger.Warn("dispute auto-resolve failed", "contract", c.ID, "error", err)
			continue
		}
		if got.Status == model.ContractCompleted {
			res.AutoResolved++
		}
	}
	return res, nil
}

// applied collects everything one unit of work did to a contract.
type applied struct {
	contract  *model.Contract
	outcomes  []*Outcome
	entries   []*model.LedgerEntry
	shortfall decimal.Decimal
}

// apply runs ev against contract id under the contract lock, retrying
// version conflicts with listing writers.
func (s *Service) apply(ctx context.Context, id string, ev Event) (_ *model.Contract, err error) {
	ctx, span := traces.StartSpan(ctx, "contracts."+string(ev.Kind), traces.ContractID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, LockKind, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var res *applied
	err = retry.Do(ctx, retry.Conflict(isVersionConflict), func(ctx context.Context) error {
		res = nil
		return s.store.Atomic(ctx, func(tx store.Tx) error {
			c, entries, err := load(ctx, tx, id)
			if err != nil {
				return err
			}
			r, err := s.drive(ctx, tx, c, ledger.Fold(entries), ev, true)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	if isVersionConflict(err) {
		return nil, ErrConcurrentUpdate.Wrap(err)
	}
	if err != nil {
		return nil, err
	}
	s.committed(ctx, res)
	return res.contract, nil
}

// drive applies ev to c and persists the outcome in tx. With graceFirst set,
// a contract whose confirmation window lapsed is completed before ev is
// applied, so late buyer actions see the completed contract.
func (s *Service) drive(ctx context.Context, tx store.Tx, c *model.Contract, t ledger.Totals, ev Event, graceFirst bool) (*applied, error) {
	res := &applied{contract: c}
	if graceFirst && ev.Kind != EventGraceExpired && GraceDue(c, ev.At) {
		o, err := Transition(c, t, Event{Kind: EventGraceExpired, Actor: ActorSystem, At: ev.At}, s.policy)
		if err != nil {
			return nil, err
		}
		if err := s.persist(ctx, tx, res, o, ev.At); err != nil {
			return nil, err
		}
		entries, err := tx.ListEntries(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c, t = res.contract, ledger.Fold(entries)
	}

	o, err := Transition(c, t, ev, s.policy)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, tx, res, o, ev.At); err != nil {
		return nil, err
	}
	return res, nil
}

// persist writes o's entries, contract update and listing effects.
func (s *Service) persist(ctx context.Context, tx store.Tx, res *applied, o *Outcome, at time.Time) error {
	res.outcomes = append(res.outcomes, o)
	if o.Noop {
		return nil
	}
	for _, e := range o.Entries {
		e.ID = idgen.WithPrefix(idgen.PrefixEntry)
		if err := tx.AppendEntry(ctx, e); err != nil {
			return fmt.Errorf("append %s entry: %w", e.Kind, err)
		}
		res.entries = append(res.entries, e)
	}
	if o.Changed() {
		if err := tx.UpdateContract(ctx, o.Contract); err != nil {
			return err
		}
	}
	res.contract = o.Contract

	if !o.ReleaseQuantity.IsPositive() && !o.SettleQuantity.IsPositive() {
		return nil
	}
	l, err := tx.GetListing(ctx, o.Contract.ListingID)
	if err != nil {
		return fmt.Errorf("load listing %s: %w", o.Contract.ListingID, err)
	}
	if o.ReleaseQuantity.IsPositive() {
		l.Release(o.ReleaseQuantity)
	}
	if o.SettleQuantity.IsPositive() {
		l.Settle(o.SettleQuantity)
	}
	l.UpdatedAt = at
	if err := tx.UpdateListing(ctx, l); err != nil {
		return err
	}
	if !o.ReleaseQuantity.IsPositive() {
		return nil
	}
	return clearRenegotiation(ctx, tx, l, at)
}

// clearRenegotiation unflags pending offers that fit the listing again
// after quantity was released.
func clearRenegotiation(ctx context.Context, tx store.Tx, l *model.Listing, at time.Time) error {
	offers, err := tx.ListOffersByListing(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("list offers for %s: %w", l.ID, err)
	}
	for _, of := range offers {
		if of.Status != model.OfferPending || !of.RenegotiationRequired || of.Quantity.GreaterThan(l.Remaining) {
			continue
		}
		of.RenegotiationRequired = false
		of.UpdatedAt = at
		if err := tx.UpdateOffer(ctx, of); err != nil {
			return err
		}
	}
	return nil
}

var statusEvents = map[model.ContractStatus]notify.EventType{
	model.ContractDepositPaid:          notify.EventDepositPaid,
	model.ContractInTransit:            notify.EventContractDispatched,
	model.ContractAwaitingConfirmation: notify.EventContractArrived,
	model.ContractQualityDispute:       notify.EventContractDisputed,
	model.ContractCompleted:            notify.EventContractCompleted,
	model.ContractRefunded:             notify.EventContractRefunded,
	model.ContractCancelled:            notify.EventContractCancelled,
}

// committed runs after a unit of work commits: metrics, logs and
// notifications.
func (s *Service) committed(ctx context.Context, res *applied) {
	if res == nil {
		return
	}
	ledger.RecordAppended(res.entries)
	for _, o := range res.outcomes {
		c := o.Contract
		if o.Changed() {
			metrics.ContractTransitionsTotal.WithLabelValues(string(o.From), string(o.To)).Inc()
			if o.Event == EventGraceExpired {
				metrics.ContractAutoCompletedTotal.Inc()
			}
			if o.To.IsTerminal() {
				metrics.ContractDuration.WithLabelValues(string(o.To)).Observe(c.UpdatedAt.Sub(c.CreatedAt).Seconds())
			}
			s.logger.Info("contract transition",
				"contract", c.ID, "from", o.From, "to", o.To, "event", o.Event, "entries", len(o.Entries))
			if typ, ok := statusEvents[o.To]; ok {
				s.notify(ctx, typ, c, map[string]any{"from": o.From, "to": o.To}, c.BuyerID, c.ProducerID)
			}
		}
		for _, sig := range o.Signals {
			switch sig {
			case SignalDepositInsufficient:
				s.notify(ctx, notify.EventUnderpayment, c, map[string]any{
					"depositRequired": c.DepositRequired.String(),
					"shortfall":       res.shortfall.String(),
				}, c.BuyerID)
			case SignalLatePayment:
				s.logger.Warn("payment returned on closed contract", "contract", c.ID, "status", c.Status)
				s.notify(ctx, notify.EventLatePayment, c, nil, c.BuyerID)
			}
		}
	}
}

func (s *Service) notify(ctx context.Context, typ notify.EventType, c *model.Contract, data map[string]any, parties ...string) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = c.Status
	notify.Send(ctx, s.notifier, notify.Event{
		Type:       typ,
		ListingID:  c.ListingID,
		OfferID:    c.OfferID,
		ContractID: c.ID,
		Data:       data,
	}, parties...)
}

func load(ctx context.Context, tx store.Tx, id string) (*model.Contract, []*model.LedgerEntry, error) {
	c, err := tx.GetContract(ctx, id)
	if err != nil {
		return nil, nil, mapNotFound(err)
	}
	entries, err := tx.ListEntries(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c, entries, nil
}

func isVersionConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrContractNotFound
	}
	return err
}
