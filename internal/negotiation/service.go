package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/harvestmart/internal/identity"
	"github.com/mbd888/harvestmart/internal/idgen"
	"github.com/mbd888/harvestmart/internal/metrics"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/money"
	"github.com/mbd888/harvestmart/internal/notify"
	"github.com/mbd888/harvestmart/internal/retry"
	"github.com/mbd888/harvestmart/internal/store"
	"github.com/mbd888/harvestmart/internal/syncutil"
	"github.com/mbd888/harvestmart/internal/traces"
)

const (
	lockKind        = "listing"
	defaultOfferTTL = 72 * time.Hour
	defaultUnit     = "kg"
	sweepBatch      = 500
)

// Service implements listing and offer business logic.
type Service struct {
	store    store.Store
	locks    *syncutil.EntityLocks
	parties  identity.Directory
	former   ContractFormer
	notifier notify.Notifier
	offerTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a negotiation service. parties is consulted for
// listings that require a verified buyer.
func NewService(st store.Store, locks *syncutil.EntityLocks, parties identity.Directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		locks:    locks,
		parties:  parties,
		notifier: notify.Nop{},
		offerTTL: defaultOfferTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// WithContractFormer sets the contract drafter used on acceptance.
func (s *Service) WithContractFormer(f ContractFormer) *Service {
	s.former = f
	return s
}

// WithNotifier sets the notifier for offer events.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithOfferTTL sets how long an offer stays open.
func (s *Service) WithOfferTTL(d time.Duration) *Service {
	if d > 0 {
		s.offerTTL = d
	}
	return s
}

// WithClock replaces the wall clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// --- Listings ---

// CreateListing publishes a new open listing owned by producerID.
func (s *Service) CreateListing(ctx context.Context, producerID string, req CreateListingRequest) (*model.Listing, error) {
	commodity := strings.ToLower(strings.TrimSpace(req.Commodity))
	if producerID == "" || commodity == "" {
		return nil, ErrInvalidListing
	}
	qty, err := money.Parse(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	price, err := money.Parse(req.AskPrice)
	if err != nil || !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, ErrInvalidListing.WithMessage(err.Error())
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return nil, ErrInvalidListing.WithMessage("expiresIn must be a positive duration")
		}
		t := now.Add(d)
		expiresAt = &t
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		unit = defaultUnit
	}

	l := &model.Listing{
		ID:                    idgen.WithPrefix(idgen.PrefixListing),
		ProducerID:            producerID,
		Commodity:             commodity,
		Unit:                  unit,
		Quantity:              qty,
		Remaining:             qty,
		Settled:               decimal.Zero,
		AskPrice:              price,
		Currency:              currency,
		Quality:               req.Quality,
		Location:              req.Location,
		HarvestedAt:           req.HarvestedAt,
		RequiresVerifiedBuyer: req.RequiresVerifiedBuyer,
		Status:                model.ListingOpen,
		ExpiresAt:             expiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateListing(ctx, l)
	}); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}

	metrics.ListingsCreatedTotal.WithLabelValues(commodity).Inc()
	s.logger.Info("listing created",
		"listing", l.ID, "producer", producerID, "commodity", commodity,
		"quantity", qty.String(), "currency", currency)
	return l, nil
}

// GetListing returns a listing, expiring it first if its deadline passed.
func (s *Service) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, ErrListingNotFound)
	}
	if isExpired(l, s.now()) {
		expired, _, err := s.expireListing(ctx, id)
		if err != nil {
			s.logger.Warn("lazy listing expiry failed", "listing", id, "error", err)
			return l, nil
		}
		return expired, nil
	}
	return l, nil
}

// ListListings returns listings matching f, newest first.
func (s *Service) ListListings(ctx context.Context, f store.ListingFilter) ([]*model.Listing, error) {
	return s.store.ListListings(ctx, f)
}

// WithdrawListing takes a listing off the market and declines its pending
// offers. Listings with quantity reserved by open contracts cannot be
// withdrawn.
func (s *Service) WithdrawListing(ctx context.Context, actor, id string) (*model.Listing, error) {
	unlock, err := s.locks.Lock(ctx, lockKind, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	var (
		out      *model.Listing
		declined []*model.Offer
	)
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		declined = nil
		l, err := tx.GetListing(ctx, id)
		if err != nil {
			return mapNotFound(err, ErrListingNotFound)
		}
		if l.ProducerID != actor {
			return ErrNotListingOwner
		}
		if l.Status != model.ListingOpen && l.Status != model.ListingReserved {
			return ErrListingNotOpen
		}
		if l.Quantity.Sub(l.Remaining).Sub(l.Settled).IsPositive() {
			return ErrListingReserved
		}

		l.Status = model.ListingWithdrawn
		l.UpdatedAt = now
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		offers, err := tx.ListOffersByListing(ctx, id)
		if err != nil {
			return err
		}
		for _, o := range offers {
			if o.Status != model.OfferPending {
				continue
			}
			o.Status = model.OfferDeclined
			o.UpdatedAt = now
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}
			declined = append(declined, o)
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, o := range declined {
		s.notify(ctx, notify.EventListingWithdrawn, o, o.BidderID)
	}
	s.logger.Info("listing withdrawn", "listing", id, "offers_declined", len(declined))
	return out, nil
}

// --- Offers ---

// MakeOffer places a buyer's offer on a listing.
func (s *Service) MakeOffer(ctx context.Context, bidderID, listingID string, req MakeOfferRequest) (_ *model.Offer, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.MakeOffer", traces.ListingID(listingID))
	defer func() { traces.End(span, err) }()

	qty, price, err := parseTerms(req.Quantity, req.Price)
	if err != nil {
		return nil, err
	}
	l, err := s.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if bidderID == "" {
		return nil, ErrNotParty
	}
	if l.ProducerID == bidderID {
		return nil, ErrSelfOffer
	}
	now := s.now().UTC()
	if err := checkAvailable(l, qty, now); err != nil {
		return nil, err
	}
	if l.RequiresVerifiedBuyer {
		if err := s.checkVerified(ctx, bidderID); err != nil {
			return nil, err
		}
	}

	o := &model.Offer{
		ID:         idgen.WithPrefix(idgen.PrefixOffer),
		ListingID:  l.ID,
		BidderID:   bidderID,
		ProducerID: l.ProducerID,
		ProposedBy: model.RoleBuyer,
		Quantity:   qty,
		Price:      price,
		Currency:   l.Currency,
		Status:     model.OfferPending,
		Message:    strings.TrimSpace(req.Message),
		ExpiresAt:  now.Add(s.offerTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateOffer(ctx, o)
	}); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	metrics.OffersTotal.WithLabelValues("placed").Inc()
	s.notify(ctx, notify.EventOfferReceived, o, o.ProducerID)
	s.logger.Info("offer placed",
		"offer", o.ID, "listing", l.ID, "bidder", bidderID,
		"quantity", qty.String(), "price", price.String())
	return o, nil
}

// GetOffer returns an offer visible to actor, expiring it first if its TTL
// elapsed.
func (s *Service) GetOffer(ctx context.Context, actor, id string) (*model.Offer, error) {
	o, err := s.store.GetOffer(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, ErrOfferNotFound)
	}
	if actor != o.BidderID && actor != o.ProducerID {
		return nil, ErrNotParty
	}
	if o.Status == model.OfferPending && !s.now().Before(o.ExpiresAt) {
		expired, _, err := s.expireOffer(ctx, id)
		if err != nil {
			s.logger.Warn("lazy offer expiry failed", "offer", id, "error", err)
			return o, nil
		}
		return expired, nil
	}
	return o, nil
}

// ListOffers returns the offers on a listing. The producer sees every
// offer; anyone else sees only offers they made.
func (s *Service) ListOffers(ctx context.Context, actor, listingID string) ([]*model.Offer, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, mapNotFound(err, ErrListingNotFound)
	}
	offers, err := s.store.ListOffersByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if actor == l.ProducerID {
		return offers, nil
	}
	mine := make([]*model.Offer, 0, len(offers))
	for _, o := range offers {
		if o.BidderID == actor {
			mine = append(mine, o)
		}
	}
	return mine, nil
}

// RespondToOffer applies the counterparty's accept, counter or decline.
func (s *Service) RespondToOffer(ctx context.Context, actor, offerID string, req RespondRequest) (*RespondResult, error) {
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case ActionAccept:
		return s.accept(ctx, actor, offerID)
	case ActionCounter:
		return s.counter(ctx, actor, offerID, req)
	case ActionDecline:
		return s.decline(ctx, actor, offerID)
	default:
		return nil, ErrInvalidAction
	}
}

// accept reserves the offer's quantity, marks it accepted and drafts the
// contract in one unit of work under the listing lock. Version conflicts
// from writers that do not take the lock are retried; an acceptance that
// finds too little quantity left fails with ErrInsufficientQuantity.
func (s *Service) accept(ctx context.Context, actor, offerID string) (_ *RespondResult, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Accept", traces.OfferID(offerID))
	defer func() { traces.End(span, err) }()

	if s.former == nil {
		return nil, errors.New("negotiation: no contract former configured")
	}
	head, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, mapNotFound(err, ErrOfferNotFound)
	}
	if head.Counterparty() != actor {
		return nil, ErrNotCounterparty
	}

	unlock, err := s.locks.Lock(ctx, lockKind, head.ListingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  *RespondResult
		flagged []*model.Offer
	)
	err = retry.Do(ctx, retry.Conflict(isVersionConflict), func(ctx context.Context) error {
		result, flagged = nil, nil
		now := s.now().UTC()
		return s.store.Atomic(ctx, func(tx store.Tx) error {
			o, err := tx.GetOffer(ctx, offerID)
			if err != nil {
				return mapNotFound(err, ErrOfferNotFound)
			}
			if err := checkPending(o, now); err != nil {
				return err
			}
			l, err := tx.GetListing(ctx, o.ListingID)
			if err != nil {
				return mapNotFound(err, ErrListingNotFound)
			}
			if err := checkAvailable(l, o.Quantity, now); err != nil {
				return err
			}

			l.Reserve(o.Quantity)
			l.UpdatedAt = now
			if err := tx.UpdateListing(ctx, l); err != nil {
				return err
			}

			o.Status = model.OfferAccepted
			o.UpdatedAt = now
			contract, err := s.former.Draft(ctx, tx, l, o, now)
			if err != nil {
				return fmt.Errorf("draft contract: %w", err)
			}
			o.ContractID = contract.ID
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}

			others, err := tx.ListOffersByListing(ctx, l.ID)
			if err != nil {
				return err
			}
			for _, other := range others {
				if other.ID == o.ID || other.Status != model.OfferPending || other.RenegotiationRequired {
					continue
				}
				if other.Quantity.LessThanOrEqual(l.Remaining) {
					continue
				}
				other.RenegotiationRequired = true
				other.UpdatedAt = now
				if err := tx.UpdateOffer(ctx, other); err != nil {
					return err
				}
				flagged = append(flagged, other)
			}

			result = &RespondResult{Offer: o, Contract: contract}
			return nil
		})
	})
	switch {
	case errors.Is(err, ErrInsufficientQuantity):
		metrics.AcceptConflictsTotal.Inc()
		return nil, err
	case isVersionConflict(err):
		metrics.AcceptConflictsTotal.Inc()
		return nil, ErrConcurrentUpdate.Wrap(err)
	case err != nil:
		return nil, err
	}

	o, c := result.Offer, result.Contract
	metrics.OffersTotal.WithLabelValues("accepted").Inc()
	s.notify(ctx, notify.EventOfferAccepted, o, o.Proposer())
	notify.Send(ctx, s.notifier, notify.Event{
		Type:       notify.EventContractCreated,
		ListingID:  o.ListingID,
		OfferID:    o.ID,
		ContractID: c.ID,
		Data:       map[string]any{"total": c.Total.String(), "depositRequired": c.DepositRequired.String()},
	}, c.BuyerID, c.ProducerID)
	for _, f := range flagged {
		s.notify(ctx, notify.EventRenegotiationRequired, f, f.BidderID, f.ProducerID)
	}
	s.logger.Info("offer accepted",
		"offer", o.ID, "listing", o.ListingID, "contract", c.ID,
		"quantity", o.Quantity.String(), "flagged", len(flagged))
	return result, nil
}

func (s *Service) counter(ctx context.Context, actor, offerID string, req RespondRequest) (*RespondResult, error) {
	parent, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, mapNotFound(err, ErrOfferNotFound)
	}
	if parent.Counterparty() != actor {
		return nil, ErrNotCounterparty
	}
	qty, price := parent.Quantity, parent.Price
	if req.Quantity != "" {
		if qty, err = money.Parse(req.Quantity); err != nil || !qty.IsPositive() {
			return nil, ErrInvalidQuantity
		}
	}
	if req.Price != "" {
		if price, err = money.Parse(req.Price); err != nil || !price.IsPositive() {
			return nil, ErrInvalidPrice
		}
	}

	now := s.now().UTC()
	var counter *model.Offer
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		p, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return mapNotFound(err, ErrOfferNotFound)
		}
		if err := checkPending(p, now); err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, p.ListingID)
		if err != nil {
			return mapNotFound(err, ErrListingNotFound)
		}
		if err := checkAvailable(l, qty, now); err != nil {
			return err
		}

		role := model.RoleBuyer
		if actor == p.ProducerID {
			role = model.RoleProducer
		}
		counter = &model.Offer{
			ID:            idgen.WithPrefix(idgen.PrefixOffer),
			ListingID:     p.ListingID,
			BidderID:      p.BidderID,
			ProducerID:    p.ProducerID,
			ProposedBy:    role,
			Quantity:      qty,
			Price:         price,
			Currency:      p.Currency,
			Status:        model.OfferPending,
			ParentOfferID: p.ID,
			Message:       strings.TrimSpace(req.Message),
			ExpiresAt:     now.Add(s.offerTTL),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreateOffer(ctx, counter); err != nil {
			return err
		}
		p.Status = model.OfferCountered
		p.CounteredByID = counter.ID
		p.UpdatedAt = now
		if err := tx.UpdateOffer(ctx, p); err != nil {
			return err
		}
		parent = p
		return nil
	})
	if isVersionConflict(err) {
		return nil, ErrConcurrentUpdate.Wrap(err)
	}
	if err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues("countered").Inc()
	s.notify(ctx, notify.EventOfferCountered, counter, counter.Counterparty())
	s.logger.Info("offer countered", "offer", parent.ID, "counter", counter.ID, "by", counter.ProposedBy)
	return &RespondResult{Offer: parent, Counter: counter}, nil
}

func (s *Service) decline(ctx context.Context, actor, offerID string) (*RespondResult, error) {
	o, err := s.transitionOffer(ctx, offerID, model.OfferDeclined, func(o *model.Offer) error {
		if o.Counterparty() != actor {
			return ErrNotCounterparty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues("declined").Inc()
	s.notify(ctx, notify.EventOfferDeclined, o, o.Proposer())
	return &RespondResult{Offer: o}, nil
}

// WithdrawOffer lets the proposer retract a pending offer.
func (s *Service) WithdrawOffer(ctx context.Context, actor, offerID string) (*model.Offer, error) {
	o, err := s.transitionOffer(ctx, offerID, model.OfferWithdrawn, func(o *model.Offer) error {
		if o.Proposer() != actor {
			return ErrNotProposer
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues("withdrawn").Inc()
	s.notify(ctx, notify.EventOfferWithdrawn, o, o.Counterparty())
	return o, nil
}

// transitionOffer moves a pending, unexpired offer to status after authorize
// approves the caller.
func (s *Service) transitionOffer(ctx context.Context, offerID string, status model.OfferStatus, authorize func(*model.Offer) error) (*model.Offer, error) {
	now := s.now().UTC()
	var out *model.Offer
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return mapNotFound(err, ErrOfferNotFound)
		}
		if err := authorize(o); err != nil {
			return err
		}
		if err := checkPending(o, now); err != nil {
			return err
		}
		o.Status = status
		o.UpdatedAt = now
		if err := tx.UpdateOffer(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if isVersionConflict(err) {
		return nil, ErrConcurrentUpdate.Wrap(err)
	}
	return out, err
}

// --- Expiry ---

// Sweep expires pending offers past their TTL and open listings past their
// deadline. Expiring a listing also expires its pending offers.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	offers, err := s.store.ListExpiredOffers(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list expired offers: %w", err)
	}
	for _, o := range offers {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, changed, err := s.expireOffer(ctx, o.ID)
		if err != nil {
			s.logger.Warn("offer expiry failed", "offer", o.ID, "error", err)
			continue
		}
		if changed {
			res.OffersExpired++
		}
	}

	listings, err := s.store.ListExpiredListings(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list expired listings: %w", err)
	}
	for _, l := range listings {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, n, err := s.expireListing(ctx, l.ID)
		if err != nil {
			s.logger.Warn("listing expiry failed", "listing", l.ID, "error", err)
			continue
		}
		if n >= 0 {
			res.ListingsExpired++
			res.OffersExpired += n
		}
	}
	return res, nil
}

// expireOffer marks a pending offer past its TTL as expired. changed is
// false when the offer was already resolved or is still live.
func (s *Service) expireOffer(ctx context.Context, id string) (_ *model.Offer, changed bool, err error) {
	now := s.now().UTC()
	var out *model.Offer
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		changed = false
		o, err := tx.GetOffer(ctx, id)
		if err != nil {
			return mapNotFound(err, ErrOfferNotFound)
		}
		out = o
		if o.Status != model.OfferPending || now.Before(o.ExpiresAt) {
			return nil
		}
		o.Status = model.OfferExpired
		o.UpdatedAt = now
		changed = true
		return tx.UpdateOffer(ctx, o)
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.OffersTotal.WithLabelValues("expired").Inc()
		s.notify(ctx, notify.EventOfferExpired, out, out.BidderID, out.ProducerID)
	}
	return out, changed, nil
}

// expireListing marks an open listing past its deadline as expired along
// with its pending offers. It returns the number of offers expired, or -1
// when the listing did not need expiring.
func (s *Service) expireListing(ctx context.Context, id string) (*model.Listing, int, error) {
	unlock, err := s.locks.Lock(ctx, lockKind, id)
	if err != nil {
		return nil, -1, err
	}
	defer unlock()

	now := s.now().UTC()
	var (
		out     *model.Listing
		changed bool
		expired []*model.Offer
	)
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		changed, expired = false, nil
		l, err := tx.GetListing(ctx, id)
		if err != nil {
			return mapNotFound(err, ErrListingNotFound)
		}
		out = l
		if !isExpired(l, now) {
			return nil
		}
		l.Status = model.ListingExpired
		l.UpdatedAt = now
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		changed = true
		offers, err := tx.ListOffersByListing(ctx, id)
		if err != nil {
			return err
		}
		for _, o := range offers {
			if o.Status != model.OfferPending {
				continue
			}
			o.Status = model.OfferExpired
			o.UpdatedAt = now
			if err := tx.UpdateOffer(ctx, o); err != nil {
				return err
			}
			expired = append(expired, o)
		}
		return nil
	})
	if err != nil {
		return nil, -1, err
	}
	if !changed {
		return out, -1, nil
	}

	notify.Send(ctx, s.notifier, notify.Event{Type: notify.EventListingExpired, ListingID: id}, out.ProducerID)
	for _, o := range expired {
		metrics.OffersTotal.WithLabelValues("expired").Inc()
		s.notify(ctx, notify.EventOfferExpired, o, o.BidderID)
	}
	s.logger.Info("listing expired", "listing", id, "offers_expired", len(expired))
	return out, len(expired), nil
}

// --- helpers ---

func (s *Service) checkVerified(ctx context.Context, buyerID string) error {
	if s.parties == nil {
		return ErrBuyerNotVerified
	}
	p, err := s.parties.GetParty(ctx, buyerID)
	switch {
	case errors.Is(err, identity.ErrPartyNotFound):
		return ErrBuyerNotVerified
	case err != nil:
		return err
	case !p.Verified:
		return ErrBuyerNotVerified
	}
	return nil
}

func (s *Service) notify(ctx context.Context, typ notify.EventType, o *model.Offer, parties ...string) {
	notify.Send(ctx, s.notifier, notify.Event{
		Type:       typ,
		ListingID:  o.ListingID,
		OfferID:    o.ID,
		ContractID: o.ContractID,
		Data: map[string]any{
			"quantity":   o.Quantity.String(),
			"price":      o.Price.String(),
			"currency":   o.Currency,
			"proposedBy": o.ProposedBy,
		},
	}, parties...)
}

func parseTerms(quantity, price string) (decimal.Decimal, decimal.Decimal, error) {
	qty, err := money.Parse(quantity)
	if err != nil || !qty.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidQuantity
	}
	p, err := money.Parse(price)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidPrice
	}
	return qty, p, nil
}

func checkPending(o *model.Offer, now time.Time) error {
	if o.Status != model.OfferPending {
		return ErrOfferNotPending
	}
	if !now.Before(o.ExpiresAt) {
		return ErrOfferExpired
	}
	return nil
}

// checkAvailable reports whether qty can still be taken from l.
func checkAvailable(l *model.Listing, qty decimal.Decimal, now time.Time) error {
	switch {
	case l.Status == model.ListingReserved:
		return ErrInsufficientQuantity
	case !l.Status.AcceptsOffers() || pastExpiry(l, now):
		return ErrListingNotOpen
	case qty.GreaterThan(l.Remaining):
		return ErrInsufficientQuantity
	}
	return nil
}

func pastExpiry(l *model.Listing, now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

func isExpired(l *model.Listing, now time.Time) bool {
	return l.Status == model.ListingOpen && pastExpiry(l, now)
}

func isVersionConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}

func mapNotFound(err, target error) error {
	if errors.Is(err, store.ErrNotFound) {
		return target
	}
	return err
}
