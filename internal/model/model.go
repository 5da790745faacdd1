// Package model defines the records shared by the negotiation engine, the
// contract state machine, the escrow ledger and the webhook reconciler.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingOpen      ListingStatus = "open"
	ListingReserved  ListingStatus = "reserved"
	ListingSoldOut   ListingStatus = "sold_out"
	ListingExpired   ListingStatus = "expired"
	ListingWithdrawn ListingStatus = "withdrawn"
)

// AcceptsOffers reports whether new offers may be placed.
func (s ListingStatus) AcceptsOffers() bool { return s == ListingOpen }

// Location is where a lot is held.
type Location struct {
	Region string  `json:"region"`
	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
}

// Listing is a producer's lot offered for sale.
type Listing struct {
	ID                    string            `json:"id"`
	ProducerID            string            `json:"producerId"`
	Commodity             string            `json:"commodity"`
	Unit                  string            `json:"unit"`
	Quantity              decimal.Decimal   `json:"quantity"`
	Remaining             decimal.Decimal   `json:"remaining"`
	Settled               decimal.Decimal   `json:"settled"`
	AskPrice              decimal.Decimal   `json:"askPrice"`
	Currency              string            `json:"currency"`
	Quality               map[string]string `json:"quality,omitempty"`
	Location              Location          `json:"location"`
	HarvestedAt           *time.Time        `json:"harvestedAt,omitempty"`
	RequiresVerifiedBuyer bool              `json:"requiresVerifiedBuyer"`
	Status                ListingStatus     `json:"status"`
	ExpiresAt             *time.Time        `json:"expiresAt,omitempty"`
	Version               int64             `json:"version"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// Reserve takes qty out of the unreserved remainder.
func (l *Listing) Reserve(qty decimal.Decimal) {
	l.Remaining = l.Remaining.Sub(qty)
	l.refreshStatus()
}

// Release returns qty to the unreserved remainder (cancelled contract).
func (l *Listing) Release(qty decimal.Decimal) {
	l.Remaining = l.Remaining.Add(qty)
	if l.Remaining.GreaterThan(l.Quantity) {
		l.Remaining = l.Quantity
	}
	l.refreshStatus()
}

// Settle records qty as delivered or otherwise closed out by a terminal
// contract.
func (l *Listing) Settle(qty decimal.Decimal) {
	l.Settled = l.Settled.Add(qty)
	l.refreshStatus()
}

func (l *Listing) refreshStatus() {
	switch l.Status {
	case ListingOpen, ListingReserved:
	default:
		return
	}
	switch {
	case l.Settled.GreaterThanOrEqual(l.Quantity):
		l.Status = ListingSoldOut
	case l.Remaining.IsPositive():
		l.Status = ListingOpen
	default:
		l.Status = ListingReserved
	}
}

// Clone returns a deep copy.
func (l *Listing) Clone() *Listing {
	cp := *l
	if l.Quality != nil {
		cp.Quality = make(map[string]string, len(l.Quality))
		for k, v := range l.Quality {
			cp.Quality[k] = v
		}
	}
	cp.HarvestedAt = cloneTime(l.HarvestedAt)
	cp.ExpiresAt = cloneTime(l.ExpiresAt)
	return &cp
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferCountered OfferStatus = "countered"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
)

// IsTerminal reports whether the offer can no longer change.
func (s OfferStatus) IsTerminal() bool { return s != OfferPending }

// Role is the side a party takes in a negotiation.
type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleProducer Role = "producer"
)

// Offer is a bid, or counter-bid, on a listing.
type Offer struct {
	ID                    string          `json:"id"`
	ListingID             string          `json:"listingId"`
	BidderID              string          `json:"bidderId"`
	ProducerID            string          `json:"producerId"`
	ProposedBy            Role            `json:"proposedBy"`
	Quantity              decimal.Decimal `json:"quantity"`
	Price                 decimal.Decimal `json:"price"`
	Currency              string          `json:"currency"`
	Status                OfferStatus     `json:"status"`
	ParentOfferID         string          `json:"parentOfferId,omitempty"`
	CounteredByID         string          `json:"counteredById,omitempty"`
	RenegotiationRequired bool            `json:"renegotiationRequired"`
	Message               string          `json:"message,omitempty"`
	ContractID            string          `json:"contractId,omitempty"`
	ExpiresAt             time.Time       `json:"expiresAt"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Proposer returns the party id that made this offer.
func (o *Offer) Proposer() string {
	if o.ProposedBy == RoleProducer {
		return o.ProducerID
	}
	return o.BidderID
}

// Counterparty returns the party id expected to respond.
func (o *Offer) Counterparty() string {
	if o.ProposedBy == RoleProducer {
		return o.BidderID
	}
	return o.ProducerID
}

// Total is quantity times unit price.
func (o *Offer) Total() decimal.Decimal { return o.Quantity.Mul(o.Price) }

// Clone returns a copy.
func (o *Offer) Clone() *Offer {
	cp := *o
	return &cp
}

// ContractStatus is the escrow lifecycle state of a contract.
type ContractStatus string

const (
	ContractPendingDeposit       ContractStatus = "pending_deposit"
	ContractDepositPaid          ContractStatus = "deposit_paid"
	ContractInTransit            ContractStatus = "in_transit"
	ContractAwaitingConfirmation ContractStatus = "awaiting_confirmation"
	ContractQualityDispute       ContractStatus = "quality_dispute"
	ContractCompleted            ContractStatus = "completed"
	ContractRefunded             ContractStatus = "refunded"
	ContractCancelled            ContractStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ContractStatus) IsTerminal() bool {
	return s == ContractCompleted || s == ContractRefunded || s == ContractCancelled
}

// Rank orders statuses along the lifecycle. Transitions never decrease it.
func (s ContractStatus) Rank() int {
	switch s {
	case ContractPendingDeposit:
		return 0
	case ContractDepositPaid:
		return 1
	case ContractInTransit:
		return 2
	case ContractAwaitingConfirmation:
		return 3
	case ContractQualityDispute:
		return 4
	case ContractCompleted, ContractRefunded, ContractCancelled:
		return 5
	default:
		return -1
	}
}

// Delivery tracks shipment progress.
type Delivery struct {
	Carrier      string     `json:"carrier,omitempty"`
	TrackingRef  string     `json:"trackingRef,omitempty"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	ArrivedAt    *time.Time `json:"arrivedAt,omitempty"`
	ProofRef     string     `json:"proofRef,omitempty"`
}

// Dispute records a quality dispute and its resolution.
type Dispute struct {
	Reason        string           `json:"reason"`
	OpenedBy      string           `json:"openedBy"`
	OpenedAt      time.Time        `json:"openedAt"`
	Outcome       ContractStatus   `json:"outcome,omitempty"`
	ProducerShare *decimal.Decimal `json:"producerShare,omitempty"`
	ResolvedBy    string           `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time       `json:"resolvedAt,omitempty"`
	Note          string           `json:"note,omitempty"`
}

// ChargeRequest is operational metadata for the last deposit charge sent
// to a money provider. It never influences the contract status.
type ChargeRequest struct {
	Provider       string          `json:"provider"`
	ExternalRef    string          `json:"externalRef,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Amount         decimal.Decimal `json:"amount"`
	RequestedAt    time.Time       `json:"requestedAt"`
	CheckoutURL    string          `json:"checkoutUrl,omitempty"`
}

// Transition is one entry of a contract's audit trail.
type Transition struct {
	From  ContractStatus `json:"from"`
	To    ContractStatus `json:"to"`
	Event string         `json:"event"`
	Actor string         `json:"actor,omitempty"`
	At    time.Time      `json:"at"`
}

// Contract binds a buyer and a producer to an accepted offer.
type Contract struct {
	ID              string          `json:"id"`
	ListingID       string          `json:"listingId"`
	OfferID         string          `json:"offerId"`
	BuyerID         string          `json:"buyerId"`
	ProducerID      string          `json:"producerId"`
	Commodity       string          `json:"commodity"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	Currency        string          `json:"currency"`
	Total           decimal.Decimal `json:"total"`
	DepositFraction decimal.Decimal `json:"depositFraction"`
	DepositRequired decimal.Decimal `json:"depositRequired"`
	FeeRate         decimal.Decimal `json:"feeRate"`
	Status          ContractStatus  `json:"status"`
	Delivery        Delivery        `json:"delivery"`
	Dispute         *Dispute        `json:"dispute,omitempty"`
	Charge          *ChargeRequest  `json:"charge,omitempty"`
	ChargeAttempts  int             `json:"chargeAttempts"`
	ConfirmBy       *time.Time      `json:"confirmBy,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	History         []Transition    `json:"history"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsParty reports whether partyID is the buyer or the producer.
func (c *Contract) IsParty(partyID string) bool {
	return partyID != "" && (partyID == c.BuyerID || partyID == c.ProducerID)
}

// Clone returns a deep copy.
func (c *Contract) Clone() *Contract {
	cp := *c
	cp.Delivery.DispatchedAt = cloneTime(c.Delivery.DispatchedAt)
	cp.Delivery.ArrivedAt = cloneTime(c.Delivery.ArrivedAt)
	cp.ConfirmBy = cloneTime(c.ConfirmBy)
	if c.Dispute != nil {
		d := *c.Dispute
		d.ResolvedAt = cloneTime(c.Dispute.ResolvedAt)
		if c.Dispute.ProducerShare != nil {
			s := *c.Dispute.ProducerShare
			d.ProducerShare = &s
		}
		cp.Dispute = &d
	}
	if c.Charge != nil {
		ch := *c.Charge
		cp.Charge = &ch
	}
	cp.History = append([]Transition(nil), c.History...)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
