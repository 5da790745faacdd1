// Package negotiation runs the produce marketplace's listing and offer
// workflow: producers publish listings, buyers make offers, either side may
// counter, and acceptance reserves quantity and drafts a contract in the
// same unit of work.
package negotiation

import (
	"context"
	"time"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/store"
)

var (
	ErrListingNotFound = apperr.NotFound("listing_not_found", "listing not found")
	ErrOfferNotFound   = apperr.NotFound("offer_not_found", "offer not found")

	ErrListingNotOpen       = apperr.Conflict("listing_not_open", "listing is not accepting offers")
	ErrInsufficientQuantity = apperr.Conflict("insufficient_quantity", "listing has too little unreserved quantity")
	ErrOfferNotPending      = apperr.Conflict("offer_not_pending", "offer is no longer pending")
	ErrOfferExpired         = apperr.Conflict("offer_expired", "offer has expired")
	ErrListingReserved      = apperr.Conflict("listing_has_reservations", "listing has quantity reserved by open contracts")
	ErrConcurrentUpdate     = apperr.Conflict("concurrent_update", "listing changed concurrently, retry")

	ErrNotCounterparty  = apperr.Policy("not_counterparty", "only the counterparty may respond to this offer")
	ErrNotProposer      = apperr.Policy("not_proposer", "only the proposer may withdraw this offer")
	ErrNotListingOwner  = apperr.Policy("not_listing_owner", "only the producer may manage this listing")
	ErrNotParty         = apperr.Policy("not_party", "caller is not a party to this offer")
	ErrBuyerNotVerified = apperr.Policy("buyer_not_verified", "listing requires a verified buyer")

	ErrSelfOffer       = apperr.Validation("self_offer", "producers cannot make offers on their own listing")
	ErrInvalidAction   = apperr.Validation("invalid_action", "action must be accept, counter or decline")
	ErrInvalidQuantity = apperr.Validation("invalid_quantity", "quantity must be a positive number")
	ErrInvalidPrice    = apperr.Validation("invalid_price", "price must be a positive number")
	ErrInvalidListing  = apperr.Validation("invalid_listing", "listing is missing required fields")
)

// Offer responses.
const (
	ActionAccept  = "accept"
	ActionCounter = "counter"
	ActionDecline = "decline"
)

// ContractFormer drafts the contract for an accepted offer. Draft runs
// inside the acceptance unit of work and must create the contract through
// tx, so the reservation, the accepted offer and the contract commit
// together or not at all.
type ContractFormer interface {
	Draft(ctx context.Context, tx store.Tx, listing *model.Listing, offer *model.Offer, now time.Time) (*model.Contract, error)
}

// CreateListingRequest is the body of POST /listings.
type CreateListingRequest struct {
	Commodity             string            `json:"commodity" binding:"required"`
	Unit                  string            `json:"unit"`
	Quantity              string            `json:"quantity" binding:"required"`
	AskPrice              string            `json:"askPrice" binding:"required"`
	Currency              string            `json:"currency" binding:"required"`
	Quality               map[string]string `json:"quality"`
	Location              model.Location    `json:"location"`
	HarvestedAt           *time.Time        `json:"harvestedAt"`
	RequiresVerifiedBuyer bool              `json:"requiresVerifiedBuyer"`
	ExpiresIn             string            `json:"expiresIn"` // Go duration, e.g. "168h"
}

// MakeOfferRequest is the body of POST /listings/:id/offers.
type MakeOfferRequest struct {
	Quantity string `json:"quantity" binding:"required"`
	Price    string `json:"price" binding:"required"`
	Message  string `json:"message"`
}

// RespondRequest is the body of POST /offers/:id/respond. Quantity and
// Price are only read for counters and default to the countered offer's.
type RespondRequest struct {
	Action   string `json:"action" binding:"required"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Message  string `json:"message"`
}

// RespondResult carries whatever a response produced.
type RespondResult struct {
	Offer    *model.Offer    `json:"offer"`
	Counter  *model.Offer    `json:"counter,omitempty"`
	Contract *model.Contract `json:"contract,omitempty"`
}

// SweepResult counts what one expiry sweep changed.
type SweepResult struct {
	OffersExpired   int `json:"offersExpired"`
	ListingsExpired int `json:"listingsExpired"`
}
