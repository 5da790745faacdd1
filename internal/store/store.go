// Package store persists listings, offers, contracts and the append-only
// escrow ledger. All mutations happen inside Atomic units of work; mutable
// rows are updated by compare-and-swap on their version.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/pagination"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrDuplicateEntry  = errors.New("store: duplicate ledger entry")
	ErrAlreadyExists   = errors.New("store: record already exists")
)

// ListingFilter narrows ListListings.
type ListingFilter struct {
	Commodity  string
	Region     string
	ProducerID string
	Status     model.ListingStatus
	Limit      int
	// After resumes a newest-first scan past a previous page.
	After *pagination.Cursor
}

// Reader is the read side, usable outside a unit of work.
type Reader interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	ListListings(ctx context.Context, f ListingFilter) ([]*model.Listing, error)
	ListExpiredListings(ctx context.Context, before time.Time, limit int) ([]*model.Listing, error)

	GetOffer(ctx context.Context, id string) (*model.Offer, error)
	ListOffersByListing(ctx context.Context, listingID string) ([]*model.Offer, error)
	ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*model.Offer, error)

	GetContract(ctx context.Context, id string) (*model.Contract, error)
	ListContractsByParty(ctx context.Context, partyID string, limit int) ([]*model.Contract, error)
	// ListContractsByStatus returns contracts in status, oldest update first.
	ListContractsByStatus(ctx context.Context, status model.ContractStatus, limit int) ([]*model.Contract, error)
	// ListConfirmationOverdue returns awaiting_confirmation contracts whose
	// confirmation deadline is at or before the given time.
	ListConfirmationOverdue(ctx context.Context, asOf time.Time, limit int) ([]*model.Contract, error)

	ListEntries(ctx context.Context, contractID string) ([]*model.LedgerEntry, error)
	ListQuarantined(ctx context.Context, limit int) ([]*model.QuarantinedEvent, error)
}

// Tx is a unit of work. Reads inside a Tx see the Tx's own writes. Updates
// succeed only if the record's Version still equals the version the caller
// read; on success the passed record's Version is incremented.
// Ledger entries can only be appended.
type Tx interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	GetOffer(ctx context.Context, id string) (*model.Offer, error)
	ListOffersByListing(ctx context.Context, listingID string) ([]*model.Offer, error)
	GetContract(ctx context.Context, id string) (*model.Contract, error)
	ListEntries(ctx context.Context, contractID string) ([]*model.LedgerEntry, error)
	HasEntry(ctx context.Context, provider, externalRef string) (bool, error)

	CreateListing(ctx context.Context, l *model.Listing) error
	UpdateListing(ctx context.Context, l *model.Listing) error
	CreateOffer(ctx context.Context, o *model.Offer) error
	UpdateOffer(ctx context.Context, o *model.Offer) error
	CreateContract(ctx context.Context, c *model.Contract) error
	UpdateContract(ctx context.Context, c *model.Contract) error
	AppendEntry(ctx context.Context, e *model.LedgerEntry) error
}

// Store is the full persistence contract.
type Store interface {
	Reader
	// Atomic runs fn as one unit of work. If fn returns an error, or the
	// commit detects a conflicting write, nothing fn did is persisted.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Quarantine(ctx context.Context, q *model.QuarantinedEvent) error
	Ping(ctx context.Context) error
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
