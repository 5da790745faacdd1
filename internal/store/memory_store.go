package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/harvestmart/internal/model"
)

// MemoryStore is an in-memory Store for demo/development mode and tests.
// Units of work buffer their writes and validate record versions at
// commit, so two Atomic calls touching different entities never block each
// other and a lost race surfaces as ErrVersionConflict.
type MemoryStore struct {
	mu         sync.RWMutex
	listings   map[string]*model.Listing
	offers     map[string]*model.Offer
	contracts  map[string]*model.Contract
	entries    map[string][]*model.LedgerEntry // contract id -> entries in append order
	entryKeys  map[string]struct{}
	quarantine []*model.QuarantinedEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[string]*model.Listing),
		offers:    make(map[string]*model.Offer),
		contracts: make(map[string]*model.Contract),
		entries:   make(map[string][]*model.LedgerEntry),
		entryKeys: make(map[string]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(context.Context) error { return nil }

// --- Reader ---

func (m *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryStore) ListListings(_ context.Context, f ListingFilter) ([]*model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Listing
	for _, l := range m.listings {
		if f.Commodity != "" && !strings.EqualFold(l.Commodity, f.Commodity) {
			continue
		}
		if f.Region != "" && !strings.EqualFold(l.Location.Region, f.Region) {
			continue
		}
		if f.ProducerID != "" && l.ProducerID != f.ProducerID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if !f.After.Before(l.CreatedAt, l.ID) {
			continue
		}
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit := clampLimit(f.Limit, 50, 201); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredListings(_ context.Context, before time.Time, limit int) ([]*model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Listing
	for _, l := range m.listings {
		if l.Status == model.ListingOpen && l.ExpiresAt != nil && l.ExpiresAt.Before(before) {
			result = append(result, l.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	if limit = clampLimit(limit, 100, 1000); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOffersByListing(_ context.Context, listingID string) ([]*model.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offersForListing(listingID), nil
}

// offersForListing must be called with m.mu held.
func (m *MemoryStore) offersForListing(listingID string) []*model.Offer {
	var result []*model.Offer
	for _, o := range m.offers {
		if o.ListingID == listingID {
			result = append(result, o.Clone())
		}
	}
	sortOffers(result)
	return result
}

func (m *MemoryStore) ListExpiredOffers(_ context.Context, before time.Time, limit int) ([]*model.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Offer
	for _, o := range m.offers {
		if o.Status == model.OfferPending && o.ExpiresAt.Before(before) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit = clampLimit(limit, 100, 1000); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListContractsByParty(_ context.Context, partyID string, limit int) ([]*model.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Contract
	for _, c := range m.contracts {
		if c.BuyerID == partyID || c.ProducerID == partyID {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit = clampLimit(limit, 50, 200); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListContractsByStatus(_ context.Context, status model.ContractStatus, limit int) ([]*model.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Contract
	for _, c := range m.contracts {
		if c.Status == status {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit = clampLimit(limit, 100, 1000); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListConfirmationOverdue(_ context.Context, before time.Time, limit int) ([]*model.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Contract
	for _, c := range m.contracts {
		if c.Status == model.ContractAwaitingConfirmation && c.ConfirmBy != nil && !c.ConfirmBy.After(before) {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConfirmBy.Before(*result[j].ConfirmBy)
	})
	if limit = clampLimit(limit, 100, 1000); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, contractID string) ([]*model.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneEntries(m.entries[contractID]), nil
}

func (m *MemoryStore) ListQuarantined(_ context.Context, limit int) ([]*model.QuarantinedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit, 50, 200)
	result := make([]*model.QuarantinedEvent, 0, limit)
	for i := len(m.quarantine) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *m.quarantine[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Quarantine(_ context.Context, q *model.QuarantinedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.quarantine = append(m.quarantine, &cp)
	return nil
}

// --- Units of work ---

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:         m,
		listings:  make(map[string]*pending[*model.Listing]),
		offers:    make(map[string]*pending[*model.Offer]),
		contracts: make(map[string]*pending[*model.Contract]),
		entryKeys: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// pending is a buffered write. expected is the committed version the write
// was based on; create writes require that no committed record exists.
type pending[T any] struct {
	rec      T
	expected int64
	create   bool
}

type memTx struct {
	s         *MemoryStore
	listings  map[string]*pending[*model.Listing]
	offers    map[string]*pending[*model.Offer]
	contracts map[string]*pending[*model.Contract]
	entries   []*model.LedgerEntry
	entryKeys map[string]struct{}
}

func (t *memTx) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	if p, ok := t.listings[id]; ok {
		return p.rec.Clone(), nil
	}
	return t.s.GetListing(ctx, id)
}

func (t *memTx) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	if p, ok := t.offers[id]; ok {
		return p.rec.Clone(), nil
	}
	return t.s.GetOffer(ctx, id)
}

func (t *memTx) ListOffersByListing(_ context.Context, listingID string) ([]*model.Offer, error) {
	t.s.mu.RLock()
	committed := t.s.offersForListing(listingID)
	t.s.mu.RUnlock()

	result := make([]*model.Offer, 0, len(committed))
	for _, o := range committed {
		if p, ok := t.offers[o.ID]; ok {
			result = append(result, p.rec.Clone())
			continue
		}
		result = append(result, o)
	}
	for _, p := range t.offers {
		if p.create && p.rec.ListingID == listingID {
			result = append(result, p.rec.Clone())
		}
	}
	sortOffers(result)
	return result, nil
}

func (t *memTx) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	if p, ok := t.contracts[id]; ok {
		return p.rec.Clone(), nil
	}
	return t.s.GetContract(ctx, id)
}

func (t *memTx) ListEntries(ctx context.Context, contractID string) ([]*model.LedgerEntry, error) {
	result, _ := t.s.ListEntries(ctx, contractID)
	for _, e := range t.entries {
		if e.ContractID == contractID {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

func (t *memTx) HasEntry(_ context.Context, provider, externalRef string) (bool, error) {
	key := provider + "|" + externalRef
	if _, ok := t.entryKeys[key]; ok {
		return true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.entryKeys[key]
	return ok, nil
}

func (t *memTx) CreateListing(_ context.Context, l *model.Listing) error {
	if _, ok := t.listings[l.ID]; ok {
		return ErrAlreadyExists
	}
	t.listings[l.ID] = &pending[*model.Listing]{rec: l.Clone(), create: true}
	return nil
}

func (t *memTx) UpdateListing(_ context.Context, l *model.Listing) error {
	p, err := stage(t.listings, l.ID, l.Version)
	if err != nil {
		return err
	}
	l.Version++
	p.rec = l.Clone()
	return nil
}

func (t *memTx) CreateOffer(_ context.Context, o *model.Offer) error {
	if _, ok := t.offers[o.ID]; ok {
		return ErrAlreadyExists
	}
	t.offers[o.ID] = &pending[*model.Offer]{rec: o.Clone(), create: true}
	return nil
}

func (t *memTx) UpdateOffer(_ context.Context, o *model.Offer) error {
	p, err := stage(t.offers, o.ID, o.Version)
	if err != nil {
		return err
	}
	o.Version++
	p.rec = o.Clone()
	return nil
}

func (t *memTx) CreateContract(_ context.Context, c *model.Contract) error {
	if _, ok := t.contracts[c.ID]; ok {
		return ErrAlreadyExists
	}
	t.contracts[c.ID] = &pending[*model.Contract]{rec: c.Clone(), create: true}
	return nil
}

func (t *memTx) UpdateContract(_ context.Context, c *model.Contract) error {
	p, err := stage(t.contracts, c.ID, c.Version)
	if err != nil {
		return err
	}
	c.Version++
	p.rec = c.Clone()
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e *model.LedgerEntry) error {
	key := e.DedupKey()
	if _, ok := t.entryKeys[key]; ok {
		return ErrDuplicateEntry
	}
	t.entryKeys[key] = struct{}{}
	t.entries = append(t.entries, e.Clone())
	return nil
}

// stage finds or creates the buffered write for id. version is the version
// the caller read; it must match the buffered record if one exists.
func stage[T any](m map[string]*pending[T], id string, version int64) (*pending[T], error) {
	p, ok := m[id]
	if !ok {
		p = &pending[T]{expected: version}
		m[id] = p
		return p, nil
	}
	if v := versionOf(p.rec); v != version {
		return nil, ErrVersionConflict
	}
	return p, nil
}

func versionOf(rec any) int64 {
	switch r := rec.(type) {
	case *model.Listing:
		return r.Version
	case *model.Offer:
		return r.Version
	case *model.Contract:
		return r.Version
	}
	return -1
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validate(s.listings, t.listings, func(l *model.Listing) int64 { return l.Version }); err != nil {
		return fmt.Errorf("listing: %w", err)
	}
	if err := validate(s.offers, t.offers, func(o *model.Offer) int64 { return o.Version }); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	if err := validate(s.contracts, t.contracts, func(c *model.Contract) int64 { return c.Version }); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	for _, e := range t.entries {
		if _, dup := s.entryKeys[e.DedupKey()]; dup {
			return ErrDuplicateEntry
		}
		if _, ok := s.contracts[e.ContractID]; !ok {
			if _, creating := t.contracts[e.ContractID]; !creating {
				return fmt.Errorf("ledger entry for contract %s: %w", e.ContractID, ErrNotFound)
			}
		}
	}

	for id, p := range t.listings {
		s.listings[id] = p.rec
	}
	for id, p := range t.offers {
		s.offers[id] = p.rec
	}
	for id, p := range t.contracts {
		s.contracts[id] = p.rec
	}
	for _, e := range t.entries {
		s.entries[e.ContractID] = append(s.entries[e.ContractID], e)
		s.entryKeys[e.DedupKey()] = struct{}{}
	}
	return nil
}

func validate[T any](committed map[string]T, writes map[string]*pending[T], version func(T) int64) error {
	for id, p := range writes {
		cur, exists := committed[id]
		switch {
		case p.create && exists:
			return fmt.Errorf("%s: %w", id, ErrAlreadyExists)
		case p.create:
		case !exists:
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		case version(cur) != p.expected:
			return fmt.Errorf("%s: %w", id, ErrVersionConflict)
		}
	}
	return nil
}

func sortOffers(offers []*model.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].ID < offers[j].ID
		}
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}

func cloneEntries(in []*model.LedgerEntry) []*model.LedgerEntry {
	out := make([]*model.LedgerEntry, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
