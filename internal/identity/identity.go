// Package identity resolves parties (producers and buyers) from the
// external identity service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/circuitbreaker"
	"github.com/mbd888/harvestmart/internal/model"
)

var (
	ErrPartyNotFound = apperr.NotFound("party_not_found", "party not found")
	ErrUnavailable   = apperr.Provider("identity_unavailable", "identity service unavailable")
)

// Directory looks up parties.
type Directory interface {
	GetParty(ctx context.Context, id string) (*model.Party, error)
}

// StaticDirectory is an in-memory directory, used in development and tests.
type StaticDirectory struct {
	mu      sync.RWMutex
	parties map[string]*model.Party
	// Open makes unknown ids resolve to an unverified party instead of
	// ErrPartyNotFound.
	Open bool
}

// NewStaticDirectory creates a directory holding ps.
func NewStaticDirectory(ps ...*model.Party) *StaticDirectory {
	d := &StaticDirectory{parties: make(map[string]*model.Party)}
	for _, p := range ps {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a party.
func (d *StaticDirectory) Put(p *model.Party) {
	d.mu.Lock()
	cp := *p
	d.parties[p.ID] = &cp
	d.mu.Unlock()
}

func (d *StaticDirectory) GetParty(_ context.Context, id string) (*model.Party, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.parties[id]; ok {
		cp := *p
		return &cp, nil
	}
	if d.Open && id != "" {
		return &model.Party{ID: id}, nil
	}
	return nil, ErrPartyNotFound
}

// HTTPDirectory calls GET {base}/parties/{id} on the identity service.
// Results are cached for ttl.
type HTTPDirectory struct {
	base    string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedParty
}

type cachedParty struct {
	party   model.Party
	expires time.Time
}

// NewHTTPDirectory creates a directory backed by the identity service.
func NewHTTPDirectory(base string, timeout, ttl time.Duration, breaker *circuitbreaker.Breaker) *HTTPDirectory {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPDirectory{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cachedParty),
	}
}

func (d *HTTPDirectory) GetParty(ctx context.Context, id string) (*model.Party, error) {
	if id == "" {
		return nil, ErrPartyNotFound
	}
	d.mu.Lock()
	if c, ok := d.cache[id]; ok && d.now().Before(c.expires) {
		d.mu.Unlock()
		p := c.party
		return &p, nil
	}
	d.mu.Unlock()

	var party model.Party
	countable := func(err error) bool { return !errors.Is(err, ErrPartyNotFound) }
	err := d.breaker.Do(ctx, "identity", countable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/parties/"+url.PathEscape(id), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrPartyNotFound
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("identity: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&party)
	})
	switch {
	case errors.Is(err, ErrPartyNotFound):
		return nil, err
	case err != nil:
		return nil, ErrUnavailable.Wrap(err)
	}
	if party.ID == "" {
		party.ID = id
	}

	if d.ttl > 0 {
		d.mu.Lock()
		d.cache[id] = cachedParty{party: party, expires: d.now().Add(d.ttl)}
		d.mu.Unlock()
	}
	return &party, nil
}
