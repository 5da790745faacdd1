package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/circuitbreaker"
)

var (
	ErrSnapshotNotFound    = apperr.NotFound("snapshot_not_found", "no regional data for commodity")
	ErrRegionalUnavailable = apperr.Provider("regional_data_unavailable", "regional data service unavailable")
)

// Source supplies regional snapshots.
type Source interface {
	Snapshot(ctx context.Context, commodity, region string) (*Snapshot, error)
}

func snapshotKey(commodity, region string) string {
	return strings.ToLower(commodity) + "/" + strings.ToLower(region)
}

// StaticSource serves snapshots from memory. It backs tests and
// deployments without a regional data service.
type StaticSource struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewStaticSource creates a source holding the given snapshots.
func NewStaticSource(snaps ...Snapshot) *StaticSource {
	s := &StaticSource{snaps: make(map[string]Snapshot)}
	for _, sn := range snaps {
		s.Put(sn)
	}
	return s
}

// Put adds or replaces a snapshot.
func (s *StaticSource) Put(sn Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn.PriceHistory = append([]PricePoint(nil), sn.PriceHistory...)
	s.snaps[snapshotKey(sn.Commodity, sn.Region)] = sn
}

func (s *StaticSource) Snapshot(_ context.Context, commodity, region string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sn, ok := s.snaps[snapshotKey(commodity, region)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	sn.PriceHistory = append([]PricePoint(nil), sn.PriceHistory...)
	return &sn, nil
}

// HTTPSource calls GET {base}/snapshots/{commodity}/{region} on the
// regional data service.
type HTTPSource struct {
	base    string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPSource creates a source backed by the regional data service.
func NewHTTPSource(base string, timeout time.Duration, breaker *circuitbreaker.Breaker) *HTTPSource {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPSource{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (s *HTTPSource) Snapshot(ctx context.Context, commodity, region string) (*Snapshot, error) {
	var snap Snapshot
	countable := func(err error) bool { return !errors.Is(err, ErrSnapshotNotFound) }
	err := s.breaker.Do(ctx, "regional", countable, func(ctx context.Context) error {
		u := s.base + "/snapshots/" + url.PathEscape(commodity) + "/" + url.PathEscape(region)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrSnapshotNotFound
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("regional data: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&snap)
	})
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		return nil, err
	case err != nil:
		return nil, ErrRegionalUnavailable.Wrap(err)
	}
	if snap.Commodity == "" {
		snap.Commodity = commodity
	}
	if snap.Region == "" {
		snap.Region = region
	}
	return &snap, nil
}

const gatherLimit = 8

// Gather fetches one snapshot per region concurrently. Regions without data
// are left out; any other failure fails the whole call. The result is in
// region order.
func Gather(ctx context.Context, src Source, commodity string, regions []string) ([]*Snapshot, error) {
	out := make([]*Snapshot, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(gatherLimit)
	for i, region := range regions {
		g.Go(func() error {
			snap, err := src.Snapshot(ctx, commodity, region)
			if errors.Is(err, ErrSnapshotNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("snapshot %s/%s: %w", commodity, region, err)
			}
			out[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snaps := out[:0]
	for _, sn := range out {
		if sn != nil {
			snaps = append(snaps, sn)
		}
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Region < snaps[j].Region })
	return snaps, nil
}
