package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/metrics"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/store"
	"github.com/mbd888/harvestmart/internal/traces"
)

var (
	ErrListingNotFound = apperr.NotFound("listing_not_found", "listing not found")
	ErrInvalidRequest  = apperr.Validation("invalid_request", "invalid recommendation request")
	ErrNoCandidates    = apperr.Validation("no_candidate_regions", "no candidate regions to compare")
)

// Run results recorded in metrics.
const (
	runSellNow = "sell_now"
	runWait    = "wait"
	runNoData  = "no_data"
	runError   = "error"
)

// ListingReader loads listings.
type ListingReader interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
}

// RecommendRequest describes a lot that is not (yet) listed.
type RecommendRequest struct {
	Commodity   string         `json:"commodity" binding:"required"`
	Origin      model.Location `json:"origin"`
	Quantity    string         `json:"quantity"`
	AskPrice    string         `json:"askPrice"`
	HarvestedAt *time.Time     `json:"harvestedAt,omitempty"`
	Regions     []string       `json:"regions,omitempty"`
}

// Service gathers regional data and runs Recommend.
type Service struct {
	listings ListingReader
	source   Source
	params   Params
	regions  []string
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates an optimizer service. regions are compared for every
// request in addition to the lot's own region and any the caller names.
func NewService(listings ListingReader, source Source, params Params, regions []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		listings: listings,
		source:   source,
		params:   params,
		regions:  normalizeRegions(regions),
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ForListing recommends where and when to sell a listing's remainder.
func (s *Service) ForListing(ctx context.Context, listingID string, regions []string) (*Recommendation, error) {
	l, err := s.listings.GetListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.recommend(ctx, l.ID, RecommendRequest{
		Commodity:   l.Commodity,
		Origin:      l.Location,
		Quantity:    l.Remaining.String(),
		AskPrice:    l.AskPrice.String(),
		HarvestedAt: l.HarvestedAt,
		Regions:     regions,
	})
}

// Recommend advises on an unlisted lot.
func (s *Service) Recommend(ctx context.Context, req RecommendRequest) (*Recommendation, error) {
	if strings.TrimSpace(req.Commodity) == "" {
		return nil, ErrInvalidRequest.WithMessage("commodity is required")
	}
	if strings.TrimSpace(req.Origin.Region) == "" {
		return nil, ErrInvalidRequest.WithMessage("origin region is required")
	}
	return s.recommend(ctx, "", req)
}

func (s *Service) recommend(ctx context.Context, listingID string, req RecommendRequest) (rec *Recommendation, err error) {
	ctx, span := traces.StartSpan(ctx, "optimizer.Recommend",
		traces.ListingID(listingID), attribute.String("commodity", req.Commodity))
	defer func() {
		traces.End(span, err)
		if err != nil {
			metrics.OptimizerRunsTotal.WithLabelValues(runError).Inc()
		}
	}()

	quantity, err := parseNonNegative(req.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	ask, err := parseNonNegative(req.AskPrice, "askPrice")
	if err != nil {
		return nil, err
	}

	commodity := strings.ToLower(strings.TrimSpace(req.Commodity))
	origin := strings.ToLower(strings.TrimSpace(req.Origin.Region))
	regions := normalizeRegions(append(append([]string{origin}, s.regions...), req.Regions...))
	if len(regions) == 0 {
		return nil, ErrNoCandidates
	}

	snaps, err := Gather(ctx, s.source, commodity, regions)
	if err != nil {
		return nil, err
	}

	in := Input{
		Commodity:     commodity,
		Quantity:      quantity,
		FallbackPrice: ask,
		HarvestedAt:   req.HarvestedAt,
		Local:         Snapshot{Commodity: commodity, Region: origin},
		Now:           s.now(),
		Params:        s.params,
	}
	for _, sn := range snaps {
		if strings.EqualFold(sn.Region, origin) {
			in.Local = *sn
		}
		in.Candidates = append(in.Candidates, Candidate{
			Snapshot:   *sn,
			DistanceKm: distanceTo(req.Origin, sn),
		})
	}

	out := Recommend(in)
	out.ListingID = listingID

	result := runWait
	switch {
	case len(snaps) == 0:
		result = runNoData
	case out.SellNow:
		result = runSellNow
	}
	metrics.OptimizerRunsTotal.WithLabelValues(result).Inc()
	s.logger.Debug("recommendation computed",
		"listing", listingID, "commodity", commodity, "regions", len(out.Regions),
		"urgency", out.Urgency, "sell_now", out.SellNow)
	return &out, nil
}

func parseNonNegative(raw, field string) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return 0, ErrInvalidRequest.WithMessage(field + " must be a non-negative number")
	}
	return d.InexactFloat64(), nil
}

func normalizeRegions(regions []string) []string {
	seen := make(map[string]bool, len(regions))
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// distanceTo is zero for the origin's own region. Regions without
// coordinates on either side are also treated as zero distance.
func distanceTo(origin model.Location, sn *Snapshot) float64 {
	if strings.EqualFold(origin.Region, sn.Region) {
		return 0
	}
	if (origin.Lat == 0 && origin.Lon == 0) || (sn.Lat == 0 && sn.Lon == 0) {
		return 0
	}
	return haversineKm(origin.Lat, origin.Lon, sn.Lat, sn.Lon)
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
