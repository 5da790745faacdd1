// Package optimizer recommends where and when a producer should sell.
//
// Recommend is a pure function of its Input: the same snapshots, listing
// facts and clock always give the same ranking and sale window, so results
// can be cached or recomputed freely. Nothing here mutates marketplace
// state.
package optimizer

import (
	"math"
	"sort"
	"strings"
	"time"
)

// PricePoint is one observed market price.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// Snapshot is the regional data service's aggregate for one commodity in
// one region.
type Snapshot struct {
	Commodity    string       `json:"commodity"`
	Region       string       `json:"region"`
	Supply       int          `json:"supply"` // active producers/listings
	Demand       int          `json:"demand"` // active buyers
	PriceHistory []PricePoint `json:"priceHistory"`
	WeatherRisk  float64      `json:"weatherRisk"` // 0 (benign) to 1 (severe)
	Lat          float64      `json:"lat,omitempty"`
	Lon          float64      `json:"lon,omitempty"`
	AsOf         time.Time    `json:"asOf"`
}

// Candidate is a region the producer could sell into.
type Candidate struct {
	Snapshot   Snapshot
	DistanceKm float64
}

// Params tune the model. Zero HorizonDays, PriceWindow and
// SellNowThreshold take their defaults; zero elasticity and transport cost
// are honoured.
type Params struct {
	TransportCostPerKm float64 `json:"transportCostPerKm"`
	SellNowThreshold   float64 `json:"sellNowThreshold"`
	Elasticity         float64 `json:"elasticity"`
	HorizonDays        int     `json:"horizonDays"`
	PriceWindow        int     `json:"priceWindow"`
}

// DefaultParams returns the production tuning.
func DefaultParams() Params {
	return Params{
		TransportCostPerKm: 0.02,
		SellNowThreshold:   0.7,
		Elasticity:         0.5,
		HorizonDays:        21,
		PriceWindow:        7,
	}
}

func (p Params) normalized() Params {
	if p.HorizonDays <= 0 {
		p.HorizonDays = 21
	}
	if p.PriceWindow <= 0 {
		p.PriceWindow = 7
	}
	if p.SellNowThreshold <= 0 || p.SellNowThreshold > 1 {
		p.SellNowThreshold = 0.7
	}
	return p
}

// Input is everything Recommend looks at.
type Input struct {
	Commodity string
	Quantity  float64
	// FallbackPrice prices regions with no history, usually the ask.
	FallbackPrice float64
	HarvestedAt   *time.Time
	// ShelfLifeDays overrides the commodity's default shelf life.
	ShelfLifeDays float64
	// Local is the snapshot of the producer's own region.
	Local      Snapshot
	Candidates []Candidate
	Now        time.Time
	Params     Params
}

// RegionScore is one ranked candidate region.
type RegionScore struct {
	Rank            int     `json:"rank"`
	Region          string  `json:"region"`
	DistanceKm      float64 `json:"distanceKm"`
	Supply          int     `json:"supply"`
	Demand          int     `json:"demand"`
	MarketPrice     float64 `json:"marketPrice"`
	ExpectedPrice   float64 `json:"expectedPrice"`
	TransportCost   float64 `json:"transportCost"`
	NetPrice        float64 `json:"netPrice"`
	BuyerDensity    float64 `json:"buyerDensity"`
	Score           float64 `json:"score"`
	ExpectedRevenue float64 `json:"expectedRevenue"`
}

// DayPoint is the projection for one day of the horizon.
type DayPoint struct {
	Day     int       `json:"day"`
	Date    time.Time `json:"date"`
	Urgency float64   `json:"urgency"`
	Value   float64   `json:"value"`
}

// SaleWindow bounds when to sell. End is the first day urgency reaches the
// sell-now threshold, or the horizon.
type SaleWindow struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	StartDay int       `json:"startDay"`
	EndDay   int       `json:"endDay"`
}

// Recommendation is the optimizer's advice for one lot.
type Recommendation struct {
	ListingID   string        `json:"listingId,omitempty"`
	Commodity   string        `json:"commodity"`
	Region      string        `json:"region"`
	Urgency     float64       `json:"urgency"`
	SellNow     bool          `json:"sellNow"`
	Regions     []RegionScore `json:"regions"`
	Window      SaleWindow    `json:"window"`
	Curve       []DayPoint    `json:"curve"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Recommend ranks the candidate regions and projects the sale window.
func Recommend(in Input) Recommendation {
	p := in.Params.normalized()
	now := in.Now.UTC()

	scores := make([]RegionScore, 0, len(in.Candidates))
	for _, c := range uniqueCandidates(in.Candidates) {
		scores = append(scores, scoreRegion(c, in.FallbackPrice, in.Quantity, p))
	}
	sort.SliceStable(scores, func(i, j int) bool { return ranksBefore(scores[i], scores[j]) })
	for i := range scores {
		scores[i].Rank = i + 1
	}

	best := in.FallbackPrice
	if len(scores) > 0 && scores[0].NetPrice > 0 {
		best = scores[0].NetPrice
	}

	curve := projectCurve(in, best, p)
	window := saleWindow(curve, p)

	return Recommendation{
		Commodity:   in.Commodity,
		Region:      in.Local.Region,
		Urgency:     curve[0].Urgency,
		SellNow:     window.EndDay == 0,
		Regions:     scores,
		Window:      window,
		Curve:       curve,
		GeneratedAt: now,
	}
}

// scoreRegion prices a region from its recent mean, moved by the
// demand/supply imbalance, nets off transport, and weights by the share of
// market participants who are buyers. Regions that do not cover transport
// rank by their (negative) net alone.
func scoreRegion(c Candidate, fallback, quantity float64, p Params) RegionScore {
	s := c.Snapshot
	base := meanRecent(s.PriceHistory, p.PriceWindow)
	if base <= 0 {
		base = fallback
	}
	price := base * (1 + p.Elasticity*imbalance(s.Supply, s.Demand))
	transport := c.DistanceKm * p.TransportCostPerKm
	net := price - transport
	density := share(s.Demand, s.Supply)

	score := net
	if net > 0 {
		score = net * density
	}
	return RegionScore{
		Region:          s.Region,
		DistanceKm:      round(c.DistanceKm, 1),
		Supply:          s.Supply,
		Demand:          s.Demand,
		MarketPrice:     round(base, 4),
		ExpectedPrice:   round(price, 4),
		TransportCost:   round(transport, 4),
		NetPrice:        round(net, 4),
		BuyerDensity:    round(density, 4),
		Score:           round(score, 6),
		ExpectedRevenue: round(net*quantity, 2),
	}
}

// ranksBefore orders by score, then shorter distance, then region id.
func ranksBefore(a, b RegionScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.Region < b.Region
}

// uniqueCandidates returns one candidate per region, the nearest when a
// region appears twice, in region order.
func uniqueCandidates(cs []Candidate) []Candidate {
	byRegion := make(map[string]Candidate, len(cs))
	for _, c := range cs {
		key := strings.ToLower(c.Snapshot.Region)
		if prev, ok := byRegion[key]; ok && prev.DistanceKm <= c.DistanceKm {
			continue
		}
		byRegion[key] = c
	}
	keys := make([]string, 0, len(byRegion))
	for k := range byRegion {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		out = append(out, byRegion[k])
	}
	return out
}

// imbalance is (D-S)/(D+S), in [-1, 1]; zero with no participants.
func imbalance(supply, demand int) float64 {
	total := supply + demand
	if total <= 0 {
		return 0
	}
	return float64(demand-supply) / float64(total)
}

// share is a/(a+b), zero when both are zero.
func share(a, b int) float64 {
	if a+b <= 0 {
		return 0
	}
	return float64(a) / float64(a+b)
}

// recent returns the last n points by date.
func recent(history []PricePoint, n int) []PricePoint {
	pts := append([]PricePoint(nil), history...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
	if len(pts) > n {
		pts = pts[len(pts)-n:]
	}
	return pts
}

func meanRecent(history []PricePoint, n int) float64 {
	pts := recent(history, n)
	if len(pts) == 0 {
		return 0
	}
	sum := 0.0
	for _, pt := range pts {
		sum += pt.Price
	}
	return sum / float64(len(pts))
}

func round(x float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(x*pow) / pow
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
