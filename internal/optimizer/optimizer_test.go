package optimizer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

// prices returns n daily prices ending yesterday, starting at first and moving
// by step each day.
func prices(n int, first, step float64) []PricePoint {
	pts := make([]PricePoint, n)
	for i := range pts {
		pts[i] = PricePoint{
			Date:  now.AddDate(0, 0, i-n),
			Price: first + step*float64(i),
		}
	}
	return pts
}

func snap(region string, supply, demand int, history []PricePoint) Snapshot {
	return Snapshot{
		Commodity:    "maize",
		Region:       region,
		Supply:       supply,
		Demand:       demand,
		PriceHistory: history,
		AsOf:         now,
	}
}

func TestRecommend_DistantDemandBeatsLocalGlut(t *testing.T) {
	local := snap("mbale", 50, 2, prices(7, 30, 0))
	remote := snap("kampala", 5, 10, prices(7, 30, 0))

	rec := Recommend(Input{
		Commodity:     "maize",
		Quantity:      1000,
		FallbackPrice: 25,
		Local:         local,
		Candidates: []Candidate{
			{Snapshot: local, DistanceKm: 0},
			{Snapshot: remote, DistanceKm: 300},
		},
		Now:    now,
		Params: DefaultParams(),
	})

	require.Len(t, rec.Regions, 2)
	top := rec.Regions[0]
	assert.Equal(t, "kampala", top.Region)
	assert.Equal(t, 1, top.Rank)
	assert.InDelta(t, 35, top.ExpectedPrice, 1e-9)
	assert.InDelta(t, 6, top.TransportCost, 1e-9)
	assert.InDelta(t, 29, top.NetPrice, 1e-9)
	assert.InDelta(t, 29000, top.ExpectedRevenue, 1e-6)

	assert.Equal(t, "mbale", rec.Regions[1].Region)
	assert.Less(t, rec.Regions[1].Score, top.Score)
	assert.Less(t, rec.Regions[1].ExpectedPrice, 30.0)

	assert.False(t, rec.SellNow)
	assert.Equal(t, 0, rec.Window.StartDay)
	assert.Equal(t, 21, rec.Window.EndDay)
	assert.Len(t, rec.Curve, 22)
	assert.Equal(t, now.Truncate(24*time.Hour), rec.Window.Start)
}

func TestRecommend_SellNowWhenSpoilingInFallingMarket(t *testing.T) {
	local := snap("mbale", 50, 2, prices(7, 40, -2))
	local.Commodity = "tomatoes"
	local.WeatherRisk = 0.8
	harvested := now.AddDate(0, 0, -10)

	rec := Recommend(Input{
		Commodity:   "tomatoes",
		Quantity:    200,
		HarvestedAt: &harvested,
		Local:       local,
		Candidates:  []Candidate{{Snapshot: local}},
		Now:         now,
		Params:      DefaultParams(),
	})

	assert.True(t, rec.SellNow)
	assert.GreaterOrEqual(t, rec.Urgency, 0.7)
	assert.Equal(t, 0, rec.Window.StartDay)
	assert.Equal(t, 0, rec.Window.EndDay)
}

func TestRecommend_RisingMarketDelaysWindow(t *testing.T) {
	local := snap("mbale", 5, 10, prices(7, 20, 1))

	rec := Recommend(Input{
		Commodity:  "maize",
		Quantity:   1000,
		Local:      local,
		Candidates: []Candidate{{Snapshot: local}},
		Now:        now,
		Params:     DefaultParams(),
	})

	assert.False(t, rec.SellNow)
	assert.Equal(t, 21, rec.Window.EndDay)
	assert.Greater(t, rec.Window.StartDay, 0)
	assert.LessOrEqual(t, rec.Window.StartDay, rec.Window.EndDay)
	assert.Greater(t, rec.Curve[rec.Window.StartDay].Value, rec.Curve[0].Value)
}

func TestRecommend_Deterministic(t *testing.T) {
	cands := []Candidate{
		{Snapshot: snap("mbale", 50, 2, prices(7, 30, 0))},
		{Snapshot: snap("kampala", 5, 10, prices(9, 28, 0.5)), DistanceKm: 230},
		{Snapshot: snap("gulu", 12, 12, prices(3, 31, -1)), DistanceKm: 340},
		{Snapshot: snap("mbarara", 8, 4, nil), DistanceKm: 410},
	}
	in := Input{
		Commodity:     "maize",
		Quantity:      500,
		FallbackPrice: 27,
		Local:         cands[0].Snapshot,
		Candidates:    cands,
		Now:           now,
		Params:        DefaultParams(),
	}
	want := Recommend(in)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]Candidate(nil), cands...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		in.Candidates = shuffled
		assert.Equal(t, want, Recommend(in))
	}
}

func TestRecommend_TieBreaks(t *testing.T) {
	p := DefaultParams()
	p.TransportCostPerKm = 0
	history := prices(7, 30, 0)

	rec := Recommend(Input{
		Commodity: "maize",
		Candidates: []Candidate{
			{Snapshot: snap("b-region", 10, 10, history), DistanceKm: 50},
			{Snapshot: snap("a-region", 10, 10, history), DistanceKm: 50},
			{Snapshot: snap("c-region", 10, 10, history), DistanceKm: 20},
		},
		Now:    now,
		Params: p,
	})

	var order []string
	for _, r := range rec.Regions {
		order = append(order, r.Region)
	}
	assert.Equal(t, []string{"c-region", "a-region", "b-region"}, order)
}

func TestRecommend_UnprofitableRegionsRankLast(t *testing.T) {
	rec := Recommend(Input{
		Commodity: "maize",
		Candidates: []Candidate{
			{Snapshot: snap("far", 1, 50, prices(7, 30, 0)), DistanceKm: 2500},
			{Snapshot: snap("near", 40, 1, prices(7, 30, 0)), DistanceKm: 10},
		},
		Now:    now,
		Params: DefaultParams(),
	})

	require.Len(t, rec.Regions, 2)
	assert.Equal(t, "near", rec.Regions[0].Region)
	assert.Negative(t, rec.Regions[1].NetPrice)
	assert.InDelta(t, rec.Regions[1].NetPrice, rec.Regions[1].Score, 1e-4)
}

func TestRecommend_FallbackPriceAndDuplicates(t *testing.T) {
	rec := Recommend(Input{
		Commodity:     "beans",
		FallbackPrice: 50,
		Candidates: []Candidate{
			{Snapshot: snap("lira", 10, 10, nil), DistanceKm: 90},
			{Snapshot: snap("Lira", 10, 10, nil), DistanceKm: 40},
		},
		Now:    now,
		Params: Params{},
	})

	require.Len(t, rec.Regions, 1)
	assert.InDelta(t, 50, rec.Regions[0].MarketPrice, 1e-9)
	assert.InDelta(t, 40, rec.Regions[0].DistanceKm, 1e-9)
	assert.Len(t, rec.Curve, 22)
}

func TestSpoilage(t *testing.T) {
	assert.Zero(t, spoilage(0, 10))
	assert.InDelta(t, 0.5, spoilage(10, 10), 1e-9)
	assert.InDelta(t, 0.75, spoilage(20, 10), 1e-9)
	assert.Equal(t, 1.0, spoilage(3, 0))
}

func TestTrend(t *testing.T) {
	assert.Zero(t, trend(prices(7, 30, 0), 7))
	assert.Zero(t, trend(prices(1, 30, 0), 7))
	assert.InDelta(t, -2.0/34, trend(prices(7, 40, -2), 7), 1e-9)
	// Only the last window points count.
	pts := prices(10, 30, 0)
	pts[0].Price, pts[1].Price, pts[2].Price = 1, 1, 1
	assert.Zero(t, trend(pts, 7))
}

func TestShelfLife(t *testing.T) {
	assert.Equal(t, 7.0, ShelfLife("Tomatoes"))
	assert.Equal(t, float64(defaultShelfLife), ShelfLife("dragonfruit"))
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 111.19, haversineKm(0, 0, 0, 1), 0.01)
	assert.Zero(t, haversineKm(0.35, 32.58, 0.35, 32.58))
}
