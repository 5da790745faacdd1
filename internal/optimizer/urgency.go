package optimizer

import (
	"math"
	"strings"
	"time"
)

// Urgency weights.
const (
	weightSpoilage   = 0.5
	weightOversupply = 0.3
	weightDowntrend  = 0.2
)

// shelfLives are typical days until a lot loses half its value.
var shelfLives = map[string]float64{
	"avocado":  14,
	"bananas":  10,
	"beans":    180,
	"cabbage":  21,
	"cassava":  3,
	"coffee":   365,
	"maize":    180,
	"matooke":  10,
	"milk":     2,
	"onions":   90,
	"potatoes": 60,
	"rice":     365,
	"sorghum":  270,
	"tomatoes": 7,
}

const defaultShelfLife = 30

// ShelfLife returns the default half-life in days for a commodity.
func ShelfLife(commodity string) float64 {
	if d, ok := shelfLives[strings.ToLower(strings.TrimSpace(commodity))]; ok {
		return d
	}
	return defaultShelfLife
}

// spoilage is the fraction of value lost after ageDays, for a lot whose
// value halves every halfLife days.
func spoilage(ageDays, halfLife float64) float64 {
	if halfLife <= 0 {
		return 1
	}
	if ageDays <= 0 {
		return 0
	}
	return 1 - math.Exp(-math.Ln2*ageDays/halfLife)
}

// trend is the least-squares price slope over the recent window, as a
// fraction of the mean price per day.
func trend(history []PricePoint, window int) float64 {
	pts := recent(history, window)
	if len(pts) < 2 {
		return 0
	}
	origin := pts[0].Date
	n := float64(len(pts))
	var sx, sy float64
	for _, pt := range pts {
		sx += pt.Date.Sub(origin).Hours() / 24
		sy += pt.Price
	}
	mx, my := sx/n, sy/n
	var cov, vx float64
	for _, pt := range pts {
		dx := pt.Date.Sub(origin).Hours()/24 - mx
		cov += dx * (pt.Price - my)
		vx += dx * dx
	}
	if vx == 0 || my <= 0 {
		return 0
	}
	return (cov / vx) / my
}

// projectCurve computes urgency and expected value for each day of the
// horizon. Spoilage half-life shortens by up to half under severe weather
// risk; oversupply is the producers' share of the local market; downtrend is
// the weekly relative price decline.
func projectCurve(in Input, best float64, p Params) []DayPoint {
	shelf := in.ShelfLifeDays
	if shelf <= 0 {
		shelf = ShelfLife(in.Commodity)
	}
	halfLife := shelf * (1 - 0.5*clamp01(in.Local.WeatherRisk))

	age := 0.0
	if in.HarvestedAt != nil {
		age = math.Max(0, in.Now.Sub(*in.HarvestedAt).Hours()/24)
	}

	oversupply := share(in.Local.Supply, in.Local.Demand)
	slope := trend(in.Local.PriceHistory, p.PriceWindow)
	downtrend := clamp01(-slope * 7)

	today := in.Now.UTC().Truncate(24 * time.Hour)
	curve := make([]DayPoint, 0, p.HorizonDays+1)
	for day := 0; day <= p.HorizonDays; day++ {
		spoiled := spoilage(age+float64(day), halfLife)
		urgency := clamp01(weightSpoilage*spoiled + weightOversupply*oversupply + weightDowntrend*downtrend)
		value := best * math.Max(0, 1+slope*float64(day)) * (1 - spoiled)
		curve = append(curve, DayPoint{
			Day:     day,
			Date:    today.AddDate(0, 0, day),
			Urgency: round(urgency, 4),
			Value:   round(value, 4),
		})
	}
	return curve
}

// saleWindow ends on the first day urgency reaches the threshold, capped at
// the horizon, and starts on the first day whose value is within 95% of the
// best value up to that end.
func saleWindow(curve []DayPoint, p Params) SaleWindow {
	end := len(curve) - 1
	for _, pt := range curve {
		if pt.Urgency >= p.SellNowThreshold {
			end = pt.Day
			break
		}
	}

	peak := 0.0
	for _, pt := range curve[:end+1] {
		peak = math.Max(peak, pt.Value)
	}
	start := 0
	for _, pt := range curve[:end+1] {
		if pt.Value >= 0.95*peak {
			start = pt.Day
			break
		}
	}
	return SaleWindow{
		Start:    curve[start].Date,
		End:      curve[end].Date,
		StartDay: start,
		EndDay:   end,
	}
}
