package report

import (
	"sort"

	"github.com/shopspring/decimal"

	"carpark-etl/internal/model"
	"carpark-etl/internal/parse"
	"carpark-etl/internal/timeutil"
)

// Bucket is a capacity class derived from a carpark's maximum observed total lots.
type Bucket string

const (
	BucketSmall     Bucket = "Small"      // fewer than MediumMinLots
	BucketMedium    Bucket = "Medium"     // MediumMinLots up to LargeMinLots-1
	BucketLarge     Bucket = "Large"      // LargeMinLots up to VeryLargeMinLots-1
	BucketVeryLarge Bucket = "Very Large" // VeryLargeMinLots and above
)

// Capacity thresholds in lots.
const (
	MediumMinLots    = 100
	LargeMinLots     = 300
	VeryLargeMinLots = 600
)

// Buckets lists every bucket from smallest to largest.
var Buckets = []Bucket{BucketSmall, BucketMedium, BucketLarge, BucketVeryLarge}

// Default thresholds, as fractions of total lots.
const (
	DefaultHighUtilization     = 0.80
	DefaultVeryHighUtilization = 0.90
	DefaultTopN                = 10
)

// BucketFor classifies a carpark by its total lots.
func BucketFor(totalLots int) Bucket {
	switch {
	case totalLots >= VeryLargeMinLots:
		return BucketVeryLarge
	case totalLots >= LargeMinLots:
		return BucketLarge
	case totalLots >= MediumMinLots:
		return BucketMedium
	default:
		return BucketSmall
	}
}

// UtilizationOptions configures Utilization.
type UtilizationOptions struct {
	Range               timeutil.DateRange
	HighUtilization     float64
	VeryHighUtilization float64
	TopN                int
}

// CarparkUtilization is one electronic carpark's mean 6pm utilization.
type CarparkUtilization struct {
	CarparkNumber     string  `json:"carpark_number"`
	Address           string  `json:"address"`
	ParkingSystemType string  `json:"type_of_parking_system"`
	Bucket            Bucket  `json:"bucket"`
	MaxTotalLots      int     `json:"max_total_lots"`
	DataPoints        int     `json:"data_points"`
	Utilization       float64 `json:"utilization"`
	UtilizationPct    float64 `json:"utilization_pct"`
}

// BucketSummary counts the analysed and highly utilised carparks of one bucket.
type BucketSummary struct {
	Bucket          Bucket   `json:"bucket"`
	Carparks        int      `json:"carparks"`
	HighCount       int      `json:"high_count"`
	HighUtilization []string `json:"high_utilization"`
}

// UtilizationReport answers which electronic carparks are at least HighThreshold
// utilised around 6pm, overall and per capacity bucket.
type UtilizationReport struct {
	Range              timeutil.DateRange   `json:"range"`
	HighThreshold      float64              `json:"high_threshold"`
	VeryHighThreshold  float64              `json:"very_high_threshold"`
	ElectronicCarparks int                  `json:"electronic_carparks"`
	Analyzed           int                  `json:"analyzed"`
	Excluded           int                  `json:"excluded"`
	HighCount          int                  `json:"high_count"`
	VeryHighCount      int                  `json:"very_high_count"`
	HighAvgPct         float64              `json:"high_avg_pct"`
	HighMaxPct         float64              `json:"high_max_pct"`
	High               []CarparkUtilization `json:"high"`
	ByBucket           []BucketSummary      `json:"by_bucket"`
	Top                []CarparkUtilization `json:"top"`
}

type accumulator struct {
	sum      decimal.Decimal
	n        int
	maxTotal int
}

// Utilization computes the mean utilization of every electronic carpark over its
// retained observations. An observation with a null or zero total, or a null
// available count, is skipped; a carpark left with no observation is excluded.
func Utilization(historical []model.HistoricalAvailability, carparks []model.Carpark, opts UtilizationOptions) UtilizationReport {
	if opts.HighUtilization <= 0 {
		opts.HighUtilization = DefaultHighUtilization
	}
	if opts.VeryHighUtilization <= 0 {
		opts.VeryHighUtilization = DefaultVeryHighUtilization
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}

	electronic := make(map[string]model.Carpark)
	for _, cp := range carparks {
		if parse.IsElectronic(cp.ParkingSystemType) {
			electronic[cp.CarparkNumber] = cp
		}
	}

	acc := make(map[string]*accumulator)
	for _, h := range historical {
		if _, ok := electronic[h.CarparkNumber]; !ok {
			continue
		}
		if h.TotalLots == nil || *h.TotalLots <= 0 || h.AvailableLots == nil {
			continue
		}
		total := *h.TotalLots
		occupied := decimal.NewFromInt(int64(total - *h.AvailableLots))
		a := acc[h.CarparkNumber]
		if a == nil {
			a = &accumulator{}
			acc[h.CarparkNumber] = a
		}
		a.sum = a.sum.Add(occupied.Div(decimal.NewFromInt(int64(total))))
		a.n++
		if total > a.maxTotal {
			a.maxTotal = total
		}
	}

	rows := make([]CarparkUtilization, 0, len(acc))
	for number, a := range acc {
		cp := electronic[number]
		mean := a.sum.Div(decimal.NewFromInt(int64(a.n)))
		rows = append(rows, CarparkUtilization{
			CarparkNumber:     number,
			Address:           cp.Address,
			ParkingSystemType: cp.ParkingSystemType,
			Bucket:            BucketFor(a.maxTotal),
			MaxTotalLots:      a.maxTotal,
			DataPoints:        a.n,
			Utilization:       mean.Round(4).InexactFloat64(),
			UtilizationPct:    percent(mean),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Utilization != rows[j].Utilization {
			return rows[i].Utilization > rows[j].Utilization
		}
		return rows[i].CarparkNumber < rows[j].CarparkNumber
	})

	rep := UtilizationReport{
		Range:              opts.Range,
		HighThreshold:      opts.HighUtilization,
		VeryHighThreshold:  opts.VeryHighUtilization,
		ElectronicCarparks: len(electronic),
		Analyzed:           len(rows),
		Excluded:           len(electronic) - len(rows),
		High:               []CarparkUtilization{},
		ByBucket:           make([]BucketSummary, len(Buckets)),
	}
	bucketIndex := make(map[Bucket]int, len(Buckets))
	for i, b := range Buckets {
		rep.ByBucket[i] = BucketSummary{Bucket: b, HighUtilization: []string{}}
		bucketIndex[b] = i
	}

	high := decimal.NewFromFloat(opts.HighUtilization)
	veryHigh := decimal.NewFromFloat(opts.VeryHighUtilization)
	highSum := decimal.Zero
	highMax := decimal.Zero
	for _, r := range rows {
		mean := acc[r.CarparkNumber].sum.Div(decimal.NewFromInt(int64(acc[r.CarparkNumber].n)))
		summary := &rep.ByBucket[bucketIndex[r.Bucket]]
		summary.Carparks++
		if mean.LessThan(high) {
			continue
		}
		rep.High = append(rep.High, r)
		rep.HighCount++
		summary.HighCount++
		summary.HighUtilization = append(summary.HighUtilization, r.CarparkNumber)
		highSum = highSum.Add(mean)
		if mean.GreaterThan(highMax) {
			highMax = mean
		}
		if !mean.LessThan(veryHigh) {
			rep.VeryHighCount++
		}
	}
	if rep.HighCount > 0 {
		rep.HighAvgPct = percent(highSum.Div(decimal.NewFromInt(int64(rep.HighCount))))
		rep.HighMaxPct = percent(highMax)
	}

	top := opts.TopN
	if top > len(rows) {
		top = len(rows)
	}
	rep.Top = rows[:top]
	return rep
}

// percent turns a fraction into a percentage rounded to two places.
func percent(fraction decimal.Decimal) float64 {
	return fraction.Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}
