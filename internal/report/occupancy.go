package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"carpark-etl/internal/model"
)

// Occupancy tiers, by occupancy percentage.
const (
	TierVeryHigh = "Very High" // >= 90
	TierHigh     = "High"      // >= 80
	TierModerate = "Moderate"  // >= 60
	TierLow      = "Low"
)

// TierFor classifies an occupancy percentage.
func TierFor(pct float64) string {
	switch {
	case pct >= 90:
		return TierVeryHigh
	case pct >= 80:
		return TierHigh
	case pct >= 60:
		return TierModerate
	default:
		return TierLow
	}
}

// CarparkOccupancy is the latest fresh reading of one carpark and lot type.
type CarparkOccupancy struct {
	CarparkNumber   string    `json:"carpark_number"`
	LotType         string    `json:"lot_type"`
	Address         string    `json:"address,omitempty"`
	XCoord          *float64  `json:"x_coord,omitempty"`
	YCoord          *float64  `json:"y_coord,omitempty"`
	TotalLots       int       `json:"total_lots"`
	AvailableLots   int       `json:"available_lots"`
	OccupiedLots    int       `json:"occupied_lots"`
	OccupancyPct    float64   `json:"occupancy_pct"`
	Tier            string    `json:"tier"`
	UpdateTimestamp time.Time `json:"update_datetime_sg"`
}

// OccupancyReport answers how many lots are occupied right now.
type OccupancyReport struct {
	Reference     time.Time          `json:"reference"`
	MaxAge        string             `json:"max_age"`
	Carparks      int                `json:"carparks"`
	OccupiedLots  int                `json:"occupied_lots"`
	TotalLots     int                `json:"total_lots"`
	AvailableLots int                `json:"available_lots"`
	OccupancyPct  *float64           `json:"occupancy_pct"` // null when no lots are known
	Rows          []CarparkOccupancy `json:"rows"`
}

// CurrentOccupancy keeps, per (carpark, lot type), the most recently ingested row whose
// update time is within maxAge of ref and whose counts are known, and sums them.
func CurrentOccupancy(current []model.CurrentAvailability, carparks []model.Carpark, ref time.Time, maxAge time.Duration) OccupancyReport {
	type key struct{ carpark, lotType string }

	latest := make(map[key]model.CurrentAvailability)
	for _, c := range current {
		if c.TotalLots == nil || c.AvailableLots == nil {
			continue
		}
		if ref.Sub(c.UpdateTimestamp) > maxAge {
			continue
		}
		k := key{c.CarparkNumber, c.LotType}
		prev, ok := latest[k]
		if !ok || c.IngestTimestamp.After(prev.IngestTimestamp) ||
			(c.IngestTimestamp.Equal(prev.IngestTimestamp) && c.ID > prev.ID) {
			latest[k] = c
		}
	}

	info := make(map[string]model.Carpark, len(carparks))
	for _, cp := range carparks {
		info[cp.CarparkNumber] = cp
	}

	rep := OccupancyReport{
		Reference: ref,
		MaxAge:    maxAge.String(),
		Rows:      make([]CarparkOccupancy, 0, len(latest)),
	}
	seen := make(map[string]struct{})
	for k, c := range latest {
		total, available := *c.TotalLots, *c.AvailableLots
		occupied := total - available
		row := CarparkOccupancy{
			CarparkNumber:   k.carpark,
			LotType:         k.lotType,
			TotalLots:       total,
			AvailableLots:   available,
			OccupiedLots:    occupied,
			UpdateTimestamp: c.UpdateTimestamp,
		}
		if total > 0 {
			row.OccupancyPct = ratioPct(occupied, total)
		}
		row.Tier = TierFor(row.OccupancyPct)
		if cp, ok := info[k.carpark]; ok {
			row.Address = cp.Address
			row.XCoord = cp.XCoord
			row.YCoord = cp.YCoord
		}
		rep.Rows = append(rep.Rows, row)

		rep.OccupiedLots += occupied
		rep.TotalLots += total
		rep.AvailableLots += available
		seen[k.carpark] = struct{}{}
	}
	rep.Carparks = len(seen)
	if rep.TotalLots > 0 {
		pct := ratioPct(rep.OccupiedLots, rep.TotalLots)
		rep.OccupancyPct = &pct
	}

	sort.Slice(rep.Rows, func(i, j int) bool {
		if rep.Rows[i].CarparkNumber != rep.Rows[j].CarparkNumber {
			return rep.Rows[i].CarparkNumber < rep.Rows[j].CarparkNumber
		}
		return rep.Rows[i].LotType < rep.Rows[j].LotType
	})
	return rep
}

func ratioPct(part, whole int) float64 {
	return percent(decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(whole))))
}
