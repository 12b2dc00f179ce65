package transform

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"carpark-etl/internal/model"
	"carpark-etl/internal/parse"
	"carpark-etl/internal/scraper"
	"carpark-etl/internal/timeutil"
)

// Mode selects the record filter applied after parsing.
type Mode int

const (
	// Current keeps records updated within MaxAge of the reference time.
	Current Mode = iota
	// Historical keeps records inside the window of TargetDate.
	Historical
)

// DefaultMaxAge is the staleness limit of the current flow.
const DefaultMaxAge = 10 * time.Hour

// Drop reasons, used as ValidationError.Reason and as Stats keys.
const (
	ReasonMissingCarpark   = "missing_carpark_number"
	ReasonInvalidCarpark   = "invalid_carpark_number"
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonStale            = "stale"
	ReasonOutsideWindow    = "outside_window"
	ReasonInvalidTotal     = "invalid_total_lots"
	ReasonInvalidAvailable = "invalid_available_lots"
	ReasonLotType          = "lot_type_filtered"
	ReasonDuplicateCarpark = "duplicate_carpark_number"
)

// ValidationError explains why a single record was dropped.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "invalid record: " + e.Reason
	}
	return fmt.Sprintf("invalid record: %s: %s", e.Reason, e.Detail)
}

// Options configures one Transform call.
type Options struct {
	Mode       Mode
	Reference  time.Time // ingest time; staleness is measured against it
	TargetDate timeutil.Date
	MaxAge     time.Duration
	Window     timeutil.Window
	LotType    string // historical only; empty keeps every lot type
}

// Stats counts how many raw records went in, how many were kept and why the rest were dropped.
type Stats struct {
	Input   int            `json:"input"`
	Kept    int            `json:"kept"`
	Dropped map[string]int `json:"dropped,omitempty"`
}

// DroppedTotal is the number of rejected records.
func (s Stats) DroppedTotal() int {
	n := 0
	for _, c := range s.Dropped {
		n += c
	}
	return n
}

// Merge adds o's counts to s.
func (s *Stats) Merge(o Stats) {
	s.Input += o.Input
	s.Kept += o.Kept
	for reason, n := range o.Dropped {
		if s.Dropped == nil {
			s.Dropped = make(map[string]int)
		}
		s.Dropped[reason] += n
	}
}

// Reasons lists the drop reasons in s, sorted.
func (s Stats) Reasons() []string {
	reasons := make([]string, 0, len(s.Dropped))
	for r := range s.Dropped {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return reasons
}

func (s *Stats) drop(err *ValidationError) {
	if s.Dropped == nil {
		s.Dropped = make(map[string]int)
	}
	s.Dropped[err.Reason]++
}

// Transform turns raw records into canonical SGT records, dropping every record
// that is unparseable, outside the mode's time filter or carries invalid counts.
// Order is preserved and duplicates are not removed.
func Transform(raw []scraper.RawRecord, opts Options) ([]model.AvailabilityRecord, Stats) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Window == (timeutil.Window{}) {
		opts.Window = timeutil.SixPM
	}
	ingest := timeutil.ToSGT(opts.Reference)

	stats := Stats{Input: len(raw)}
	records := make([]model.AvailabilityRecord, 0, len(raw))
	for _, r := range raw {
		rec, err := record(r, opts, ingest)
		if err != nil {
			stats.drop(err)
			continue
		}
		records = append(records, rec)
	}
	stats.Kept = len(records)
	return records, stats
}

func record(r scraper.RawRecord, opts Options, ingest time.Time) (model.AvailabilityRecord, *ValidationError) {
	if strings.TrimSpace(r.CarparkNumber) == "" {
		return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonMissingCarpark}
	}
	number, err := parse.CarparkNumber(r.CarparkNumber)
	if err != nil {
		return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonInvalidCarpark, Detail: err.Error()}
	}

	stamp := r.UpdateDatetime
	if strings.TrimSpace(stamp) == "" {
		stamp = r.SnapshotTimestamp
	}
	updated, err := timeutil.ParseTimestamp(stamp)
	if err != nil {
		return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonInvalidTimestamp, Detail: err.Error()}
	}

	switch opts.Mode {
	case Current:
		if age := ingest.Sub(updated); age > opts.MaxAge {
			return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonStale, Detail: fmt.Sprintf("%s old", age)}
		}
	case Historical:
		if !opts.Window.Contains(opts.TargetDate, updated) {
			return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonOutsideWindow, Detail: updated.Format(time.RFC3339)}
		}
	}

	total, err := parse.Lots(r.TotalLots)
	if err != nil {
		return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonInvalidTotal, Detail: err.Error()}
	}
	available, err := parse.Lots(r.LotsAvailable)
	if err != nil {
		return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonInvalidAvailable, Detail: err.Error()}
	}

	lotType := strings.ToUpper(strings.TrimSpace(r.LotType))
	if opts.Mode == Historical && opts.LotType != "" && !strings.EqualFold(lotType, opts.LotType) {
		return model.AvailabilityRecord{}, &ValidationError{Reason: ReasonLotType, Detail: lotType}
	}

	var payload datatypes.JSON
	if len(r.Payload) > 0 {
		payload = datatypes.JSON(r.Payload)
	}

	return model.AvailabilityRecord{
		CarparkNumber:   number,
		UpdateTimestamp: updated,
		IngestTimestamp: ingest,
		TotalLots:       total,
		AvailableLots:   available,
		LotType:         lotType,
		RawPayload:      payload,
	}, nil
}

// Carparks normalises the carpark information dataset. Rows without a valid
// carpark number are dropped; unparseable optional numerics become null.
// A carpark number seen twice keeps its last row.
func Carparks(rows []scraper.CarparkInfo, now time.Time) ([]model.Carpark, Stats) {
	stats := Stats{Input: len(rows)}
	index := make(map[string]int, len(rows))
	out := make([]model.Carpark, 0, len(rows))

	for _, row := range rows {
		number, err := parse.CarparkNumber(row.CarparkNumber)
		if err != nil {
			reason := ReasonInvalidCarpark
			if strings.TrimSpace(row.CarparkNumber) == "" {
				reason = ReasonMissingCarpark
			}
			stats.drop(&ValidationError{Reason: reason})
			continue
		}

		cp := model.Carpark{
			CarparkNumber:     number,
			Address:           parse.Text(row.Address),
			XCoord:            optionalFloat(string(row.XCoord)),
			YCoord:            optionalFloat(string(row.YCoord)),
			CarparkType:       parse.Text(row.CarparkType),
			ParkingSystemType: parse.Text(row.TypeOfParkingSystem),
			ShortTermParking:  parse.Text(row.ShortTermParking),
			FreeParking:       parse.Text(row.FreeParking),
			NightParking:      parse.Text(row.NightParking),
			CarparkDecks:      optionalInt(string(row.CarparkDecks)),
			GantryHeight:      optionalFloat(string(row.GantryHeight)),
			CarparkBasement:   parse.Text(row.CarparkBasement),
			UpdatedAt:         now,
		}
		if i, ok := index[number]; ok {
			out[i] = cp
			stats.drop(&ValidationError{Reason: ReasonDuplicateCarpark})
			continue
		}
		index[number] = len(out)
		out = append(out, cp)
	}
	stats.Kept = len(out)
	return out, stats
}

func optionalFloat(s string) *float64 {
	f, err := parse.Float(s)
	if err != nil {
		return nil
	}
	return f
}

func optionalInt(s string) *int {
	n, err := parse.Int(s)
	if err != nil {
		return nil
	}
	return n
}
