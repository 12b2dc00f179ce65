package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// SGT is the civil timezone every stored and compared timestamp is expressed in.
// It is a fixed +08:00 offset so results never depend on the host's tzdata or TZ.
var SGT = time.FixedZone("SGT", 8*60*60)

const dateLayout = "2006-01-02"

// localLayouts are the offset-less layouts the upstream API uses; they are read as SGT.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ToSGT converts an instant to SGT without changing the instant.
func ToSGT(t time.Time) time.Time {
	return t.In(SGT)
}

// ParseTimestamp parses an upstream timestamp and returns it in SGT.
// Values carrying an offset (or Z) are converted; offset-less values are taken as SGT wall time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(SGT), nil
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, SGT); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Date is a civil calendar date in SGT.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the SGT calendar date of t.
func DateOf(t time.Time) Date {
	y, m, d := t.In(SGT).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), SGT)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// At returns the SGT instant at hour:min on d.
func (d Date) At(hour, min int) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, min, 0, 0, SGT)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, SGT))
}

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool {
	return d.compare(o) < 0
}

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool {
	return d.compare(o) > 0
}

func (d Date) compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return d.Year - o.Year
	case d.Month != o.Month:
		return int(d.Month) - int(o.Month)
	default:
		return d.Day - o.Day
	}
}

// MarshalText lets Date be used as a JSON string and map key.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a YYYY-MM-DD value.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive range of civil dates.
type DateRange struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// TrailingRange returns the n-day range ending on today, e.g. n=30 gives today-29 .. today.
func TrailingRange(today Date, n int) DateRange {
	if n < 1 {
		n = 1
	}
	return DateRange{Start: today.AddDays(-(n - 1)), End: today}
}

// Contains reports whether d lies inside the range.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days lists every date of the range in ascending order. An inverted range is empty.
func (r DateRange) Days() []Date {
	if r.End.Before(r.Start) {
		return nil
	}
	var days []Date
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Window is a daily time window centred on Hour:00 SGT, Radius wide on each side.
type Window struct {
	Hour   int
	Radius time.Duration
}

// SixPM is the 18:00 ± 1 hour window the historical series is built on.
var SixPM = Window{Hour: 18, Radius: time.Hour}

// Bounds returns the window's first and last instant on d. Both bounds belong to the window.
func (w Window) Bounds(d Date) (time.Time, time.Time) {
	centre := d.At(w.Hour, 0)
	return centre.Add(-w.Radius), centre.Add(w.Radius)
}

// Contains reports whether t falls inside the window on d, bounds inclusive.
func (w Window) Contains(d Date, t time.Time) bool {
	from, to := w.Bounds(d)
	return !t.Before(from) && !t.After(to)
}

// LastClosed returns the latest date whose window ends at or before ref.
func (w Window) LastClosed(ref time.Time) Date {
	d := DateOf(ref)
	for {
		if _, end := w.Bounds(d); !end.After(ref) {
			return d
		}
		d = d.AddDays(-1)
	}
}
