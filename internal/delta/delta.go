// Package delta decides which historical dates still have to be fetched.
package delta

import (
	"fmt"
	"sort"
	"strings"

	"carpark-etl/internal/timeutil"
)

// Mode selects between delta loading and a full refresh of the target range.
type Mode string

const (
	// ModeDelta fetches only dates that have no stored data.
	ModeDelta Mode = "delta"
	// ModeFull treats every date of the range as missing.
	ModeFull Mode = "full"
)

// ParseMode maps a user supplied string to a Mode. An empty string means delta.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDelta:
		return ModeDelta, nil
	case ModeFull, "refresh", "force":
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown load mode %q", s)
	}
}

// NeedsCoverage reports whether the mode consults the stored coverage set.
func (m Mode) NeedsCoverage() bool {
	return m != ModeFull
}

// Missing returns the dates of r absent from existing, ascending and without duplicates.
// In ModeFull existing is ignored and the whole range is returned.
// Dates in existing that fall outside r have no effect.
func Missing(mode Mode, r timeutil.DateRange, existing []timeutil.Date) []timeutil.Date {
	have := make(map[timeutil.Date]struct{}, len(existing))
	if mode.NeedsCoverage() {
		for _, d := range existing {
			have[d] = struct{}{}
		}
	}

	missing := make([]timeutil.Date, 0)
	for _, d := range r.Days() {
		if _, ok := have[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// Covered returns the dates of r present in existing, ascending and without duplicates.
func Covered(r timeutil.DateRange, existing []timeutil.Date) []timeutil.Date {
	seen := make(map[timeutil.Date]struct{}, len(existing))
	covered := make([]timeutil.Date, 0, len(existing))
	for _, d := range existing {
		if !r.Contains(d) {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		covered = append(covered, d)
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i].Before(covered[j]) })
	return covered
}
