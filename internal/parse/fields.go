package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	carparkNoRe  = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
	electronicRe = regexp.MustCompile(`(?i)electronic`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// CarparkNumber normalises an upstream carpark identifier ("  hg55 " -> "HG55").
func CarparkNumber(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty carpark number")
	}
	if !carparkNoRe.MatchString(s) {
		return "", fmt.Errorf("invalid carpark number %q", raw)
	}
	return s, nil
}

// Lots parses a lot count. The API sends counts as strings; an empty value
// means the source omitted it and yields nil. Negative counts are rejected.
func Lots(raw string) (*int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid lot count %q", raw)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative lot count %d", n)
	}
	return &n, nil
}

// Float parses an optional decimal field such as an SVY21 coordinate or a gantry height.
func Float(raw string) (*float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", raw)
	}
	return &f, nil
}

// Int parses an optional integer field such as the number of decks.
func Int(raw string) (*int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return &n, nil
}

// Text trims and collapses internal whitespace.
func Text(raw string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(raw, " "))
}

// IsElectronic reports whether a type_of_parking_system value denotes electronic (gantry) parking.
func IsElectronic(system string) bool {
	return electronicRe.MatchString(system)
}
