// Package duration provides human-readable duration parsing for timeout
// configuration (wall deadlines, stall thresholds, termination grace).
//
// It extends Go's standard time.ParseDuration with day support and full
// word units. Supported units (case-insensitive): ms, s/sec/seconds,
// m/min/minutes, h/hr/hours, d/day/days.
//
// Examples:
//   - "90s", "90 seconds"
//   - "1h30m"
//   - "2 days" = 48h
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Day is 24 hours.
const Day = 24 * time.Hour

// wordUnits rewrites full word units to time.ParseDuration short forms.
var wordUnits = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(days?|d|hours?|hrs?|minutes?|mins?|seconds?|secs?|milliseconds?|ms)`)

var shortForm = map[string]string{
	"day": "d", "days": "d", "d": "d",
	"hour": "h", "hours": "h", "hr": "h", "hrs": "h",
	"minute": "m", "minutes": "m", "min": "m", "mins": "m",
	"second": "s", "seconds": "s", "sec": "s", "secs": "s",
	"millisecond": "ms", "milliseconds": "ms", "ms": "ms",
}

// Parse parses a human-readable duration. Day units are converted to
// hours before delegating to time.ParseDuration, so "1d12h" and
// "36 hours" are equivalent.
func Parse(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	var dayHours float64
	normalized := wordUnits.ReplaceAllStringFunc(trimmed, func(match string) string {
		parts := wordUnits.FindStringSubmatch(match)
		unit := shortForm[strings.ToLower(parts[2])]
		if unit == "d" {
			value, _ := strconv.ParseFloat(parts[1], 64)
			dayHours += value * 24
			return ""
		}
		return parts[1] + unit
	})
	normalized = strings.Join(strings.Fields(normalized), "")

	if dayHours > 0 {
		normalized = fmt.Sprintf("%gh", dayHours) + normalized
	}
	if normalized == "" {
		return 0, fmt.Errorf("duration: invalid format %q", s)
	}

	d, err := time.ParseDuration(normalized)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	return d, nil
}

// MustParse is Parse that panics on error. For package-level defaults only.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders a duration compactly, omitting zero components:
// 36h becomes "1d12h", 90s becomes "1m30s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	for _, unit := range []struct {
		span time.Duration
		name string
	}{
		{Day, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
		{time.Millisecond, "ms"},
	} {
		if n := d / unit.span; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, unit.name)
			d -= n * unit.span
		}
	}
	if d > 0 {
		fmt.Fprintf(&b, "%s", d)
	}
	return b.String()
}
