// Package format provides human-readable formatting for batch summaries
// and history listings.
package format

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Bytes formats a byte count into human-readable form.
// Example: Bytes(1536) => "1.5 KB"
func Bytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	sizes := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), sizes[exp])
}

var printer = message.NewPrinter(language.English)

// Number formats a number with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Percent formats a [0,1] fraction as a percentage.
// Example: Percent(0.456, 1) => "45.6%"
func Percent(fraction float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, fraction*100)
}

// Seconds formats a duration rounded to whole seconds.
// Example: Seconds(90500 * time.Millisecond) => "1m31s"
func Seconds(d time.Duration) string {
	return d.Round(time.Second).String()
}

// RelativeTime formats a past time as a relative duration from now.
// Example: RelativeTime(time.Now().Add(-5*time.Minute)) => "5m ago"
func RelativeTime(t time.Time) string {
	diff := time.Since(t)
	if diff < 0 {
		return "soon"
	}

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return strconv.Itoa(int(diff.Minutes())) + "m ago"
	case diff < 24*time.Hour:
		return strconv.Itoa(int(diff.Hours())) + "h ago"
	default:
		return strconv.Itoa(int(diff.Hours()/24)) + "d ago"
	}
}
