// Package bytesize provides human-readable byte size parsing and formatting
// for resource ceilings (memory limits, file size caps).
//
// Units are binary (1024 base) and case-insensitive: B, KB/KiB, MB/MiB,
// GB/GiB, TB/TiB. A bare number is taken as bytes.
//
// Examples:
//   - "512MB" = 512 * 1024 * 1024 bytes
//   - "2 GiB" = 2 * 1024^3 bytes
//   - "1048576" = 1048576 bytes
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary size constants.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

// suffixes ordered longest-first so "gib" is tried before "g".
var suffixes = []struct {
	unit string
	mult Size
}{
	{"bytes", B}, {"byte", B},
	{"kib", KB}, {"mib", MB}, {"gib", GB}, {"tib", TB},
	{"kb", KB}, {"mb", MB}, {"gb", GB}, {"tb", TB},
	{"k", KB}, {"m", MB}, {"g", GB}, {"t", TB},
	{"b", B},
}

// Parse parses a human-readable byte size. Whitespace between the number
// and the unit is allowed; a missing unit means bytes.
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	lower := strings.ToLower(trimmed)
	mult := B
	num := lower
	for _, sfx := range suffixes {
		if strings.HasSuffix(lower, sfx.unit) {
			mult = sfx.mult
			num = strings.TrimSpace(strings.TrimSuffix(lower, sfx.unit))
			break
		}
	}
	if num == "" {
		return 0, fmt.Errorf("bytesize: missing value in %q", s)
	}

	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid value %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("bytesize: negative size %q", s)
	}
	return Size(value * float64(mult)), nil
}

// MustParse is Parse that panics on error. For package-level defaults only.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format renders the size using the largest unit with a value >= 1.
func Format(s Size) string {
	switch {
	case s >= TB:
		return trimUnit(float64(s)/float64(TB), "TB")
	case s >= GB:
		return trimUnit(float64(s)/float64(GB), "GB")
	case s >= MB:
		return trimUnit(float64(s)/float64(MB), "MB")
	case s >= KB:
		return trimUnit(float64(s)/float64(KB), "KB")
	default:
		return fmt.Sprintf("%dB", int64(s))
	}
}

func trimUnit(value float64, unit string) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	out := strconv.FormatFloat(value, 'f', 2, 64)
	out = strings.TrimRight(out, "0")
	out = strings.TrimRight(out, ".")
	return out + unit
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

// String implements fmt.Stringer.
func (s Size) String() string { return Format(s) }
