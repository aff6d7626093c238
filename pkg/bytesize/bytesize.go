// Package bytesize provides human-readable byte size parsing and formatting.
// It supports common size units (B, KB, MB, GB, TB) with a binary (1024) base.
//
// Examples:
//   - "5MB" = 5 * 1024 * 1024 bytes
//   - "3.8 GB" = 3.8 * 1024^3 bytes
//   - "1024" = 1024 bytes (no unit = bytes)
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size represents a byte size as int64.
type Size int64

// Common size constants using binary (1024) base.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

// unitMultipliers maps unit names to their byte multiplier.
var unitMultipliers = map[string]Size{
	"b":     B,
	"byte":  B,
	"bytes": B,

	"k":   KB,
	"kb":  KB,
	"kib": KB,

	"m":   MB,
	"mb":  MB,
	"mib": MB,

	"g":   GB,
	"gb":  GB,
	"gib": GB,

	"t":   TB,
	"tb":  TB,
	"tib": TB,
}

// sizePattern matches a number (int or float) followed by an optional unit.
var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// Parse parses a human-readable byte size string.
// Supports integer and floating-point values with optional units.
// If no unit is specified, bytes are assumed.
func Parse(s string) (Size, error) {
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", matches[1], err)
	}

	multiplier := B
	if unit := strings.ToLower(matches[2]); unit != "" {
		var ok bool
		multiplier, ok = unitMultipliers[unit]
		if !ok {
			return 0, fmt.Errorf("bytesize: unknown unit %q", matches[2])
		}
	}

	return Size(value * float64(multiplier)), nil
}

// MustParse parses a byte size string and panics on error.
// Intended for package-level defaults known to be valid.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format returns a human-readable representation of the size, using the
// largest unit that yields a value >= 1 with at most one decimal place.
func Format(s Size) string {
	switch {
	case s >= TB:
		return trimZero(fmt.Sprintf("%.1fTB", float64(s)/float64(TB)))
	case s >= GB:
		return trimZero(fmt.Sprintf("%.1fGB", float64(s)/float64(GB)))
	case s >= MB:
		return trimZero(fmt.Sprintf("%.1fMB", float64(s)/float64(MB)))
	case s >= KB:
		return trimZero(fmt.Sprintf("%.1fKB", float64(s)/float64(KB)))
	default:
		return fmt.Sprintf("%dB", int64(s))
	}
}

// trimZero removes a trailing ".0" from formatted values ("5.0MB" -> "5MB").
func trimZero(s string) string {
	return strings.Replace(s, ".0", "", 1)
}

// Bytes returns the size in bytes as int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable string representation.
func (s Size) String() string {
	return Format(s)
}
