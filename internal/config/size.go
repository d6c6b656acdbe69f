package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// sizePattern matches size strings like "3MB", "1.5 KB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// parseSize parses a byte size such as "3MB" or "1024". Units are binary
// (KB = 1024) and case-insensitive; no unit means bytes.
func parseSize(s string) (int, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	var multiplier float64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = 1
	case "K", "KB", "KI", "KIB":
		multiplier = 1 << 10
	case "M", "MB", "MI", "MIB":
		multiplier = 1 << 20
	case "G", "GB", "GI", "GIB":
		multiplier = 1 << 30
	default:
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, matches[2])
	}
	return int(value * multiplier), nil
}
