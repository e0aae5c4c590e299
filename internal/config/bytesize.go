package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// parseByteSize parses a human-readable size like "64MB", "512KB" or a bare
// number of bytes. Simplified from dittofs's internal/bytesize package
// (which also accepts binary Ki/Mi/Gi units); this proxy's config only ever
// needs decimal suffixes.
var byteSizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]*)\s*$`)

var byteSizeMultipliers = map[string]int64{
	"":   1,
	"b":  1,
	"k":  1000,
	"kb": 1000,
	"m":  1000 * 1000,
	"mb": 1000 * 1000,
	"g":  1000 * 1000 * 1000,
	"gb": 1000 * 1000 * 1000,
}

func parseByteSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	unit := strings.ToLower(m[2])
	mult, ok := byteSizeMultipliers[unit]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", m[2])
	}
	if strings.Contains(m[1], ".") {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, err
		}
		return int64(f * float64(mult)), nil
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
