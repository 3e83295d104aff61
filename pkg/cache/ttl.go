package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinTTL is the shortest accepted TTL override.
	MinTTL = time.Second

	// MaxTTL is the longest accepted TTL override.
	MaxTTL = 365 * 24 * time.Hour
)

// ParseTTL parses a TTL override of the form <non-negative integer><unit>,
// where unit is s, m, h or d and defaults to seconds. The result must lie in
// [MinTTL, MaxTTL].
//
//	ParseTTL("30m") // 30 * time.Minute
//	ParseTTL("90")  // 90 * time.Second
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidTTL)
	}

	unit := time.Second
	digits := s
	switch s[len(s)-1] {
	case 's':
		digits = s[:len(s)-1]
	case 'm':
		unit, digits = time.Minute, s[:len(s)-1]
	case 'h':
		unit, digits = time.Hour, s[:len(s)-1]
	case 'd':
		unit, digits = 24*time.Hour, s[:len(s)-1]
	}

	if digits == "" {
		return 0, fmt.Errorf("%w: %q has no amount", ErrInvalidTTL, s)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q is not <integer><s|m|h|d>", ErrInvalidTTL, s)
		}
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidTTL, s, err)
	}
	if n > int64(MaxTTL/unit) {
		return 0, fmt.Errorf("%w: %q exceeds %s", ErrInvalidTTL, s, MaxTTL)
	}

	ttl := time.Duration(n) * unit
	if ttl < MinTTL {
		return 0, fmt.Errorf("%w: %q is shorter than %s", ErrInvalidTTL, s, MinTTL)
	}
	return ttl, nil
}
