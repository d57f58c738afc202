package scheduler

import (
	"fmt"
	"strconv"
	"time"
)

// ParseInterval parses "<integer><unit>" where unit is one of s, m, h or d.
func ParseInterval(spec string) (time.Duration, error) {
	if len(spec) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, spec)
	}
	var unit time.Duration
	switch spec[len(spec)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidInterval, spec)
	}
	digits := spec[:len(spec)-1]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, spec)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, spec)
	}
	if n > int64(1<<62)/int64(unit) {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidInterval, spec)
	}
	return time.Duration(n) * unit, nil
}
