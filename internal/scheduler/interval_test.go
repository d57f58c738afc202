package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	valid := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"1h":  time.Hour,
		"2d":  48 * time.Hour,
		"90m": 90 * time.Minute,
	}
	for in, want := range valid {
		got, err := ParseInterval(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "m", "10", "0s", "-5m", "1w", "1.5h", " 5m", "5 m", "h1"} {
		_, err := ParseInterval(in)
		assert.ErrorIs(t, err, ErrInvalidInterval, in)
	}
}
