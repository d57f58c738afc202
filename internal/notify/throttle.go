package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle limits alert publishing per key with GCRA, keeping one timestamp per key in Redis.
type Throttle struct {
	client redis.Scripter
	prefix string
	burst  int
	// emission is the spacing between alerts at the sustained rate, in milliseconds.
	emission int64
	now      func() time.Time
}

// NewThrottle allows bursts of capacity alerts per key, refilling at refillPerSecond.
// A non-positive refill rate means a drained bucket never refills within practical time.
func NewThrottle(client redis.Scripter, capacity int, refillPerSecond float64) *Throttle {
	if capacity <= 0 {
		capacity = 10
	}
	emission := int64(math.MaxInt32)
	if refillPerSecond > 0 {
		emission = int64(math.Ceil(1000 / refillPerSecond))
	}
	return &Throttle{
		client:   client,
		prefix:   "alerts:throttle:",
		burst:    capacity,
		emission: emission,
		now:      time.Now,
	}
}

// Allow reports whether key may publish now, consuming one slot if so.
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := gcraScript.Run(ctx, t.client, []string{t.prefix + key},
		t.now().UnixMilli(), t.emission, t.burst).Int64()
	if err != nil {
		return false, fmt.Errorf("throttle %s: %w", key, err)
	}
	return ok == 1, nil
}

// KEYS[1] holds the theoretical arrival time in ms. ARGV: now, emission interval, burst.
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local step = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1]) or now)
if tat < now then tat = now end

local next_tat = tat + step
if next_tat - now > burst * step then
  return 0
end
redis.call('SET', KEYS[1], next_tat, 'PX', next_tat - now)
return 1
`)
