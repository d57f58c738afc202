package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func alert(i int, ct string) models.Alert {
	return models.Alert{
		ID:            fmt.Sprintf("alert-%d", i),
		Level:         models.AlertCritical,
		CollectorType: ct,
		Message:       "collector is critical",
		Timestamp:     time.Now().UTC(),
	}
}

func TestRedisHandlerPublishesAndKeepsRecent(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	h := NewRedisHandler(client, nil, logger.NewNop())
	h.keepLast = 3

	sub := client.Subscribe(ctx, Channel(models.AlertCritical))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.HandleAlert(ctx, alert(i, "pool_collector")))
	}

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"id":"alert-0"`)
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}

	recent, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "alert-4", recent[0].ID)
	assert.Equal(t, "alert-2", recent[2].ID)
}

func TestThrottleLimitsPerCollector(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	throttle := NewThrottle(client, 2, 0.001)
	h := NewRedisHandler(client, throttle, logger.NewNop())

	for i := 0; i < 4; i++ {
		require.NoError(t, h.HandleAlert(ctx, alert(i, "trade_collector")))
	}
	require.NoError(t, h.HandleAlert(ctx, alert(9, "pool_collector")))

	recent, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestThrottleRefills(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	throttle := NewThrottle(client, 1, 1)
	base := time.Now()
	throttle.now = func() time.Time { return base }

	ok, err := throttle.Allow(ctx, "ohlcv_collector")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = throttle.Allow(ctx, "ohlcv_collector")
	require.NoError(t, err)
	assert.False(t, ok)

	throttle.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	ok, err = throttle.Allow(ctx, "ohlcv_collector")
	require.NoError(t, err)
	assert.True(t, ok)
}
