// Package notify delivers alerts raised by the health monitor to external sinks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

const (
	channelPrefix   = "alerts:"
	recentKey       = "alerts:recent"
	defaultKeepLast = 100
)

// NewClient builds a Redis client for alert delivery.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisHandler publishes alerts on alerts:<level> and keeps a capped list of recent alerts.
type RedisHandler struct {
	client   redis.UniversalClient
	throttle *Throttle
	keepLast int64
	log      logger.Logger
}

// NewRedisHandler builds a handler. throttle may be nil to publish every alert.
func NewRedisHandler(client redis.UniversalClient, throttle *Throttle, log logger.Logger) *RedisHandler {
	return &RedisHandler{
		client:   client,
		throttle: throttle,
		keepLast: defaultKeepLast,
		log:      log,
	}
}

// Channel returns the pub/sub channel for a level.
func Channel(level models.AlertLevel) string {
	return channelPrefix + string(level)
}

// HandleAlert publishes one alert unless the collector's bucket is empty.
func (h *RedisHandler) HandleAlert(ctx context.Context, alert models.Alert) error {
	if h.throttle != nil {
		ok, err := h.throttle.Allow(ctx, alert.CollectorType)
		if err != nil {
			return err
		}
		if !ok {
			h.log.Debug("alert throttled",
				logger.String("alert_id", alert.ID),
				logger.String("collector", alert.CollectorType))
			return nil
		}
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.Publish(ctx, Channel(alert.Level), body)
	pipe.LPush(ctx, recentKey, body)
	pipe.LTrim(ctx, recentKey, 0, h.keepLast-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

// Recent returns up to n of the newest published alerts.
func (h *RedisHandler) Recent(ctx context.Context, n int64) ([]models.Alert, error) {
	if n <= 0 {
		n = h.keepLast
	}
	raw, err := h.client.LRange(ctx, recentKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent alerts: %w", err)
	}
	out := make([]models.Alert, 0, len(raw))
	for _, r := range raw {
		var a models.Alert
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			h.log.Warn("skipping undecodable alert", logger.Error(err))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
