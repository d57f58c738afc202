package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-collector/internal/ledger"
	"market-data-collector/internal/logger"
	"market-data-collector/internal/metrics"
	"market-data-collector/internal/models"
)

type harness struct {
	ledger  *ledger.Ledger
	agg     *metrics.Aggregator
	monitor *Monitor
	seq     int
}

func newHarness(cfg Config) *harness {
	l := ledger.New(100, logger.NewNop())
	agg := metrics.NewAggregator(time.Hour)
	return &harness{ledger: l, agg: agg, monitor: NewMonitor(cfg, l, agg, logger.NewNop())}
}

func (h *harness) run(t *testing.T, collector string, ok bool, d time.Duration) models.CollectorHealthStatus {
	t.Helper()
	h.seq++
	id := fmt.Sprintf("exec-%d", h.seq)
	_, err := h.ledger.StartExecution(collector, id, nil)
	require.NoError(t, err)
	_, err = h.ledger.CompleteExecution(id, models.CollectionResult{Success: ok, RecordsCollected: 10}, nil)
	require.NoError(t, err)
	h.agg.RecordExecution(collector, d, 10, ok)
	return h.monitor.UpdateCollectorHealth(context.Background(), collector)
}

func countLevel(alerts []models.Alert, level models.AlertLevel) int {
	n := 0
	for _, a := range alerts {
		if a.Level == level {
			n++
		}
	}
	return n
}

func TestRepeatedFailuresRaiseOneCriticalAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(cfg)

	var mu sync.Mutex
	var received []models.Alert
	h.monitor.AddAlertHandler(AlertHandlerFunc(func(_ context.Context, a models.Alert) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, a)
		return nil
	}))

	var last models.CollectorHealthStatus
	for i := 0; i < 3; i++ {
		last = h.run(t, "pool_collector", false, time.Second)
	}
	assert.Equal(t, models.HealthCritical, last.Status)
	assert.Equal(t, 3, last.ConsecutiveFailures)

	alerts := h.monitor.GetAlerts(AlertFilter{CollectorType: "pool_collector"})
	assert.Equal(t, 1, countLevel(alerts, models.AlertCritical))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, countLevel(received, models.AlertCritical))
}

func TestClassificationPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecutionTime = 5 * time.Second
	h := newHarness(cfg)

	status := h.monitor.UpdateCollectorHealth(context.Background(), "token_collector")
	assert.Equal(t, models.HealthUnknown, status.Status)

	status = h.run(t, "token_collector", true, time.Second)
	assert.Equal(t, models.HealthHealthy, status.Status)
	assert.Empty(t, status.Issues)

	status = h.run(t, "token_collector", false, time.Second)
	assert.Equal(t, models.HealthWarning, status.Status)
	require.Len(t, status.Issues, 1)
	assert.Contains(t, status.Issues[0], "success rate")

	slow := newHarness(cfg)
	status = slow.run(t, "ohlcv_collector", true, 30*time.Second)
	assert.Equal(t, models.HealthWarning, status.Status)
	assert.Contains(t, status.Issues[0], "execution time")
}

func TestStaleCollector(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.run(t, "trade_collector", true, time.Second)

	h.monitor.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }
	status := h.monitor.UpdateCollectorHealth(context.Background(), "trade_collector")
	assert.Equal(t, models.HealthWarning, status.Status)
	assert.Contains(t, status.Issues[0], "no successful run")
}

func TestSuppressedAlerts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(cfg)
	h.monitor.SuppressAlerts("pool_collector", models.HealthCritical, time.Now().Add(time.Hour))

	h.run(t, "pool_collector", false, time.Second)
	assert.Empty(t, h.monitor.GetAlerts(AlertFilter{}))

	h.monitor.UnsuppressAlerts("pool_collector", models.HealthCritical)
	h.run(t, "pool_collector", false, time.Second)
	assert.Len(t, h.monitor.GetAlerts(AlertFilter{Level: models.AlertCritical}), 1)
}

func TestHandlerFailuresDoNotStopFanOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(cfg)

	calls := 0
	h.monitor.AddAlertHandler(AlertHandlerFunc(func(context.Context, models.Alert) error {
		return errors.New("smtp down")
	}))
	h.monitor.AddAlertHandler(AlertHandlerFunc(func(context.Context, models.Alert) error {
		panic("handler bug")
	}))
	h.monitor.AddAlertHandler(AlertHandlerFunc(func(context.Context, models.Alert) error {
		calls++
		return nil
	}))
	h.monitor.AddAlertHandler(LogHandler{Log: logger.NewNop()})

	h.run(t, "pool_collector", false, time.Second)
	assert.Equal(t, 1, calls)
}

func TestAcknowledgeResolveAndCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(cfg)
	h.run(t, "pool_collector", false, time.Second)

	alerts := h.monitor.GetAlerts(AlertFilter{UnresolvedOnly: true})
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	assert.False(t, h.monitor.AcknowledgeAlert("missing"))
	assert.False(t, h.monitor.ResolveAlert("missing"))
	assert.True(t, h.monitor.AcknowledgeAlert(id))
	assert.True(t, h.monitor.ResolveAlert(id))
	assert.True(t, h.monitor.ResolveAlert(id))
	assert.Empty(t, h.monitor.GetAlerts(AlertFilter{UnresolvedOnly: true}))

	assert.Equal(t, 0, h.monitor.CleanupOldAlerts(7))
	h.monitor.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 8) }
	assert.Equal(t, 1, h.monitor.CleanupOldAlerts(7))
	_, ok := h.monitor.GetAlert(id)
	assert.False(t, ok)
}

func TestCleanupKeepsUnresolved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	h := newHarness(cfg)
	h.run(t, "pool_collector", false, time.Second)

	h.monitor.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 30) }
	assert.Equal(t, 0, h.monitor.CleanupOldAlerts(7))
	assert.Len(t, h.monitor.GetAlerts(AlertFilter{}), 1)
}

func TestRecoveryResolvesAlertsAndSystemHealth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 1
	cfg.MinSuccessRate24h = 10
	h := newHarness(cfg)

	h.run(t, "pool_collector", false, time.Second)
	h.run(t, "token_collector", true, time.Second)

	sh := h.monitor.GetSystemHealth()
	assert.Equal(t, models.HealthCritical, sh.Status)
	assert.Equal(t, 2, sh.TotalCollectors)
	assert.Equal(t, 1, sh.UnresolvedAlerts)

	status := h.run(t, "pool_collector", true, time.Second)
	assert.Equal(t, models.HealthHealthy, status.Status)
	sh = h.monitor.GetSystemHealth()
	assert.Equal(t, models.HealthHealthy, sh.Status)
	assert.Equal(t, 0, sh.UnresolvedAlerts)
}
