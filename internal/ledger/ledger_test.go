package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(max int) (*Ledger, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(max, logger.NewNop())
	l.now = clock.now
	return l, clock
}

func TestStartExecutionRejectsDuplicate(t *testing.T) {
	l, _ := newTestLedger(10)
	_, err := l.StartExecution("pool_collector", "exec-1", nil)
	require.NoError(t, err)

	_, err = l.StartExecution("pool_collector", "exec-1", nil)
	assert.True(t, errors.Is(err, ErrDuplicateExecution))
}

func TestCompleteExecutionStatus(t *testing.T) {
	l, _ := newTestLedger(10)

	cases := []struct {
		name     string
		result   models.CollectionResult
		warnings []string
		want     models.ExecutionStatus
	}{
		{"success", models.CollectionResult{Success: true, RecordsCollected: 5}, nil, models.StatusSuccess},
		{"partial", models.CollectionResult{Success: true}, []string{"3 pools skipped"}, models.StatusPartial},
		{"failure", models.CollectionResult{Success: false, Errors: []string{"boom"}}, nil, models.StatusFailure},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := fmt.Sprintf("exec-%d", i)
			_, err := l.StartExecution("pool_collector", id, nil)
			require.NoError(t, err)
			rec, err := l.CompleteExecution(id, tc.result, tc.warnings)
			require.NoError(t, err)
			assert.Equal(t, tc.want, rec.Status)
			assert.NotNil(t, rec.EndTime)
		})
	}
}

func TestCompleteUnknownExecution(t *testing.T) {
	l, _ := newTestLedger(10)
	_, err := l.CompleteExecution("missing", models.CollectionResult{Success: true}, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCancelThenCompleteIsNotFound(t *testing.T) {
	l, _ := newTestLedger(10)
	_, err := l.StartExecution("trade_collector", "exec-1", nil)
	require.NoError(t, err)

	rec, err := l.CancelExecution("exec-1", "scheduler stopping")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rec.Status)
	assert.Equal(t, []string{"scheduler stopping"}, rec.Errors)

	_, err = l.CompleteExecution("exec-1", models.CollectionResult{Success: true}, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHistoryIsBounded(t *testing.T) {
	l, _ := newTestLedger(3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("exec-%d", i)
		_, err := l.StartExecution("pool_collector", id, nil)
		require.NoError(t, err)
		_, err = l.CompleteExecution(id, models.CollectionResult{Success: true, RecordsCollected: i}, nil)
		require.NoError(t, err)
	}
	hist := l.GetHistory("pool_collector", 0)
	require.Len(t, hist, 3)
	assert.Equal(t, "exec-2", hist[0].ExecutionID)
	assert.Equal(t, "exec-4", hist[2].ExecutionID)

	assert.Len(t, l.GetHistory("pool_collector", 2), 2)
}

func TestStatisticsEmpty(t *testing.T) {
	l, _ := newTestLedger(10)
	stats := l.GetStatistics("nobody", time.Hour)
	assert.Equal(t, 0, stats.TotalExecutions)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, 0.0, stats.AverageDuration)
	assert.Equal(t, 0, stats.TotalRecordsCollected)
}

func TestStatisticsWindowAndRates(t *testing.T) {
	l, clock := newTestLedger(10)

	run := func(id string, d time.Duration, ok bool, records int) {
		_, err := l.StartExecution("ohlcv_collector", id, nil)
		require.NoError(t, err)
		clock.advance(d)
		_, err = l.CompleteExecution(id, models.CollectionResult{Success: ok, RecordsCollected: records}, nil)
		require.NoError(t, err)
	}

	run("old", 4*time.Second, false, 0)
	clock.advance(2 * time.Hour)
	run("a", 2*time.Second, true, 10)
	run("b", 4*time.Second, false, 0)

	all := l.GetStatistics("ohlcv_collector", 0)
	assert.Equal(t, 3, all.TotalExecutions)
	assert.Equal(t, 1, l.ConsecutiveFailures("ohlcv_collector"))

	recent := l.GetStatistics("ohlcv_collector", time.Hour)
	assert.Equal(t, 2, recent.TotalExecutions)
	assert.InDelta(t, 50.0, recent.SuccessRate, 0.001)
	assert.InDelta(t, 3.0, recent.AverageDuration, 0.001)
	assert.Equal(t, 10, recent.TotalRecordsCollected)
	require.NotNil(t, recent.LastSuccess)
}

func TestConsecutiveFailures(t *testing.T) {
	l, _ := newTestLedger(10)
	outcomes := []bool{false, true, false, false}
	for i, ok := range outcomes {
		id := fmt.Sprintf("exec-%d", i)
		_, err := l.StartExecution("token_collector", id, nil)
		require.NoError(t, err)
		_, err = l.CompleteExecution(id, models.CollectionResult{Success: ok}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, l.ConsecutiveFailures("token_collector"))
}

func TestCleanup(t *testing.T) {
	l, clock := newTestLedger(10)
	_, _ = l.StartExecution("pool_collector", "old", nil)
	_, _ = l.CompleteExecution("old", models.CollectionResult{Success: true}, nil)
	clock.advance(48 * time.Hour)
	_, _ = l.StartExecution("pool_collector", "new", nil)
	_, _ = l.CompleteExecution("new", models.CollectionResult{Success: true}, nil)

	removed := l.Cleanup(clock.t.Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	hist := l.GetHistory("pool_collector", 0)
	require.Len(t, hist, 1)
	assert.Equal(t, "new", hist[0].ExecutionID)
}
