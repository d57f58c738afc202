package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

func TestHTTPCollectorDecodesPools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pools", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"address":"0x1","network":"eth","name":"A/B","reserve_usd":10},
			{"address":"0x2","network":"eth","name":"C/D","reserve_usd":20},
			{"address":"","network":"eth"}
		]}`))
	}))
	defer srv.Close()

	c := NewHTTPCollector(KindPools, srv.URL+"/api/", time.Second, logger.NewNop())
	assert.Equal(t, "pool_collector", c.Type())

	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.RecordsCollected)
	assert.Len(t, res.Payload.Pools, 3)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, "pool_collector", res.CollectorType)
}

func TestHTTPCollectorReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPCollector(KindTrades, srv.URL, time.Second, logger.NewNop())
	res, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "status 502")
}

func TestHTTPCollectorRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	}))
	defer srv.Close()

	c := NewHTTPCollector(KindTokens, srv.URL, time.Second, logger.NewNop())
	_, err := c.Collect(context.Background())
	assert.Error(t, err)
}

func TestFuncStampsType(t *testing.T) {
	boom := errors.New("boom")
	f := Func{Name: "x_collector", Fn: func(context.Context) (models.CollectionResult, error) {
		return models.CollectionResult{}, boom
	}}
	res, err := f.Collect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "x_collector", res.CollectorType)
}

func TestKindCollectorTypes(t *testing.T) {
	want := []string{"pool_collector", "token_collector", "ohlcv_collector", "trade_collector"}
	for i, k := range Kinds {
		assert.Equal(t, want[i], k.CollectorType())
	}
}
