package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolValidate(t *testing.T) {
	require.NoError(t, Pool{Address: "0xabc", Network: "eth"}.Validate())

	err := Pool{Network: "eth"}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errMissingField))

	assert.Error(t, Pool{Address: "0xabc", Network: "eth", ReserveUSD: -1}.Validate())
}

func TestOHLCVKeyAndValidate(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	c := OHLCV{PoolAddress: "0xpool", Timeframe: "1h", Timestamp: ts, High: 2, Low: 1}
	assert.Equal(t, "0xpool:1h:1700000000", c.Key())
	require.NoError(t, c.Validate())

	c.High, c.Low = 1, 2
	assert.Error(t, c.Validate())
}

func TestTradeValidate(t *testing.T) {
	tr := Trade{TxHash: "0xtx", LogIndex: 3, PoolAddress: "0xpool", Side: "buy"}
	assert.Equal(t, "0xtx:3", tr.Key())
	require.NoError(t, tr.Validate())

	tr.Side = "hold"
	assert.Error(t, tr.Validate())
}

func TestPayloadLen(t *testing.T) {
	p := Payload{Pools: make([]Pool, 2), Trades: make([]Trade, 3)}
	assert.Equal(t, 5, p.Len())
}

func TestExecutionStatus(t *testing.T) {
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusPartial.Successful())
	assert.False(t, StatusTimeout.Successful())
}
