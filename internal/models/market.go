package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errMissingField = errors.New("missing required field")

// Payload carries the typed records produced by one collection run.
type Payload struct {
	Pools  []Pool  `json:"pools,omitempty"`
	Tokens []Token `json:"tokens,omitempty"`
	OHLCV  []OHLCV `json:"ohlcv,omitempty"`
	Trades []Trade `json:"trades,omitempty"`
}

// Len returns the total number of records across all kinds.
func (p Payload) Len() int {
	return len(p.Pools) + len(p.Tokens) + len(p.OHLCV) + len(p.Trades)
}

// Pool is a liquidity pool on a DEX.
type Pool struct {
	Address           string    `json:"address" db:"address"`
	Network           string    `json:"network" db:"network"`
	DexID             string    `json:"dex_id" db:"dex_id"`
	Name              string    `json:"name" db:"name"`
	BaseTokenAddress  string    `json:"base_token_address" db:"base_token_address"`
	QuoteTokenAddress string    `json:"quote_token_address" db:"quote_token_address"`
	ReserveUSD        float64   `json:"reserve_usd" db:"reserve_usd"`
	VolumeUSD24h      float64   `json:"volume_usd_24h" db:"volume_usd_24h"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the fields required for storage.
func (p Pool) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return fmt.Errorf("pool address: %w", errMissingField)
	}
	if p.Network == "" {
		return fmt.Errorf("pool %s network: %w", p.Address, errMissingField)
	}
	if p.ReserveUSD < 0 || p.VolumeUSD24h < 0 {
		return fmt.Errorf("pool %s: negative reserve or volume", p.Address)
	}
	return nil
}

// Token is an ERC-20 style token.
type Token struct {
	Address  string `json:"address" db:"address"`
	Network  string `json:"network" db:"network"`
	Symbol   string `json:"symbol" db:"symbol"`
	Name     string `json:"name" db:"name"`
	Decimals int    `json:"decimals" db:"decimals"`
}

// Validate checks the fields required for storage.
func (t Token) Validate() error {
	if strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("token address: %w", errMissingField)
	}
	if t.Symbol == "" {
		return fmt.Errorf("token %s symbol: %w", t.Address, errMissingField)
	}
	if t.Decimals < 0 || t.Decimals > 36 {
		return fmt.Errorf("token %s: decimals out of range: %d", t.Address, t.Decimals)
	}
	return nil
}

// OHLCV is one candle of a pool's price/volume series.
type OHLCV struct {
	PoolAddress string    `json:"pool_address" db:"pool_address"`
	Timeframe   string    `json:"timeframe" db:"timeframe"`
	Timestamp   time.Time `json:"timestamp" db:"ts"`
	Open        float64   `json:"open" db:"open"`
	High        float64   `json:"high" db:"high"`
	Low         float64   `json:"low" db:"low"`
	Close       float64   `json:"close" db:"close"`
	VolumeUSD   float64   `json:"volume_usd" db:"volume_usd"`
}

// Key identifies a candle by pool, timeframe and bucket start.
func (o OHLCV) Key() string {
	return o.PoolAddress + ":" + o.Timeframe + ":" + strconv.FormatInt(o.Timestamp.Unix(), 10)
}

// Validate checks the fields required for storage.
func (o OHLCV) Validate() error {
	if o.PoolAddress == "" || o.Timeframe == "" {
		return fmt.Errorf("ohlcv pool/timeframe: %w", errMissingField)
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("ohlcv %s timestamp: %w", o.PoolAddress, errMissingField)
	}
	if o.High < o.Low {
		return fmt.Errorf("ohlcv %s: high %.8f below low %.8f", o.Key(), o.High, o.Low)
	}
	return nil
}

// Trade is a single swap against a pool.
type Trade struct {
	TxHash      string    `json:"tx_hash" db:"tx_hash"`
	LogIndex    int       `json:"log_index" db:"log_index"`
	PoolAddress string    `json:"pool_address" db:"pool_address"`
	BlockNumber int64     `json:"block_number" db:"block_number"`
	Timestamp   time.Time `json:"timestamp" db:"ts"`
	Side        string    `json:"side" db:"side"`
	AmountUSD   float64   `json:"amount_usd" db:"amount_usd"`
	PriceUSD    float64   `json:"price_usd" db:"price_usd"`
}

// Key identifies a trade by transaction hash and log index.
func (t Trade) Key() string {
	return t.TxHash + ":" + strconv.Itoa(t.LogIndex)
}

// Validate checks the fields required for storage.
func (t Trade) Validate() error {
	if t.TxHash == "" || t.PoolAddress == "" {
		return fmt.Errorf("trade tx/pool: %w", errMissingField)
	}
	if t.Side != "buy" && t.Side != "sell" {
		return fmt.Errorf("trade %s: unknown side %q", t.Key(), t.Side)
	}
	return nil
}
