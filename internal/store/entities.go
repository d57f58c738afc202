package store

import (
	"market-data-collector/internal/models"
)

// PoolEntity stores pools; reserves, volume and name change over time.
var PoolEntity = Entity[models.Pool]{
	Name:      "pools",
	Table:     "pools",
	KeyColumn: "address",
	Columns: []string{"address", "network", "dex_id", "name", "base_token_address",
		"quote_token_address", "reserve_usd", "volume_usd_24h", "updated_at"},
	UpdateColumns: []string{"name", "reserve_usd", "volume_usd_24h", "updated_at"},
	Key:           func(p models.Pool) string { return p.Address },
	Values: func(p models.Pool) []any {
		return []any{p.Address, p.Network, p.DexID, p.Name, p.BaseTokenAddress,
			p.QuoteTokenAddress, p.ReserveUSD, p.VolumeUSD24h, p.UpdatedAt.UTC()}
	},
	Validate: models.Pool.Validate,
}

// TokenEntity stores tokens.
var TokenEntity = Entity[models.Token]{
	Name:          "tokens",
	Table:         "tokens",
	KeyColumn:     "address",
	Columns:       []string{"address", "network", "symbol", "name", "decimals"},
	UpdateColumns: []string{"symbol", "name"},
	Key:           func(t models.Token) string { return t.Address },
	Values: func(t models.Token) []any {
		return []any{t.Address, t.Network, t.Symbol, t.Name, t.Decimals}
	},
	Validate: models.Token.Validate,
}

// OHLCVEntity stores candles. A closed candle can still be revised by the API.
var OHLCVEntity = Entity[models.OHLCV]{
	Name:          "ohlcv",
	Table:         "ohlcv",
	KeyColumn:     "id",
	Columns:       []string{"id", "pool_address", "timeframe", "ts", "open", "high", "low", "close", "volume_usd"},
	UpdateColumns: []string{"open", "high", "low", "close", "volume_usd"},
	Key:           models.OHLCV.Key,
	Values: func(o models.OHLCV) []any {
		return []any{o.Key(), o.PoolAddress, o.Timeframe, o.Timestamp.UTC(), o.Open, o.High, o.Low, o.Close, o.VolumeUSD}
	},
	Validate: models.OHLCV.Validate,
}

// TradeEntity stores trades, which never change once seen.
var TradeEntity = Entity[models.Trade]{
	Name:      "trades",
	Table:     "trades",
	KeyColumn: "id",
	Columns: []string{"id", "tx_hash", "log_index", "pool_address", "block_number",
		"ts", "side", "amount_usd", "price_usd"},
	Key: models.Trade.Key,
	Values: func(t models.Trade) []any {
		return []any{t.Key(), t.TxHash, t.LogIndex, t.PoolAddress, t.BlockNumber,
			t.Timestamp.UTC(), t.Side, t.AmountUSD, t.PriceUSD}
	},
	Validate: models.Trade.Validate,
}
