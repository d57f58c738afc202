package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/models"
)

func openTestDB(t *testing.T, path string, mutate func(*Config)) *DB {
	t.Helper()
	cfg := DefaultConfig(path)
	cfg.BusyTimeout = time.Millisecond
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	db, err := Open(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func trade(i int) models.Trade {
	return models.Trade{
		TxHash:      fmt.Sprintf("0xtx%02d", i),
		PoolAddress: "0xpool",
		BlockNumber: int64(1000 + i),
		Timestamp:   time.Unix(1700000000+int64(i), 0).UTC(),
		Side:        "buy",
		AmountUSD:   float64(i),
		PriceUSD:    1.5,
	}
}

func TestStoreBatchSkipsExistingKeys(t *testing.T) {
	ctx := context.Background()
	for _, existingAt := range []int{0, 4, 9} {
		t.Run(fmt.Sprintf("existing_at_%d", existingAt), func(t *testing.T) {
			db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), nil)
			trades := NewAdapter(db, TradeEntity)

			n, err := trades.StoreBatch(ctx, []models.Trade{trade(existingAt)})
			require.NoError(t, err)
			require.Equal(t, 1, n)

			batch := make([]models.Trade, 10)
			for i := range batch {
				batch[i] = trade(i)
			}
			n, err = trades.StoreBatch(ctx, batch)
			require.NoError(t, err)
			assert.Equal(t, 9, n)

			total, err := trades.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 10, total)
		})
	}
}

func TestStoreBatchDropsInvalidAndDuplicates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), nil)
	tokens := NewAdapter(db, TokenEntity)

	n, err := tokens.StoreBatch(ctx, []models.Token{
		{Address: "0xa", Symbol: "AAA", Decimals: 18},
		{Address: "", Symbol: "BAD"},
		{Address: "0xb", Symbol: "BBB", Decimals: 6},
		{Address: "0xa", Symbol: "AAA2", Decimals: 18},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var symbol string
	require.NoError(t, db.reader.Get(&symbol, "SELECT symbol FROM tokens WHERE address = ?", "0xa"))
	assert.Equal(t, "AAA2", symbol)
}

func TestStoreBatchUpdatesMutableRecords(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), nil)
	pools := NewAdapter(db, PoolEntity)

	pool := models.Pool{Address: "0xpool", Network: "eth", Name: "WETH/USDC", ReserveUSD: 100, UpdatedAt: time.Now()}
	n, err := pools.StoreBatch(ctx, []models.Pool{pool})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pool.ReserveUSD = 250
	n, err = pools.StoreBatch(ctx, []models.Pool{pool})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var reserve float64
	require.NoError(t, db.reader.Get(&reserve, "SELECT reserve_usd FROM pools WHERE address = ?", "0xpool"))
	assert.Equal(t, 250.0, reserve)
}

func TestExistingKeysChunks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), func(c *Config) { c.ChunkSize = 3 })
	trades := NewAdapter(db, TradeEntity)

	batch := make([]models.Trade, 8)
	keys := make([]string, 0, 10)
	for i := range batch {
		batch[i] = trade(i)
		keys = append(keys, batch[i].Key())
	}
	_, err := trades.StoreBatch(ctx, batch)
	require.NoError(t, err)

	keys = append(keys, "missing:1", "missing:2")
	found, err := trades.ExistingKeys(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, found, 8)
	assert.False(t, found["missing:1"])
}

type quote struct {
	ID     string
	Symbol string
}

func TestInsertFallsBackOnSecondaryUniqueCollision(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), nil)
	_, err := db.writer.Exec(`CREATE TABLE quotes (id TEXT PRIMARY KEY, symbol TEXT NOT NULL UNIQUE)`)
	require.NoError(t, err)

	quotes := NewAdapter(db, Entity[quote]{
		Name:      "quotes",
		Table:     "quotes",
		KeyColumn: "id",
		Columns:   []string{"id", "symbol"},
		Key:       func(q quote) string { return q.ID },
		Values:    func(q quote) []any { return []any{q.ID, q.Symbol} },
	})

	n, err := quotes.StoreBatch(ctx, []quote{{ID: "a", Symbol: "ETH"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = quotes.StoreBatch(ctx, []quote{{ID: "b", Symbol: "ETH"}, {ID: "c", Symbol: "BTC"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	total, err := quotes.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

// holdWriteLock opens a second connection to the same file and keeps an
// immediate transaction open, as another process would.
func holdWriteLock(t *testing.T, path string) *sqlx.Tx {
	t.Helper()
	other, err := sqlx.Connect("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=1", path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	tx, err := other.Beginx()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO tokens (address, symbol) VALUES ('0xlock', 'LOCK')`)
	require.NoError(t, err)
	return tx
}

func TestWriteSessionRetriesLockContention(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "market.db")
	db := openTestDB(t, path, func(c *Config) { c.MaxLockRetries = 20 })
	tokens := NewAdapter(db, TokenEntity)

	tx := holdWriteLock(t, path)
	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = tx.Rollback()
	}()

	n, err := tokens.StoreBatch(ctx, []models.Token{{Address: "0xa", Symbol: "AAA"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteSessionGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "market.db")
	db := openTestDB(t, path, func(c *Config) { c.MaxLockRetries = 2 })
	tokens := NewAdapter(db, TokenEntity)

	tx := holdWriteLock(t, path)
	defer func() { _ = tx.Rollback() }()

	_, err := tokens.StoreBatch(ctx, []models.Token{{Address: "0xa", Symbol: "AAA"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockContention))
	assert.True(t, errors.Is(err, ErrUnrecoverable))
}

func TestWriteSessionRetriesUpToMaxLockRetries(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), func(c *Config) {
		c.MaxLockRetries = 5
		c.RetryBaseDelay = time.Millisecond
	})
	calls := 0
	err := db.writeSession(context.Background(), func(context.Context, *sqlx.Tx) error {
		calls++
		return errors.New("database is locked")
	})
	require.ErrorIs(t, err, ErrLockContention)
	assert.Equal(t, 6, calls)
}

func TestWriteSessionDoesNotRetryOtherErrors(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), nil)
	calls := 0
	err := db.writeSession(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		_, err := tx.ExecContext(ctx, "INSERT INTO missing_table VALUES (1)")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, ErrUnrecoverable))
	assert.False(t, errors.Is(err, ErrLockContention))
}

func TestReaderIsQueryOnly(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "market.db"), nil)
	_, err := db.reader.Exec(`INSERT INTO tokens (address, symbol) VALUES ('0xz', 'ZZZ')`)
	assert.Error(t, err)
}
