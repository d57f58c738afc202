package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the collection service.
type Config struct {
	Env      string
	HTTPPort string
	LogLevel string

	SQLitePath        string
	SQLiteBusyTimeout time.Duration
	PostgresDSN       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	AlertRateCapacity int
	AlertRateRefill   float64

	MarketAPIBaseURL string
	MarketAPITimeout time.Duration

	MaxConsecutiveErrors int
	ErrorRecoveryDelay   time.Duration
	HealthCheckInterval  time.Duration

	LedgerMaxRecordsPerCollector int
	MetricsRetention             time.Duration

	HealthMaxConsecutiveFailures int
	HealthMinSuccessRate         float64
	HealthMaxExecutionTime       time.Duration
	HealthStaleThreshold         time.Duration
	AlertCooldown                time.Duration

	BatchMaxSize    int
	BatchMaxWait    time.Duration
	BatchMaxRetries int
	BatchRetryDelay time.Duration

	StoreChunkSize      int
	StoreMaxLockRetries int
	StoreRetryBaseDelay time.Duration
	StoreRetryMaxDelay  time.Duration

	ExportDir         string
	ExportS3Bucket    string
	ExportS3Region    string
	ExportS3Endpoint  string
	ExportS3PathStyle bool

	CollectorIntervals map[string]string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:               env("APP_ENV", "dev", str),
		HTTPPort:          env("HTTP_PORT", "8080", str),
		LogLevel:          env("LOG_LEVEL", "info", str),
		SQLitePath:        env("SQLITE_PATH", "./data/market.db", str),
		SQLiteBusyTimeout: env("SQLITE_BUSY_TIMEOUT", 5*time.Second, time.ParseDuration),
		PostgresDSN:       env("POSTGRES_DSN", "", str),
		RedisAddr:         env("REDIS_ADDR", "", str),
		RedisPassword:     env("REDIS_PASSWORD", "", str),
		RedisDB:           env("REDIS_DB", 0, strconv.Atoi),

		AlertRateCapacity: env("ALERT_RATE_CAPACITY", 10, strconv.Atoi),
		AlertRateRefill:   env("ALERT_RATE_REFILL_PER_SEC", 0.1, float),

		MarketAPIBaseURL: env("MARKET_API_BASE_URL", "http://localhost:9000/api/v1", str),
		MarketAPITimeout: env("MARKET_API_TIMEOUT", 30*time.Second, time.ParseDuration),

		MaxConsecutiveErrors: env("SCHEDULER_MAX_CONSECUTIVE_ERRORS", 5, strconv.Atoi),
		ErrorRecoveryDelay:   env("SCHEDULER_ERROR_RECOVERY_DELAY", 60*time.Second, time.ParseDuration),
		HealthCheckInterval:  env("SCHEDULER_HEALTH_CHECK_INTERVAL", 300*time.Second, time.ParseDuration),

		LedgerMaxRecordsPerCollector: env("LEDGER_MAX_RECORDS_PER_COLLECTOR", 100, strconv.Atoi),
		MetricsRetention:             env("METRICS_RETENTION", 24*time.Hour, time.ParseDuration),

		HealthMaxConsecutiveFailures: env("HEALTH_MAX_CONSECUTIVE_FAILURES", 3, strconv.Atoi),
		HealthMinSuccessRate:         env("HEALTH_MIN_SUCCESS_RATE", 80, float),
		HealthMaxExecutionTime:       env("HEALTH_MAX_EXECUTION_TIME", 300*time.Second, time.ParseDuration),
		HealthStaleThreshold:         env("HEALTH_STALE_THRESHOLD", 2*time.Hour, time.ParseDuration),
		AlertCooldown:                env("ALERT_COOLDOWN", 30*time.Minute, time.ParseDuration),

		BatchMaxSize:    env("BATCH_MAX_SIZE", 100, strconv.Atoi),
		BatchMaxWait:    env("BATCH_MAX_WAIT", 5*time.Second, time.ParseDuration),
		BatchMaxRetries: env("BATCH_MAX_RETRIES", 3, strconv.Atoi),
		BatchRetryDelay: env("BATCH_RETRY_DELAY", time.Second, time.ParseDuration),

		StoreChunkSize:      env("STORE_CHUNK_SIZE", 500, strconv.Atoi),
		StoreMaxLockRetries: env("STORE_MAX_LOCK_RETRIES", 5, strconv.Atoi),
		StoreRetryBaseDelay: env("STORE_RETRY_BASE_DELAY", 100*time.Millisecond, time.ParseDuration),
		StoreRetryMaxDelay:  env("STORE_RETRY_MAX_DELAY", 5*time.Second, time.ParseDuration),

		ExportDir:         env("EXPORT_DIR", "./exports", str),
		ExportS3Bucket:    env("EXPORT_S3_BUCKET", "", str),
		ExportS3Region:    env("EXPORT_S3_REGION", "us-east-1", str),
		ExportS3Endpoint:  env("EXPORT_S3_ENDPOINT", "", str),
		ExportS3PathStyle: env("EXPORT_S3_PATH_STYLE", false, strconv.ParseBool),

		CollectorIntervals: map[string]string{
			"pool_collector":  env("POOL_INTERVAL", "1h", str),
			"token_collector": env("TOKEN_INTERVAL", "6h", str),
			"ohlcv_collector": env("OHLCV_INTERVAL", "15m", str),
			"trade_collector": env("TRADE_INTERVAL", "5m", str),
		},
	}
}

// env returns the parsed value of key, or def when the variable is unset, blank or fails to parse.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func str(s string) (string, error) { return s, nil }

func float(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
