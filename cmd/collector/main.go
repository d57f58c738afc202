package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "market-data-collector/internal/api"
	"market-data-collector/internal/archive"
	"market-data-collector/internal/batch"
	"market-data-collector/internal/collector"
	"market-data-collector/internal/config"
	"market-data-collector/internal/export"
	"market-data-collector/internal/health"
	"market-data-collector/internal/ledger"
	"market-data-collector/internal/logger"
	"market-data-collector/internal/metrics"
	"market-data-collector/internal/monitoring"
	"market-data-collector/internal/notify"
	"market-data-collector/internal/pipeline"
	"market-data-collector/internal/scheduler"
	"market-data-collector/internal/store"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Env == "dev"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, store.Config{
		Path:           cfg.SQLitePath,
		BusyTimeout:    cfg.SQLiteBusyTimeout,
		ChunkSize:      cfg.StoreChunkSize,
		MaxLockRetries: cfg.StoreMaxLockRetries,
		RetryBaseDelay: cfg.StoreRetryBaseDelay,
		RetryMaxDelay:  cfg.StoreRetryMaxDelay,
	}, lg.With(logger.String("component", "store")))
	if err != nil {
		lg.Error("open store", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	sink := pipeline.NewSink(db, batch.Config{
		MaxBatchSize: cfg.BatchMaxSize,
		MaxWaitTime:  cfg.BatchMaxWait,
		MaxRetries:   cfg.BatchMaxRetries,
		RetryDelay:   cfg.BatchRetryDelay,
	}, lg.With(logger.String("component", "batch")))

	led := ledger.New(cfg.LedgerMaxRecordsPerCollector, lg.With(logger.String("component", "ledger")))
	agg := metrics.NewAggregator(cfg.MetricsRetention)
	mon := health.NewMonitor(health.Config{
		MaxConsecutiveFailures: cfg.HealthMaxConsecutiveFailures,
		MinSuccessRate24h:      cfg.HealthMinSuccessRate,
		MaxExecutionTime:       cfg.HealthMaxExecutionTime,
		StaleThreshold:         cfg.HealthStaleThreshold,
		AlertCooldown:          cfg.AlertCooldown,
	}, led, agg, lg.With(logger.String("component", "health")))
	mon.AddAlertHandler(health.LogHandler{Log: lg.With(logger.String("component", "alerts"))})

	var opts []monitoring.Option
	var arch *archive.Archive
	if cfg.PostgresDSN != "" {
		arch, err = archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			lg.Error("connect archive", logger.Error(err))
			os.Exit(1)
		}
		defer arch.Close()
		opts = append(opts, monitoring.WithArchiver(arch))
	}
	svc := monitoring.NewService(led, agg, mon, lg.With(logger.String("component", "monitoring")), opts...)

	var apiOpts []api.Option
	if cfg.RedisAddr != "" {
		rdb := notify.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		throttle := notify.NewThrottle(rdb, cfg.AlertRateCapacity, cfg.AlertRateRefill)
		publisher := notify.NewRedisHandler(rdb, throttle, lg.With(logger.String("component", "notify")))
		svc.AddAlertHandler(publisher)
		apiOpts = append(apiOpts, api.WithAlertFeed(publisher))
	}

	sched := scheduler.New(scheduler.Config{
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		ErrorRecoveryDelay:   cfg.ErrorRecoveryDelay,
		HealthCheckInterval:  cfg.HealthCheckInterval,
	}, svc, sink, lg.With(logger.String("component", "scheduler")))

	for _, kind := range collector.Kinds {
		c := collector.NewHTTPCollector(kind, cfg.MarketAPIBaseURL, cfg.MarketAPITimeout, lg)
		interval := cfg.CollectorIntervals[kind.CollectorType()]
		if _, err := sched.Register(c, interval, scheduler.DefaultJobOptions()); err != nil {
			lg.Error("register collector", logger.String("collector", kind.CollectorType()), logger.Error(err))
			os.Exit(1)
		}
	}

	exp, err := export.FromConfig(ctx, export.Config{
		Dir: cfg.ExportDir,
		S3: export.S3Config{
			Bucket:    cfg.ExportS3Bucket,
			Region:    cfg.ExportS3Region,
			Endpoint:  cfg.ExportS3Endpoint,
			PathStyle: cfg.ExportS3PathStyle,
		},
	}, lg.With(logger.String("component", "export")))
	if err != nil {
		lg.Warn("export disabled", logger.Error(err))
		exp = nil
	}

	if err := sched.Start(ctx); err != nil {
		lg.Error("start scheduler", logger.Error(err))
		os.Exit(1)
	}

	httpServer := api.New(sched, svc, exp, lg.With(logger.String("component", "api")), apiOpts...).HTTPServer(":" + cfg.HTTPPort)
	lg.Info("api listening", logger.String("addr", httpServer.Addr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("listen", logger.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	sched.Stop()
	if n, err := sink.Close(shutdownCtx); err != nil {
		lg.Error("flush pending records", logger.Error(err))
	} else {
		lg.Info("pending records flushed", logger.Int("stored", n))
	}
}
