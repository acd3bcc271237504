package main

import (
	"TradeLedger/internal/config"
	"TradeLedger/internal/core"
	"TradeLedger/internal/event"
	"TradeLedger/internal/ingestion"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/observability"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/query"
	"TradeLedger/internal/scheduler"
	"TradeLedger/internal/server"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $TRADELEDGER_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradeledger: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("tradeledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("tradeledger exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("store", cfg.Store).Msg("TradeLedger starting")
	startTime := time.Now()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	driver, dsn := cfg.SQLDriver()
	store, err := persistence.OpenStore(ctx, persistence.StoreOptions{
		Kind:          cfg.Store,
		Driver:        driver,
		DSN:           dsn,
		MigrationsDir: cfg.MigrationsDir,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Key locks ---
	var locker ledger.KeyLocker = ledger.NewLocalLocker()
	if cfg.RedisURL != "" {
		rl, err := ledger.NewRedisLockerFromURL(cfg.RedisURL, 10*time.Second)
		if err != nil {
			return err
		}
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rl.Close()
		locker = rl
		logger.Info().Msg("using Redis key locks")
	}

	// --- Ledger + engine ---
	ledgerLogger := logger.With().Str("component", "ledger").Logger()
	l := ledger.New(store, ledger.Config{
		MaxRetries: cfg.MaxMutationRetries,
		Locker:     locker,
		Metrics:    metrics,
		Logger:     &ledgerLogger,
	})
	// Readiness drops while the tables are being rebuilt
	l.OnRecompute(healthChecker.SetPaused)

	engineLogger := logger.With().Str("component", "engine").Logger()
	engine := core.NewEngine(l, core.Config{
		Shards:        cfg.Shards,
		LRUCapacity:   cfg.IdempotencyLRUCapacity,
		AutoRecompute: cfg.AutoRecompute,
	}, metrics, &engineLogger)

	if err := engine.WarmDedup(ctx); err != nil {
		return fmt.Errorf("warm dedup: %w", err)
	}
	engine.Start(ctx)
	defer engine.Stop()

	// --- Startup integrity check ---
	report, err := l.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("startup integrity check: %w", err)
	}
	if report.NeedsRecompute() {
		logger.Warn().
			Int("violations", len(report.Violations)).
			Int("pending_trades", report.PendingTrades).
			Msg("stored positions disagree with trade history, recomputing")
		if _, err := engine.Recompute(ctx); err != nil {
			return fmt.Errorf("startup recompute: %w", err)
		}
	}

	errChan := make(chan error, 10)

	// --- NATS (optional) ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}

		publisher := ingestion.NewOutboundPublisher(js, logger.With().Str("component", "publisher").Logger())
		rawEventChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawEventChan, logger)
		subCfg := ingestion.DefaultSubscriberConfig()
		if err := subscriber.Subscribe(ctx, subCfg); err != nil {
			return err
		}
		pipeline := ingestion.NewPipeline(engine, publisher, time.Second, logger.With().Str("component", "pipeline").Logger()).
			WithMaxDeliver(subCfg.MaxDeliver)

		// 1. Outbound publisher
		go func() {
			if err := publisher.Run(ctx, engine.Output()); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()

		// 2. NATS -> engine
		go pipeline.Run(ctx, rawEventChan, cfg.IngestWorkers)
	} else {
		logger.Warn().Msg("NATS disabled, trades arrive through the admin API only")
		go discardOutput(engine.Output(), logger)
	}

	// --- Services ---
	queryService := query.NewQueryService(store, metrics)
	ingestService := ingestion.NewManualIngestService(engine)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker, logger.With().Str("component", "grpc").Logger())
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, server.Deps{
		Query:       queryService,
		Ingest:      ingestService,
		Admin:       engine,
		Health:      healthChecker,
		Metrics:     metrics,
		CORSOrigins: cfg.CORSOrigins,
		StartTime:   startTime,
		Logger:      logger.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}

	// 3. gRPC health
	if cfg.GRPCAddr != "" {
		go func() {
			if err := grpcServer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// 4. HTTP API
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 5. Standalone metrics listener; /metrics is also on the API port
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		go func() {
			if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
				errChan <- err
			}
		}()
	}

	// 6. Scheduled jobs
	sched := scheduler.New(logger)
	if err := sched.AddJob(cfg.RecomputeSchedule, scheduler.NewRecomputeJob(engine, logger)); err != nil {
		return err
	}
	if err := sched.AddJob(cfg.IntegritySchedule, scheduler.NewIntegrityJob(l, engine, cfg.AutoRecompute, logger)); err != nil {
		return err
	}
	if cfg.S3Bucket != "" {
		archiver, err := persistence.NewS3Archiver(ctx, persistence.ArchiveConfig{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		}, logger)
		if err != nil {
			return err
		}
		if err := sched.AddJob(cfg.ArchiveSchedule, scheduler.NewArchiveJob(l, archiver, logger)); err != nil {
			return err
		}
	}
	sched.Start(ctx)

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)

	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("shards", cfg.Shards).
		Msg("TradeLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first so no message is taken that the engine cannot finish
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	sched.Stop()
	cancel()
	engine.Stop()

	logger.Info().Msg("TradeLedger shutdown complete")
	return runErr
}

// discardOutput drains the engine output when nothing publishes it.
func discardOutput(in <-chan event.Envelope, logger zerolog.Logger) {
	for env := range in {
		logger.Debug().Str("type", env.Type).Str("trade_id", env.TradeID).Msg("effect")
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
