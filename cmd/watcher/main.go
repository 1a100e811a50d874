package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"mediafetch/internal/config"
	"mediafetch/internal/downloader"
	"mediafetch/internal/organizer"
	"mediafetch/internal/publisher"
	"mediafetch/internal/scanner"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/service"
	"mediafetch/internal/storage/postgres"
	"mediafetch/internal/sweeper"
	"mediafetch/internal/transfer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	sink, err := publisher.NewAMQP(publisher.Config{
		URL:      cfg.AMQP.URL,
		Exchange: cfg.AMQP.Exchange,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	// Stores
	siteStore := postgres.NewSiteStore(db)
	recordStore := postgres.NewRecordStore(db)
	scanStateStore := postgres.NewScanStateStore(db)
	txManager := postgres.NewTransactionManager(db)

	fs := afero.NewOsFs()

	scan := scanner.New(scanner.Config{
		Timeout:         cfg.Scan.Timeout,
		PaginationDepth: cfg.Scan.PaginationDepth,
	}, logger)

	globalSlots := semaphore.NewWeighted(cfg.Download.GlobalConcurrency)
	fetch := downloader.New(downloader.Config{
		TempDir:  cfg.Storage.TempDir,
		MaxBytes: cfg.Download.MaxFileSizeBytes,
		Timeout:  cfg.Download.Timeout,
		Retry: downloader.RetryPolicy{
			MaxAttempts:    cfg.Download.Retry.MaxAttempts,
			InitialBackoff: cfg.Download.Retry.InitialBackoff,
			MaxBackoff:     cfg.Download.Retry.MaxBackoff,
		},
	}, fs, globalSlots, logger)

	organize := organizer.New(fs, cfg.Storage.BaseDir)

	deliver := transfer.New(transfer.Config{
		SizeLimit:    cfg.Transfer.SizeLimitBytes,
		PauseBetween: cfg.Transfer.PauseBetween,
		Retry: downloader.RetryPolicy{
			MaxAttempts:    cfg.Transfer.Retry.MaxAttempts,
			InitialBackoff: cfg.Transfer.Retry.InitialBackoff,
			MaxBackoff:     cfg.Transfer.Retry.MaxBackoff,
		},
	}, fs, sink, recordStore, logger)

	pipeline := service.NewPipeline(
		scan,
		recordStore,
		fetch,
		organize,
		deliver,
		cfg.Download.Concurrency,
		logger,
	)

	sched := scheduler.New(scheduler.Config{
		DefaultInterval: cfg.Scan.DefaultInterval,
	}, siteStore, scanStateStore, txManager, pipeline, logger)

	sweep := sweeper.New(sweeper.Config{
		BaseDir:   cfg.Storage.BaseDir,
		TempDir:   cfg.Storage.TempDir,
		Interval:  cfg.Cleanup.Interval,
		Retention: cfg.Cleanup.Retention,
	}, fs, recordStore, sched.ReleaseStorageHolds, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		if err := sweep.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("sweeper error", "error", err)
		}
	}()

	logger.Info("starting media watcher",
		"interval", cfg.Scan.DefaultInterval,
		"max_file_size", cfg.Download.MaxFileSizeBytes,
		"transfer_limit", cfg.Transfer.SizeLimitBytes,
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
