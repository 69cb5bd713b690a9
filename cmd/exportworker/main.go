// exportworker consumes the export queue, runs the streaming pipeline, and
// sweeps retention on an interval.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/ledgerworks/export-service/internal/cleanup"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/export"
	"github.com/ledgerworks/export-service/internal/queue"
	"github.com/ledgerworks/export-service/internal/repository"
	"github.com/ledgerworks/export-service/internal/source"
	"github.com/ledgerworks/export-service/internal/storage"
	"github.com/ledgerworks/export-service/internal/worker"
)

func main() {
	noSweep := flag.Bool("no-sweep", false, "disable the periodic retention sweep")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := repository.OpenLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Error("opening ledger failed", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()
	if err := ledger.Health(ctx); err != nil {
		logger.Error("ledger health failed", "error", err)
		os.Exit(1)
	}

	// Read-only pool over the transactional store.
	srcCfg, err := pgxpool.ParseConfig(cfg.Source.DSN)
	if err != nil {
		logger.Error("parsing source DSN failed", "error", err)
		os.Exit(1)
	}
	srcCfg.MaxConns = cfg.Source.MaxConns
	srcCfg.ConnConfig.RuntimeParams["application_name"] = "export-worker"
	srcCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	srcPool, err := pgxpool.NewWithConfig(ctx, srcCfg)
	if err != nil {
		logger.Error("connecting to source store failed", "error", err)
		os.Exit(1)
	}
	defer srcPool.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	q := queue.New(rdb)

	uploader, err := storage.NewUploader(cfg.S3, cfg.Export.UploadThreshold, cfg.Export.UploadPartSize, logger)
	if err != nil {
		logger.Error("creating uploader failed", "error", err)
		os.Exit(1)
	}

	src := source.NewPostgresSource(srcPool, cfg.Export.ChunkSize, logger)
	writer := export.NewWriter(src, cfg.Export.XLSXRowLimit)

	dispatcher := worker.NewDispatcher(ledger.Repo, writer, uploader, q,
		worker.RetryPolicy{
			MaxAttempts: cfg.Export.MaxRetries,
			BaseDelay:   cfg.Export.RetryBaseDelay,
			MaxDelay:    cfg.Export.RetryMaxDelay,
		},
		worker.Config{
			Slots:      cfg.Export.Workers,
			JobTimeout: cfg.Export.JobTimeout,
			TempDir:    cfg.Export.TempDir,
		},
		logger,
	)

	if !*noSweep {
		sweeper := cleanup.NewSweeper(ledger.Repo, uploader, cfg.Retention.Window, cfg.Retention.BatchSize, logger)
		go sweeper.Run(ctx, cfg.Retention.SweepInterval)
	}

	logger.Info("worker running", "slots", cfg.Export.Workers)
	dispatcher.Run(ctx)
	logger.Info("stopped")
}
