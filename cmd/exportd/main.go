// exportd is the request-serving tier: create-or-reuse, status, retry,
// cancel, on-demand cleanup, health.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/ledgerworks/export-service/internal/cleanup"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/export"
	"github.com/ledgerworks/export-service/internal/queue"
	"github.com/ledgerworks/export-service/internal/repository"
	"github.com/ledgerworks/export-service/internal/server"
	"github.com/ledgerworks/export-service/internal/storage"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply ledger migrations on startup (postgres only)")
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

	if *migrate && cfg.Ledger.Driver == "postgres" {
		pool, err := repository.Open(ctx, cfg.Ledger, logger)
		if err != nil {
			logger.Error("opening migration pool failed", "error", err)
			os.Exit(1)
		}
		err = repository.Migrate(ctx, pool, logger)
		pool.Close()
		if err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	if err := ledger.Health(ctx); err != nil {
		logger.Error("ledger health failed", "error", err)
		os.Exit(1)
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	q := queue.New(rdb)

	uploader, err := storage.NewUploader(cfg.S3, cfg.Export.UploadThreshold, cfg.Export.UploadPartSize, logger)
	if err != nil {
		logger.Error("creating uploader failed", "error", err)
		os.Exit(1)
	}

	svc := export.NewService(ledger.Repo, uploader, q, logger)
	sweeper := cleanup.NewSweeper(ledger.Repo, uploader, cfg.Retention.Window, cfg.Retention.BatchSize, logger)

	srv := server.New(svc, sweeper, map[string]server.HealthChecker{
		"ledger":       ledger.Health,
		"queue":        q.Health,
		"object_store": uploader.Health,
	}, cfg.Server.APIKeys, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("stopped")
}
