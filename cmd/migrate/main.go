// migrate applies ledger migrations and exits.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/repository"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if cfg.Ledger.Driver != "postgres" {
		logger.Info("sqlite ledger migrates itself on open; nothing to do")
		return
	}

	ctx := context.Background()
	pool, err := repository.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Error("opening ledger failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}
