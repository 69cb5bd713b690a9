package repository

import (
	"context"
	"log/slog"

	"github.com/ledgerworks/export-service/internal/common"
)

// Ledger bundles a repository with its backend's health and close hooks so
// binaries can stay backend-agnostic.
type Ledger struct {
	Repo   ExportJobRepository
	Health func(ctx context.Context) error
	Close  func()
}

// OpenLedger opens the configured ledger backend.
func OpenLedger(ctx context.Context, cfg common.LedgerConfig, logger *slog.Logger) (*Ledger, error) {
	switch cfg.Driver {
	case "sqlite":
		repo, err := NewSQLiteExportJobRepo(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return &Ledger{
			Repo:   repo,
			Health: func(ctx context.Context) error { return repo.db.PingContext(ctx) },
			Close:  func() { _ = repo.Close() },
		}, nil
	default:
		pool, err := Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Ledger{
			Repo:   NewExportJobRepository(pool, logger),
			Health: func(ctx context.Context) error { return HealthCheck(ctx, pool, cfg.HealthTimeout) },
			Close:  pool.Close,
		}, nil
	}
}
