// Package cleanup reclaims storage and ledger rows for terminal jobs past
// the retention window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerworks/export-service/internal/repository"
)

// ObjectStore is the slice of the uploader cleanup needs.
type ObjectStore interface {
	Delete(ctx context.Context, fileReference string) error
}

// Sweeper deletes expired terminal jobs and their artifacts.
type Sweeper struct {
	repo      repository.ExportJobRepository
	store     ObjectStore
	window    time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(repo repository.ExportJobRepository, store ObjectStore, window time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, store: store, window: window, batchSize: batchSize, logger: logger, now: time.Now}
}

// Sweep removes terminal jobs created before the retention cutoff and
// returns the number of ledger rows reclaimed. A failed object delete is
// logged and the row is removed anyway (a storage leak beats an unbounded
// ledger); a failed row delete skips to the next candidate.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.window)
	jobs, err := s.repo.ListExpired(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range jobs {
		if job.FileReference != "" {
			if err := s.store.Delete(ctx, job.FileReference); err != nil {
				s.logger.Error("cleanup.object_delete_failed",
					"reference_id", job.ReferenceID,
					"key", job.FileReference,
					"error", err,
				)
			}
		}
		if err := s.repo.Delete(ctx, job.ReferenceID); err != nil {
			s.logger.Error("cleanup.row_delete_failed", "reference_id", job.ReferenceID, "error", err)
			continue
		}
		reclaimed++
	}

	s.logger.Info("cleanup.sweep.done", "cutoff", cutoff, "candidates", len(jobs), "reclaimed", reclaimed)
	return reclaimed, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("cleanup.sweep_failed", "error", err)
			}
		}
	}
}
