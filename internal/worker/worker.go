// Package worker executes export jobs delivered from the queue. It is the
// single place that decides ledger transitions and retry scheduling; the
// streaming and upload layers only raise structured failures.
package worker

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/entity"
	"github.com/ledgerworks/export-service/internal/export"
	"github.com/ledgerworks/export-service/internal/repository"
	"github.com/ledgerworks/export-service/internal/storage"
)

// Queue is the slice of the dispatch channel the worker needs.
type Queue interface {
	Dequeue(ctx context.Context, block time.Duration) (string, error)
	Enqueue(ctx context.Context, referenceID string, runAt time.Time) error
	MoveDue(ctx context.Context, now time.Time, batch int64) error
}

// ObjectStore is the slice of the uploader the worker needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, filePath, key string) error
	Delete(ctx context.Context, fileReference string) error
}

// Config tunes the dispatcher.
type Config struct {
	Slots      int
	JobTimeout time.Duration
	TempDir    string
	// PollBlock bounds each BRPOP wait so shutdown is responsive.
	PollBlock time.Duration
	// PromoteInterval is how often delayed retries are moved to the ready
	// queue.
	PromoteInterval time.Duration
}

// Dispatcher consumes job references and runs the export pipeline for each.
type Dispatcher struct {
	repo   repository.ExportJobRepository
	writer *export.Writer
	store  ObjectStore
	queue  Queue
	policy RetryPolicy
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	wg   sync.WaitGroup
	once sync.Once
}

func NewDispatcher(repo repository.ExportJobRepository, writer *export.Writer, store ObjectStore, queue Queue, policy RetryPolicy, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = 5 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo:   repo,
		writer: writer,
		store:  store,
		queue:  queue,
		policy: policy,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run starts the worker slots and the delayed-message promoter, then blocks
// until ctx is cancelled and all in-flight jobs finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.once.Do(func() {
		for i := 0; i < d.cfg.Slots; i++ {
			d.wg.Add(1)
			go func(slot int) {
				defer d.wg.Done()
				d.logger.Info("worker.slot.started", "slot", slot)
				d.consumeLoop(ctx)
				d.logger.Info("worker.slot.stopped", "slot", slot)
			}(i + 1)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.promoteLoop(ctx)
		}()
	})
	d.wg.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ref, err := d.queue.Dequeue(ctx, d.cfg.PollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("worker.dequeue_failed", "error", err)
			sleepWithContext(ctx, d.cfg.PollBlock)
			continue
		}
		if ref == "" {
			continue
		}
		d.Process(ctx, ref)
	}
}

func (d *Dispatcher) promoteLoop(ctx context.Context) {
	tick := time.NewTicker(d.cfg.PromoteInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := d.queue.MoveDue(ctx, d.now(), 200); err != nil && ctx.Err() == nil {
				d.logger.Error("worker.promote_failed", "error", err)
			}
		}
	}
}

// Process handles one delivery. Delivery is at-least-once, so every step
// tolerates a concurrent or earlier delivery of the same reference.
func (d *Dispatcher) Process(ctx context.Context, referenceID string) {
	job, err := d.repo.GetByReference(ctx, referenceID)
	if common.IsNotFound(err) {
		// Ledger row gone (cleaned up, or never committed): terminal no-op.
		d.logger.Warn("worker.job_missing", "reference_id", referenceID)
		return
	}
	if err != nil {
		d.logger.Error("worker.load_failed", "reference_id", referenceID, "error", err)
		if qerr := d.queue.Enqueue(ctx, referenceID, d.now().Add(d.policy.BaseDelay)); qerr != nil {
			d.logger.Error("worker.requeue_failed", "reference_id", referenceID, "error", qerr)
		}
		return
	}

	claimed, err := d.repo.Claim(ctx, referenceID)
	if err != nil {
		d.logger.Error("worker.claim_failed", "reference_id", referenceID, "error", err)
		return
	}
	if !claimed {
		// Already completed, owned by another delivery, cancelled, or
		// permanently failed. Dropping here is what makes cancellation of a
		// queued job stick.
		d.logger.Info("worker.not_claimable", "reference_id", referenceID, "status", job.Status)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	err = d.execute(jobCtx, job)
	cancel()
	if err != nil {
		d.fail(ctx, job, err)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *entity.ExportJob) error {
	start := d.now()

	tmp, err := os.CreateTemp(d.cfg.TempDir, "export-*"+job.Format.Extension())
	if err != nil {
		return common.WrapError(err, "create artifact temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	rowCount, err := d.writer.WriteArtifact(ctx, job.TableName, job.DateFrom, job.DateTo, job.Format, tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return common.WrapError(err, "close artifact temp file")
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		return common.WrapError(err, "stat artifact temp file")
	}

	key := storage.ObjectKey(job.TableName, job.DateFrom, job.DateTo, job.ReferenceID, job.Format)
	if err := d.store.UploadFile(ctx, tmpPath, key); err != nil {
		return err
	}

	ok, err := d.repo.Complete(ctx, job.ReferenceID, key, info.Size(), rowCount)
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled (or raced) while we were running; the artifact has no
		// owner, drop it.
		d.logger.Warn("worker.completion_discarded", "reference_id", job.ReferenceID)
		if derr := d.store.Delete(ctx, key); derr != nil {
			d.logger.Error("worker.orphan_delete_failed", "key", key, "error", derr)
		}
		return nil
	}

	d.logger.Info("worker.job_completed",
		"reference_id", job.ReferenceID,
		"table", job.TableName,
		"rows", rowCount,
		"bytes", info.Size(),
		"elapsed_ms", d.now().Sub(start).Milliseconds(),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, job *entity.ExportJob, cause error) {
	retryCount, err := d.repo.Fail(ctx, job.ReferenceID, truncateMessage(cause.Error()))
	if err != nil {
		// Most likely cancelled underneath us; the ledger already says FAILED.
		d.logger.Warn("worker.fail_transition_skipped", "reference_id", job.ReferenceID, "error", err)
		return
	}

	if common.IsValidation(cause) {
		d.logger.Error("worker.job_rejected", "reference_id", job.ReferenceID, "error", cause)
		return
	}
	if retryCount < d.policy.MaxAttempts {
		// Put the row back to PENDING before re-enqueueing so the retry
		// delivery finds a claimable job, while a FAILED row stays
		// unclaimable. We just wrote the FAILED transition ourselves; a lost
		// race here means a manual retry beat us and already enqueued.
		ok, serr := d.repo.ScheduleRetry(ctx, job.ReferenceID)
		if serr != nil {
			d.logger.Error("worker.schedule_retry_failed", "reference_id", job.ReferenceID, "error", serr)
			return
		}
		if !ok {
			d.logger.Warn("worker.schedule_retry_lost", "reference_id", job.ReferenceID)
			return
		}
		delay := d.policy.Backoff(retryCount - 1)
		d.logger.Warn("worker.job_retry_scheduled",
			"reference_id", job.ReferenceID,
			"attempt", retryCount,
			"delay", delay,
			"error", cause,
		)
		if qerr := d.queue.Enqueue(ctx, job.ReferenceID, d.now().Add(delay)); qerr != nil {
			d.logger.Error("worker.requeue_failed", "reference_id", job.ReferenceID, "error", qerr)
		}
		return
	}
	d.logger.Error("worker.job_failed_permanently",
		"reference_id", job.ReferenceID,
		"attempts", retryCount,
		"error", cause,
	)
}

func truncateMessage(msg string) string {
	const maxLen = 1000
	msg = strings.TrimSpace(msg)
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:maxLen]
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
