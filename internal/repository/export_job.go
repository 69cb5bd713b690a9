package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/entity"
)

// ExportJobRepository is the ledger. Every mutation is a single atomic
// commit; state transitions are conditional updates so a lost race surfaces
// as "no row transitioned" instead of a clobbered row.
type ExportJobRepository interface {
	// Create inserts a new PENDING canonical job and, in the same
	// transaction, marks every COMPLETED or FAILED job sharing the dedup
	// key as SUPERSEDED.
	Create(ctx context.Context, job *entity.ExportJob) error

	GetByReference(ctx context.Context, referenceID string) (*entity.ExportJob, error)

	// FindCompletedByDedupKey returns the current canonical COMPLETED job
	// for the key, or common.ErrNotFound.
	FindCompletedByDedupKey(ctx context.Context, dedupKey string) (*entity.ExportJob, error)

	// Claim transitions PENDING -> IN_PROGRESS and stamps started_at.
	// PENDING is the only claimable state: a FAILED row means either a
	// cancellation or a failure not (yet) rescheduled, and a redelivery
	// finding one must drop, not resurrect it.
	Claim(ctx context.Context, referenceID string) (bool, error)

	// Complete transitions IN_PROGRESS -> COMPLETED with artifact metadata.
	// Returns false when the job left IN_PROGRESS in the meantime.
	Complete(ctx context.Context, referenceID, fileReference string, fileSize, rowCount int64) (bool, error)

	// Fail transitions PENDING/IN_PROGRESS -> FAILED, records the message
	// and increments retry_count, returning the new count. Returns
	// common.ErrConflict when the job was no longer running.
	Fail(ctx context.Context, referenceID, message string) (int, error)

	// ScheduleRetry transitions FAILED -> PENDING for an automatic
	// redelivery, preserving retry_count and error_message. Only the worker
	// that just recorded the failure calls this, before re-enqueueing.
	ScheduleRetry(ctx context.Context, referenceID string) (bool, error)

	// ResetForRetry is the explicit manual retry: FAILED -> PENDING,
	// clearing error_message and retry_count.
	ResetForRetry(ctx context.Context, referenceID string) (bool, error)

	// Cancel transitions PENDING/IN_PROGRESS -> FAILED with the
	// cancellation reason, without touching retry_count.
	Cancel(ctx context.Context, referenceID, reason string) (bool, error)

	// ListExpired returns terminal jobs created before cutoff, oldest first.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*entity.ExportJob, error)

	Delete(ctx context.Context, referenceID string) error
}

const jobColumns = `reference_id, table_name, date_from, date_to, dedup_key, format, status,
	file_reference, file_size, row_count, reused_from_ref, retry_count, error_message,
	requested_by, created_at, updated_at, started_at, completed_at`

type pgExportJobRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewExportJobRepository returns the Postgres-backed ledger.
func NewExportJobRepository(pool *pgxpool.Pool, logger *slog.Logger) ExportJobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &pgExportJobRepo{pool: pool, logger: logger, now: time.Now}
}

func (r *pgExportJobRepo) Create(ctx context.Context, job *entity.ExportJob) error {
	now := r.now().UTC()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return common.WrapError(err, "begin create")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `update export_jobs
		set status = $1, updated_at = $2
		where dedup_key = $3 and status in ($4, $5)`,
		constants.JobStatusSuperseded, now, job.DedupKey,
		constants.JobStatusCompleted, constants.JobStatusFailed)
	if err != nil {
		return common.WrapError(err, "supersede prior jobs")
	}

	_, err = tx.Exec(ctx, `insert into export_jobs (
		reference_id, table_name, date_from, date_to, dedup_key, format, status,
		reused_from_ref, retry_count, requested_by, created_at, updated_at
	) values ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $10)`,
		job.ReferenceID, job.TableName, job.DateFrom, job.DateTo, job.DedupKey,
		job.Format, constants.JobStatusPending, job.ReusedFromRef, job.RequestedBy, now)
	if err != nil {
		return common.WrapError(err, "insert export job")
	}

	if err := tx.Commit(ctx); err != nil {
		return common.WrapError(err, "commit create")
	}

	job.Status = constants.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	r.logger.Info("export_job.created",
		"reference_id", job.ReferenceID,
		"table", job.TableName,
		"dedup_key", job.DedupKey,
		"superseded", tag.RowsAffected(),
	)
	return nil
}

func (r *pgExportJobRepo) GetByReference(ctx context.Context, referenceID string) (*entity.ExportJob, error) {
	row := r.pool.QueryRow(ctx,
		`select `+jobColumns+` from export_jobs where reference_id = $1`, referenceID)
	return scanJob(row)
}

func (r *pgExportJobRepo) FindCompletedByDedupKey(ctx context.Context, dedupKey string) (*entity.ExportJob, error) {
	row := r.pool.QueryRow(ctx,
		`select `+jobColumns+` from export_jobs
		 where dedup_key = $1 and status = $2
		 order by completed_at desc limit 1`,
		dedupKey, constants.JobStatusCompleted)
	return scanJob(row)
}

func (r *pgExportJobRepo) Claim(ctx context.Context, referenceID string) (bool, error) {
	now := r.now().UTC()
	tag, err := r.pool.Exec(ctx, `update export_jobs
		set status = $1, started_at = $2, updated_at = $2
		where reference_id = $3 and status = $4`,
		constants.JobStatusInProgress, now, referenceID, constants.JobStatusPending)
	if err != nil {
		return false, common.WrapError(err, "claim export job")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgExportJobRepo) Complete(ctx context.Context, referenceID, fileReference string, fileSize, rowCount int64) (bool, error) {
	now := r.now().UTC()
	tag, err := r.pool.Exec(ctx, `update export_jobs
		set status = $1, file_reference = $2, file_size = $3, row_count = $4,
		    completed_at = $5, updated_at = $5, error_message = null
		where reference_id = $6 and status = $7`,
		constants.JobStatusCompleted, fileReference, fileSize, rowCount,
		now, referenceID, constants.JobStatusInProgress)
	if err != nil {
		return false, common.WrapError(err, "complete export job")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgExportJobRepo) Fail(ctx context.Context, referenceID, message string) (int, error) {
	now := r.now().UTC()
	var retryCount int
	err := r.pool.QueryRow(ctx, `update export_jobs
		set status = $1, error_message = $2, retry_count = retry_count + 1, updated_at = $3
		where reference_id = $4 and status in ($5, $6)
		returning retry_count`,
		constants.JobStatusFailed, message, now, referenceID,
		constants.JobStatusPending, constants.JobStatusInProgress).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, common.NewAppError("STALE_TRANSITION", "job is no longer running", common.ErrConflict)
	}
	if err != nil {
		return 0, common.WrapError(err, "fail export job")
	}
	return retryCount, nil
}

func (r *pgExportJobRepo) ScheduleRetry(ctx context.Context, referenceID string) (bool, error) {
	now := r.now().UTC()
	tag, err := r.pool.Exec(ctx, `update export_jobs
		set status = $1, updated_at = $2
		where reference_id = $3 and status = $4`,
		constants.JobStatusPending, now, referenceID, constants.JobStatusFailed)
	if err != nil {
		return false, common.WrapError(err, "schedule retry")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgExportJobRepo) ResetForRetry(ctx context.Context, referenceID string) (bool, error) {
	now := r.now().UTC()
	tag, err := r.pool.Exec(ctx, `update export_jobs
		set status = $1, error_message = null, retry_count = 0, updated_at = $2
		where reference_id = $3 and status = $4`,
		constants.JobStatusPending, now, referenceID, constants.JobStatusFailed)
	if err != nil {
		return false, common.WrapError(err, "reset export job")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgExportJobRepo) Cancel(ctx context.Context, referenceID, reason string) (bool, error) {
	now := r.now().UTC()
	tag, err := r.pool.Exec(ctx, `update export_jobs
		set status = $1, error_message = $2, updated_at = $3
		where reference_id = $4 and status in ($5, $6)`,
		constants.JobStatusFailed, reason, now, referenceID,
		constants.JobStatusPending, constants.JobStatusInProgress)
	if err != nil {
		return false, common.WrapError(err, "cancel export job")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgExportJobRepo) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*entity.ExportJob, error) {
	rows, err := r.pool.Query(ctx, `select `+jobColumns+` from export_jobs
		where created_at < $1 and status in ($2, $3, $4)
		order by created_at asc limit $5`,
		cutoff, constants.JobStatusCompleted, constants.JobStatusFailed,
		constants.JobStatusSuperseded, limit)
	if err != nil {
		return nil, common.WrapError(err, "list expired jobs")
	}
	defer rows.Close()

	var jobs []*entity.ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *pgExportJobRepo) Delete(ctx context.Context, referenceID string) error {
	_, err := r.pool.Exec(ctx, `delete from export_jobs where reference_id = $1`, referenceID)
	return common.WrapError(err, "delete export job")
}

// scanJob works for both pgx.Row and pgx.Rows.
func scanJob(row pgx.Row) (*entity.ExportJob, error) {
	var (
		job      entity.ExportJob
		fileRef  *string
		fileSize *int64
		rowCount *int64
	)
	err := row.Scan(
		&job.ReferenceID, &job.TableName, &job.DateFrom, &job.DateTo,
		&job.DedupKey, &job.Format, &job.Status,
		&fileRef, &fileSize, &rowCount,
		&job.ReusedFromRef, &job.RetryCount, &job.ErrorMessage,
		&job.RequestedBy, &job.CreatedAt, &job.UpdatedAt,
		&job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "scan export job")
	}
	if fileRef != nil {
		job.FileReference = *fileRef
	}
	if fileSize != nil {
		job.FileSize = *fileSize
	}
	if rowCount != nil {
		job.RowCount = *rowCount
	}
	return &job, nil
}
