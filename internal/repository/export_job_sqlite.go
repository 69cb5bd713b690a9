package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/entity"
)

// SQLiteExportJobRepo is the embedded ledger backend for single-node
// deployments and tests. Same contract as the Postgres backend.
type SQLiteExportJobRepo struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteExportJobRepo opens (and creates, if needed) the SQLite ledger at
// path. Use ":memory:" for tests.
func NewSQLiteExportJobRepo(path string, logger *slog.Logger) (*SQLiteExportJobRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// The in-memory database evaporates with its connection.
	db.SetMaxOpenConns(1)

	r := &SQLiteExportJobRepo{db: db, logger: logger, now: time.Now}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite ledger schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteExportJobRepo) Close() error { return r.db.Close() }

func (r *SQLiteExportJobRepo) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS export_jobs (
		reference_id    TEXT PRIMARY KEY,
		table_name      TEXT NOT NULL,
		date_from       DATE NOT NULL,
		date_to         DATE NOT NULL,
		dedup_key       TEXT NOT NULL,
		format          TEXT NOT NULL DEFAULT 'csv',
		status          TEXT NOT NULL,
		file_reference  TEXT,
		file_size       INTEGER,
		row_count       INTEGER,
		reused_from_ref TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		error_message   TEXT,
		requested_by    TEXT NOT NULL DEFAULT 'unknown',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		started_at      TIMESTAMP,
		completed_at    TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_export_jobs_dedup_status ON export_jobs(dedup_key, status);
	CREATE INDEX IF NOT EXISTS idx_export_jobs_created_at ON export_jobs(created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteExportJobRepo) Create(ctx context.Context, job *entity.ExportJob) error {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return common.WrapError(err, "begin create")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `update export_jobs
		set status = ?, updated_at = ?
		where dedup_key = ? and status in (?, ?)`,
		constants.JobStatusSuperseded, now, job.DedupKey,
		constants.JobStatusCompleted, constants.JobStatusFailed); err != nil {
		return common.WrapError(err, "supersede prior jobs")
	}

	if _, err := tx.ExecContext(ctx, `insert into export_jobs (
		reference_id, table_name, date_from, date_to, dedup_key, format, status,
		reused_from_ref, retry_count, requested_by, created_at, updated_at
	) values (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ReferenceID, job.TableName, job.DateFrom, job.DateTo, job.DedupKey,
		job.Format, constants.JobStatusPending, job.ReusedFromRef,
		job.RequestedBy, now, now); err != nil {
		return common.WrapError(err, "insert export job")
	}

	if err := tx.Commit(); err != nil {
		return common.WrapError(err, "commit create")
	}

	job.Status = constants.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	r.logger.Info("export_job.created", "reference_id", job.ReferenceID, "dedup_key", job.DedupKey)
	return nil
}

func (r *SQLiteExportJobRepo) GetByReference(ctx context.Context, referenceID string) (*entity.ExportJob, error) {
	row := r.db.QueryRowContext(ctx,
		`select `+jobColumns+` from export_jobs where reference_id = ?`, referenceID)
	return scanJobSQL(row)
}

func (r *SQLiteExportJobRepo) FindCompletedByDedupKey(ctx context.Context, dedupKey string) (*entity.ExportJob, error) {
	row := r.db.QueryRowContext(ctx,
		`select `+jobColumns+` from export_jobs
		 where dedup_key = ? and status = ?
		 order by completed_at desc limit 1`,
		dedupKey, constants.JobStatusCompleted)
	return scanJobSQL(row)
}

func (r *SQLiteExportJobRepo) Claim(ctx context.Context, referenceID string) (bool, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `update export_jobs
		set status = ?, started_at = ?, updated_at = ?
		where reference_id = ? and status = ?`,
		constants.JobStatusInProgress, now, now, referenceID, constants.JobStatusPending)
	if err != nil {
		return false, common.WrapError(err, "claim export job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteExportJobRepo) Complete(ctx context.Context, referenceID, fileReference string, fileSize, rowCount int64) (bool, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `update export_jobs
		set status = ?, file_reference = ?, file_size = ?, row_count = ?,
		    completed_at = ?, updated_at = ?, error_message = null
		where reference_id = ? and status = ?`,
		constants.JobStatusCompleted, fileReference, fileSize, rowCount,
		now, now, referenceID, constants.JobStatusInProgress)
	if err != nil {
		return false, common.WrapError(err, "complete export job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteExportJobRepo) Fail(ctx context.Context, referenceID, message string) (int, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `update export_jobs
		set status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
		where reference_id = ? and status in (?, ?)`,
		constants.JobStatusFailed, message, now, referenceID,
		constants.JobStatusPending, constants.JobStatusInProgress)
	if err != nil {
		return 0, common.WrapError(err, "fail export job")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, common.NewAppError("STALE_TRANSITION", "job is no longer running", common.ErrConflict)
	}
	var retryCount int
	err = r.db.QueryRowContext(ctx,
		`select retry_count from export_jobs where reference_id = ?`, referenceID).Scan(&retryCount)
	if err != nil {
		return 0, common.WrapError(err, "read retry count")
	}
	return retryCount, nil
}

func (r *SQLiteExportJobRepo) ScheduleRetry(ctx context.Context, referenceID string) (bool, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `update export_jobs
		set status = ?, updated_at = ?
		where reference_id = ? and status = ?`,
		constants.JobStatusPending, now, referenceID, constants.JobStatusFailed)
	if err != nil {
		return false, common.WrapError(err, "schedule retry")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteExportJobRepo) ResetForRetry(ctx context.Context, referenceID string) (bool, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `update export_jobs
		set status = ?, error_message = null, retry_count = 0, updated_at = ?
		where reference_id = ? and status = ?`,
		constants.JobStatusPending, now, referenceID, constants.JobStatusFailed)
	if err != nil {
		return false, common.WrapError(err, "reset export job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteExportJobRepo) Cancel(ctx context.Context, referenceID, reason string) (bool, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `update export_jobs
		set status = ?, error_message = ?, updated_at = ?
		where reference_id = ? and status in (?, ?)`,
		constants.JobStatusFailed, reason, now, referenceID,
		constants.JobStatusPending, constants.JobStatusInProgress)
	if err != nil {
		return false, common.WrapError(err, "cancel export job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteExportJobRepo) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*entity.ExportJob, error) {
	rows, err := r.db.QueryContext(ctx, `select `+jobColumns+` from export_jobs
		where created_at < ? and status in (?, ?, ?)
		order by created_at asc limit ?`,
		cutoff, constants.JobStatusCompleted, constants.JobStatusFailed,
		constants.JobStatusSuperseded, limit)
	if err != nil {
		return nil, common.WrapError(err, "list expired jobs")
	}
	defer rows.Close()

	var jobs []*entity.ExportJob
	for rows.Next() {
		job, err := scanJobSQL(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *SQLiteExportJobRepo) Delete(ctx context.Context, referenceID string) error {
	_, err := r.db.ExecContext(ctx, `delete from export_jobs where reference_id = ?`, referenceID)
	return common.WrapError(err, "delete export job")
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanJobSQL(row sqlRow) (*entity.ExportJob, error) {
	var (
		job      entity.ExportJob
		fileRef  sql.NullString
		fileSize sql.NullInt64
		rowCount sql.NullInt64
		reused   sql.NullString
		errMsg   sql.NullString
		started  sql.NullTime
		complete sql.NullTime
	)
	err := row.Scan(
		&job.ReferenceID, &job.TableName, &job.DateFrom, &job.DateTo,
		&job.DedupKey, &job.Format, &job.Status,
		&fileRef, &fileSize, &rowCount,
		&reused, &job.RetryCount, &errMsg,
		&job.RequestedBy, &job.CreatedAt, &job.UpdatedAt,
		&started, &complete,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "scan export job")
	}
	job.FileReference = fileRef.String
	job.FileSize = fileSize.Int64
	job.RowCount = rowCount.Int64
	if reused.Valid {
		job.ReusedFromRef = &reused.String
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if complete.Valid {
		t := complete.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
