// Package export owns the create-or-reuse decision, the dedup key, and the
// artifact serialization used by the worker.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/entity"
	"github.com/ledgerworks/export-service/internal/repository"
)

// Queue enqueues a job reference for execution. runAt in the past or zero
// means immediately.
type Queue interface {
	Enqueue(ctx context.Context, referenceID string, runAt time.Time) error
}

// URLMinter turns a durable object reference into a time-limited download
// capability.
type URLMinter interface {
	PresignDownload(ctx context.Context, fileReference string) (string, error)
}

// DedupKey is a pure function of the extract's identity parameters. Dates are
// rendered as UTC calendar days so the digest is stable across timezones.
// The format is part of the identity: a csv and an xlsx extract of the same
// range are distinct canonical jobs, so completing one never supersedes the
// other's artifact.
func DedupKey(table string, from, to time.Time, format constants.ArtifactFormat) string {
	input := fmt.Sprintf("%s|%s|%s|%s",
		table,
		from.UTC().Format(common.DateLayout),
		to.UTC().Format(common.DateLayout),
		format)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CreateRequest is a validated export request.
type CreateRequest struct {
	TableName    string
	DateFrom     time.Time
	DateTo       time.Time
	Format       constants.ArtifactFormat
	ForceRefresh bool
	RequestedBy  string
}

// CreateResult is the create-or-reuse outcome.
type CreateResult struct {
	ReferenceID string
	Status      constants.JobStatus
	Reused      bool
	FileURL     string
}

// StatusResult is a job snapshot plus a freshly minted download URL when the
// job is COMPLETED. The URL is never persisted.
type StatusResult struct {
	Job     *entity.ExportJob
	FileURL string
}

// Service is the dedup and supersession engine.
type Service struct {
	repo    repository.ExportJobRepository
	storage URLMinter
	queue   Queue
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(repo repository.ExportJobRepository, storage URLMinter, queue Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, storage: storage, queue: queue, logger: logger, now: time.Now}
}

// CreateOrReuse decides whether the request can be served from a prior
// COMPLETED job or needs a new canonical one.
//
// The lookup and the supersede-and-insert are not serialized across
// concurrent identical requests: two racing callers can both miss the reuse
// lookup and both create a PENDING job. That costs duplicate work, never a
// corrupt ledger, and the supersession write keeps at most one canonical
// COMPLETED job per key once either finishes.
func (s *Service) CreateOrReuse(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := common.ValidateTableName(req.TableName); err != nil {
		return nil, err
	}
	if err := common.ValidateDateRange(req.DateFrom, req.DateTo); err != nil {
		return nil, err
	}
	if req.Format == "" {
		req.Format = constants.FormatCSV
	}

	key := DedupKey(req.TableName, req.DateFrom, req.DateTo, req.Format)
	caller := req.RequestedBy
	if caller == "" {
		caller = common.CallerFromContext(ctx)
	}

	// An open range (date_to is today) may still be accumulating rows, so a
	// cached artifact can never be authoritative for it.
	openRange := req.DateTo.UTC().Format(common.DateLayout) == s.now().UTC().Format(common.DateLayout)

	var reusedFrom *string
	prior, err := s.repo.FindCompletedByDedupKey(ctx, key)
	switch {
	case err == nil:
		if !req.ForceRefresh && !openRange {
			url, perr := s.storage.PresignDownload(ctx, prior.FileReference)
			if perr == nil {
				s.logger.Info("export.reused",
					"reference_id", prior.ReferenceID,
					"dedup_key", key,
					"caller", caller,
				)
				return &CreateResult{
					ReferenceID: prior.ReferenceID,
					Status:      prior.Status,
					Reused:      true,
					FileURL:     url,
				}, nil
			}
			// Stale or missing artifact: self-heal by creating a new job.
			s.logger.Warn("export.reuse_presign_failed",
				"reference_id", prior.ReferenceID, "error", perr)
		}
		ref := prior.ReferenceID
		reusedFrom = &ref
	case common.IsNotFound(err):
		// No prior completion; nothing to reuse or backlink.
	default:
		return nil, err
	}

	job := &entity.ExportJob{
		ReferenceID:   uuid.NewString(),
		TableName:     req.TableName,
		DateFrom:      req.DateFrom,
		DateTo:        req.DateTo,
		DedupKey:      key,
		Format:        req.Format,
		ReusedFromRef: reusedFrom,
		RequestedBy:   caller,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, job.ReferenceID, time.Time{}); err != nil {
		// The row exists but no message does; the job surfaces as stuck
		// PENDING and a manual retry re-enqueues it.
		s.logger.Error("export.enqueue_failed", "reference_id", job.ReferenceID, "error", err)
		return nil, common.WrapError(err, "enqueue export job")
	}

	s.logger.Info("export.created",
		"reference_id", job.ReferenceID,
		"table", req.TableName,
		"dedup_key", key,
		"force_refresh", req.ForceRefresh,
		"caller", caller,
	)
	return &CreateResult{ReferenceID: job.ReferenceID, Status: job.Status, Reused: false}, nil
}

// Status returns the job and, for COMPLETED jobs, a fresh download URL.
func (s *Service) Status(ctx context.Context, referenceID string) (*StatusResult, error) {
	job, err := s.repo.GetByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	res := &StatusResult{Job: job}
	if job.Status == constants.JobStatusCompleted && job.FileReference != "" {
		url, err := s.storage.PresignDownload(ctx, job.FileReference)
		if err != nil {
			return nil, common.WrapError(err, "mint download url")
		}
		res.FileURL = url
	}
	return res, nil
}

// Retry is the explicit manual retry for a permanently FAILED job.
func (s *Service) Retry(ctx context.Context, referenceID string) error {
	ok, err := s.repo.ResetForRetry(ctx, referenceID)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewAppError("NOT_RETRYABLE", "job is not in FAILED state", common.ErrConflict)
	}
	if err := s.queue.Enqueue(ctx, referenceID, time.Time{}); err != nil {
		return common.WrapError(err, "re-enqueue export job")
	}
	s.logger.Info("export.manual_retry", "reference_id", referenceID)
	return nil
}

// Cancel marks a PENDING or IN_PROGRESS job FAILED with the reason. In-flight
// work observes the transition at its next ledger write and discards its
// artifact; there is no preemption.
func (s *Service) Cancel(ctx context.Context, referenceID, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}
	ok, err := s.repo.Cancel(ctx, referenceID, reason)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewAppError("NOT_CANCELLABLE", "job is not pending or running", common.ErrConflict)
	}
	s.logger.Info("export.cancelled", "reference_id", referenceID, "reason", reason)
	return nil
}
