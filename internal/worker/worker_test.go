package worker_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/entity"
	"github.com/ledgerworks/export-service/internal/export"
	"github.com/ledgerworks/export-service/internal/source"
	"github.com/ledgerworks/export-service/internal/worker"
)

type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*entity.ExportJob

	failErr error
}

func newMemRepo(jobs ...*entity.ExportJob) *memRepo {
	r := &memRepo{jobs: map[string]*entity.ExportJob{}}
	for _, j := range jobs {
		r.jobs[j.ReferenceID] = j
	}
	return r
}

func (r *memRepo) Create(ctx context.Context, job *entity.ExportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ReferenceID] = job
	return nil
}

func (r *memRepo) GetByReference(ctx context.Context, ref string) (*entity.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[ref]; ok {
		return j, nil
	}
	return nil, common.ErrNotFound
}

func (r *memRepo) FindCompletedByDedupKey(ctx context.Context, key string) (*entity.ExportJob, error) {
	return nil, common.ErrNotFound
}

func (r *memRepo) Claim(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[ref]; ok && j.Status == constants.JobStatusPending {
		j.Status = constants.JobStatusInProgress
		return true, nil
	}
	return false, nil
}

func (r *memRepo) ScheduleRetry(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[ref]; ok && j.Status == constants.JobStatusFailed {
		j.Status = constants.JobStatusPending
		return true, nil
	}
	return false, nil
}

func (r *memRepo) Complete(ctx context.Context, ref, fileRef string, size, rows int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[ref]
	if !ok || j.Status != constants.JobStatusInProgress {
		return false, nil
	}
	j.Status = constants.JobStatusCompleted
	j.FileReference = fileRef
	j.FileSize = size
	j.RowCount = rows
	return true, nil
}

func (r *memRepo) Fail(ctx context.Context, ref, msg string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return 0, r.failErr
	}
	j := r.jobs[ref]
	j.Status = constants.JobStatusFailed
	j.RetryCount++
	j.ErrorMessage = &msg
	return j.RetryCount, nil
}

func (r *memRepo) ResetForRetry(ctx context.Context, ref string) (bool, error) { return false, nil }
func (r *memRepo) Cancel(ctx context.Context, ref, reason string) (bool, error) {
	return false, nil
}
func (r *memRepo) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*entity.ExportJob, error) {
	return nil, nil
}
func (r *memRepo) Delete(ctx context.Context, ref string) error { return nil }

type memQueue struct {
	mu       sync.Mutex
	enqueued []struct {
		ref   string
		runAt time.Time
	}
}

func (q *memQueue) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	return "", nil
}

func (q *memQueue) Enqueue(ctx context.Context, ref string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, struct {
		ref   string
		runAt time.Time
	}{ref, runAt})
	return nil
}

func (q *memQueue) MoveDue(ctx context.Context, now time.Time, batch int64) error { return nil }

type memStore struct {
	mu        sync.Mutex
	uploaded  []string
	deleted   []string
	uploadErr error
}

func (s *memStore) UploadFile(ctx context.Context, filePath, key string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded = append(s.uploaded, key)
	return nil
}

func (s *memStore) Delete(ctx context.Context, fileReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, fileReference)
	return nil
}

type staticSource struct {
	rows int
	err  error
}

func (s *staticSource) StreamRange(ctx context.Context, table string, from, to time.Time, fn source.ChunkFunc) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	chunk := source.Chunk{Columns: []string{"id"}}
	for i := 0; i < s.rows; i++ {
		chunk.Rows = append(chunk.Rows, []string{"x"})
	}
	if err := fn(chunk); err != nil {
		return 0, err
	}
	return int64(s.rows), nil
}

func testJob(ref string) *entity.ExportJob {
	return &entity.ExportJob{
		ReferenceID: ref,
		TableName:   "payments",
		DateFrom:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:      time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Format:      constants.FormatCSV,
		Status:      constants.JobStatusPending,
	}
}

func newDispatcher(t *testing.T, repo *memRepo, q *memQueue, store *memStore, src source.RowSource) *worker.Dispatcher {
	t.Helper()
	return worker.NewDispatcher(repo, export.NewWriter(src, 0), store, q,
		worker.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: 5 * time.Minute},
		worker.Config{Slots: 1, TempDir: t.TempDir()},
		nil,
	)
}

func TestProcessCompletesJob(t *testing.T) {
	t.Parallel()

	repo := newMemRepo(testJob("ref-1"))
	q := &memQueue{}
	store := &memStore{}
	d := newDispatcher(t, repo, q, store, &staticSource{rows: 5})

	d.Process(context.Background(), "ref-1")

	job := repo.jobs["ref-1"]
	if job.Status != constants.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	if job.RowCount != 5 {
		t.Fatalf("expected 5 rows, got %d", job.RowCount)
	}
	if job.FileSize <= 0 {
		t.Fatal("expected a positive artifact size")
	}
	if len(store.uploaded) != 1 || store.uploaded[0] != job.FileReference {
		t.Fatalf("expected the artifact uploaded under the recorded key, got %v", store.uploaded)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("success must not schedule a retry")
	}
}

func TestProcessMissingJobIsNoOp(t *testing.T) {
	t.Parallel()

	q := &memQueue{}
	store := &memStore{}
	d := newDispatcher(t, newMemRepo(), q, store, &staticSource{})

	d.Process(context.Background(), "ghost")

	if len(q.enqueued) != 0 || len(store.uploaded) != 0 {
		t.Fatal("a missing ledger row must be dropped silently")
	}
}

func TestProcessUnclaimableDeliveryIsDropped(t *testing.T) {
	t.Parallel()

	job := testJob("ref-1")
	job.Status = constants.JobStatusCompleted
	repo := newMemRepo(job)
	q := &memQueue{}
	store := &memStore{}
	d := newDispatcher(t, repo, q, store, &staticSource{rows: 1})

	d.Process(context.Background(), "ref-1")

	if len(store.uploaded) != 0 {
		t.Fatal("unclaimable delivery must not run the pipeline")
	}
	if len(q.enqueued) != 0 {
		t.Fatal("unclaimable delivery must not requeue")
	}
}

func TestProcessDeliveryAfterCancelIsDropped(t *testing.T) {
	t.Parallel()

	// A job cancelled while its message waited in the queue: FAILED, with
	// the cancellation reason and no retries spent.
	job := testJob("ref-1")
	job.Status = constants.JobStatusFailed
	reason := "cancelled by caller"
	job.ErrorMessage = &reason
	repo := newMemRepo(job)
	q := &memQueue{}
	store := &memStore{}
	d := newDispatcher(t, repo, q, store, &staticSource{rows: 1})

	d.Process(context.Background(), "ref-1")

	if job.Status != constants.JobStatusFailed {
		t.Fatalf("cancellation must survive the delivery, got %s", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != reason {
		t.Fatal("cancellation reason must be preserved")
	}
	if len(store.uploaded) != 0 || len(q.enqueued) != 0 {
		t.Fatal("a cancelled job must never run or requeue")
	}
}

func TestProcessFailureSchedulesBackoff(t *testing.T) {
	t.Parallel()

	repo := newMemRepo(testJob("ref-1"))
	q := &memQueue{}
	store := &memStore{}
	d := newDispatcher(t, repo, q, store, &staticSource{err: errors.New("source down")})

	d.Process(context.Background(), "ref-1")

	job := repo.jobs["ref-1"]
	// Scheduled retries park the row back at PENDING so the redelivery can
	// claim it; only the error bookkeeping marks the attempt.
	if job.Status != constants.JobStatusPending {
		t.Fatalf("expected PENDING awaiting retry, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", job.RetryCount)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("first failure must schedule a redelivery, got %d", len(q.enqueued))
	}
	delay := time.Until(q.enqueued[0].runAt)
	if delay < 50*time.Second || delay > 70*time.Second {
		t.Fatalf("first retry should use the base delay, got %v", delay)
	}
}

func TestProcessExhaustedRetriesStopRequeueing(t *testing.T) {
	t.Parallel()

	job := testJob("ref-1")
	job.RetryCount = 2
	repo := newMemRepo(job)
	q := &memQueue{}
	d := newDispatcher(t, repo, q, &memStore{}, &staticSource{err: errors.New("source down")})

	d.Process(context.Background(), "ref-1")

	if job.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", job.RetryCount)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("the final attempt must not requeue")
	}
}

func TestProcessValidationFailureIsPermanent(t *testing.T) {
	t.Parallel()

	job := testJob("ref-1")
	job.Format = "parquet"
	repo := newMemRepo(job)
	q := &memQueue{}
	d := newDispatcher(t, repo, q, &memStore{}, &staticSource{rows: 1})

	d.Process(context.Background(), "ref-1")

	if repo.jobs["ref-1"].Status != constants.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", repo.jobs["ref-1"].Status)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("a malformed job must never be retried")
	}
}

func TestProcessCancelledMidFlightOrphansArtifact(t *testing.T) {
	t.Parallel()

	repo := newMemRepo(testJob("ref-1"))
	store := &memStore{}
	src := &cancellingSource{repo: repo, ref: "ref-1", rows: 2}
	d := newDispatcher(t, repo, &memQueue{}, store, src)

	d.Process(context.Background(), "ref-1")

	if len(store.deleted) != 1 {
		t.Fatalf("discarded completion must delete its artifact, got %v", store.deleted)
	}
	if repo.jobs["ref-1"].Status != constants.JobStatusFailed {
		t.Fatalf("cancellation must stick, got %s", repo.jobs["ref-1"].Status)
	}
}

// cancellingSource flips the job to FAILED while the scan is running, the way
// a concurrent cancel would.
type cancellingSource struct {
	repo *memRepo
	ref  string
	rows int
}

func (s *cancellingSource) StreamRange(ctx context.Context, table string, from, to time.Time, fn source.ChunkFunc) (int64, error) {
	s.repo.mu.Lock()
	s.repo.jobs[s.ref].Status = constants.JobStatusFailed
	s.repo.mu.Unlock()

	chunk := source.Chunk{Columns: []string{"id"}}
	for i := 0; i < s.rows; i++ {
		chunk.Rows = append(chunk.Rows, []string{"x"})
	}
	if err := fn(chunk); err != nil {
		return 0, err
	}
	return int64(s.rows), nil
}

func TestTruncateLongErrorMessages(t *testing.T) {
	t.Parallel()

	repo := newMemRepo(testJob("ref-1"))
	q := &memQueue{}
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	d := newDispatcher(t, repo, q, &memStore{}, &staticSource{err: errors.New(string(long))})

	d.Process(context.Background(), "ref-1")

	if msg := repo.jobs["ref-1"].ErrorMessage; msg == nil || len(*msg) != 1000 {
		t.Fatalf("expected the stored message capped at 1000 bytes")
	}
}
