package cleanup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerworks/export-service/internal/cleanup"
	"github.com/ledgerworks/export-service/internal/entity"
)

type sweepRepo struct {
	expired   []*entity.ExportJob
	deleted   []string
	deleteErr map[string]error
}

func (r *sweepRepo) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*entity.ExportJob, error) {
	return r.expired, nil
}

func (r *sweepRepo) Delete(ctx context.Context, ref string) error {
	if err := r.deleteErr[ref]; err != nil {
		return err
	}
	r.deleted = append(r.deleted, ref)
	return nil
}

func (r *sweepRepo) Create(ctx context.Context, job *entity.ExportJob) error { return nil }
func (r *sweepRepo) GetByReference(ctx context.Context, ref string) (*entity.ExportJob, error) {
	return nil, nil
}
func (r *sweepRepo) FindCompletedByDedupKey(ctx context.Context, key string) (*entity.ExportJob, error) {
	return nil, nil
}
func (r *sweepRepo) Claim(ctx context.Context, ref string) (bool, error) {
	return false, nil
}
func (r *sweepRepo) Complete(ctx context.Context, ref, fileRef string, size, rows int64) (bool, error) {
	return false, nil
}
func (r *sweepRepo) Fail(ctx context.Context, ref, msg string) (int, error) { return 0, nil }
func (r *sweepRepo) ScheduleRetry(ctx context.Context, ref string) (bool, error) {
	return false, nil
}
func (r *sweepRepo) ResetForRetry(ctx context.Context, ref string) (bool, error) {
	return false, nil
}
func (r *sweepRepo) Cancel(ctx context.Context, ref, reason string) (bool, error) {
	return false, nil
}

type sweepStore struct {
	deleted []string
	errFor  map[string]error
}

func (s *sweepStore) Delete(ctx context.Context, ref string) error {
	if err := s.errFor[ref]; err != nil {
		return err
	}
	s.deleted = append(s.deleted, ref)
	return nil
}

func TestSweepReclaimsExpiredJobs(t *testing.T) {
	t.Parallel()

	repo := &sweepRepo{expired: []*entity.ExportJob{
		{ReferenceID: "a", FileReference: "exports/t/x/a.csv"},
		{ReferenceID: "b"}, // failed before producing an artifact
	}}
	store := &sweepStore{}
	s := cleanup.NewSweeper(repo, store, time.Hour, 10, nil)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", n)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "exports/t/x/a.csv" {
		t.Fatalf("expected only the existing artifact deleted, got %v", store.deleted)
	}
	if len(repo.deleted) != 2 {
		t.Fatalf("expected both rows deleted, got %v", repo.deleted)
	}
}

func TestSweepObjectDeleteFailureStillRemovesRow(t *testing.T) {
	t.Parallel()

	repo := &sweepRepo{expired: []*entity.ExportJob{
		{ReferenceID: "a", FileReference: "exports/t/x/a.csv"},
		{ReferenceID: "b", FileReference: "exports/t/x/b.csv"},
	}}
	store := &sweepStore{errFor: map[string]error{"exports/t/x/a.csv": errors.New("access denied")}}
	s := cleanup.NewSweeper(repo, store, time.Hour, 10, nil)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("a storage failure must not block ledger reclamation, got %d", n)
	}
}

func TestSweepRowDeleteFailureSkipsToNext(t *testing.T) {
	t.Parallel()

	repo := &sweepRepo{
		expired: []*entity.ExportJob{
			{ReferenceID: "a"},
			{ReferenceID: "b"},
		},
		deleteErr: map[string]error{"a": errors.New("deadlock")},
	}
	s := cleanup.NewSweeper(repo, &sweepStore{}, time.Hour, 10, nil)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed after the skip, got %d", n)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "b" {
		t.Fatalf("expected only b removed, got %v", repo.deleted)
	}
}
