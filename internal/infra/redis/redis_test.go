package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewClient(Config{URL: url, Prefix: "sheetsign-test:" + uuid.NewString()})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestJobRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(newTestClient(t))
	base := time.Now().UTC().Truncate(time.Millisecond)

	for _, j := range []*domain.DeferredJob{
		{ID: "b", Type: domain.JobTypeRefreshSheet, RunAt: base.Add(-time.Second), CreatedAt: base},
		{ID: "a", Type: domain.JobTypeRefreshSheet, RunAt: base.Add(-time.Second), CreatedAt: base.Add(-time.Second)},
		{ID: "c", Type: domain.JobTypeRefreshSheet, RunAt: base.Add(time.Hour), CreatedAt: base},
	} {
		if err := repo.Insert(ctx, j); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := repo.Insert(ctx, &domain.DeferredJob{ID: "a", Type: "x", RunAt: base}); err == nil {
		t.Fatal("duplicate insert should fail")
	}

	due, err := repo.ListDue(ctx, base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != "a" || due[1].ID != "b" {
		t.Fatalf("unexpected due order: %+v", due)
	}

	if ok, _ := repo.Claim(ctx, "a"); !ok {
		t.Fatal("expected claim")
	}
	if ok, _ := repo.Claim(ctx, "a"); ok {
		t.Fatal("double claim")
	}
	if due, _ := repo.ListDue(ctx, base, 10); len(due) != 1 {
		t.Fatalf("claimed job must leave the due index, got %d", len(due))
	}
	if err := repo.Reschedule(ctx, "a", 1, base.Add(time.Minute), "boom"); err != nil {
		t.Fatal(err)
	}
	job, _ := repo.Get(ctx, "a")
	if job.Status != domain.JobStatusPending || job.Attempts != 1 || job.LastError != "boom" {
		t.Fatalf("unexpected job: %+v", job)
	}

	_, _ = repo.Claim(ctx, "b")
	if err := repo.Fail(ctx, "b", 3, "gone"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.Requeue(ctx, "b", base); !ok {
		t.Fatal("expected requeue")
	}
	if _, err := repo.Requeue(ctx, "zzz", base); !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.JobStatusPending] != 3 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestJobRepo_ListDueTieAtLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(newTestClient(t))
	base := time.Now().UTC().Truncate(time.Millisecond)
	runAt := base.Add(-time.Second)

	// Same runAt; the member that sorts first in the index was created last.
	for _, j := range []*domain.DeferredJob{
		{ID: "a-late", Type: domain.JobTypeRefreshSheet, RunAt: runAt, CreatedAt: base},
		{ID: "z-early", Type: domain.JobTypeRefreshSheet, RunAt: runAt, CreatedAt: base.Add(-time.Minute)},
	} {
		if err := repo.Insert(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	due, err := repo.ListDue(ctx, base, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "z-early" {
		t.Fatalf("expected the earlier created job, got %+v", due)
	}
}

func TestJobRepo_ReclaimStale(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(newTestClient(t))
	base := time.Now().UTC().Truncate(time.Millisecond)
	runAt := base.Add(-time.Second)

	if err := repo.Insert(ctx, &domain.DeferredJob{ID: "stuck", Type: domain.JobTypeRefreshSheet, RunAt: runAt}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.Claim(ctx, "stuck"); !ok {
		t.Fatal("expected claim")
	}
	if n, err := repo.ReclaimStale(ctx, base.Add(-time.Minute)); err != nil || n != 0 {
		t.Fatalf("fresh claim reclaimed: n=%d err=%v", n, err)
	}
	if n, err := repo.ReclaimStale(ctx, time.Now().Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}

	due, err := repo.ListDue(ctx, base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "stuck" || !due[0].RunAt.Equal(runAt) {
		t.Fatalf("reclaimed job should be due at its runAt, got %+v", due)
	}
	if n, _ := repo.ReclaimStale(ctx, time.Now().Add(time.Minute)); n != 0 {
		t.Fatalf("reclaimed job left in the processing index: %d", n)
	}
}

func TestRefreshGate_Cooldown(t *testing.T) {
	ctx := context.Background()
	gate := NewRefreshGate(newTestClient(t), time.Minute)

	if ok, err := gate.Allow(ctx, "s1"); err != nil || !ok {
		t.Fatalf("first refresh should pass: ok=%v err=%v", ok, err)
	}
	if ok, _ := gate.Allow(ctx, "s1"); ok {
		t.Fatal("second refresh inside cooldown should be throttled")
	}
	if ok, _ := gate.Allow(ctx, "s2"); !ok {
		t.Fatal("other sheets are not throttled")
	}
}
