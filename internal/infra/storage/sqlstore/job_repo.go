package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/storage"
)

const jobColumns = `id, type, payload, status, attempts, last_error, run_at, created_at, updated_at`

type jobRow struct {
	ID        string         `db:"id"`
	Type      string         `db:"type"`
	Payload   string         `db:"payload"`
	Status    string         `db:"status"`
	Attempts  int            `db:"attempts"`
	LastError sql.NullString `db:"last_error"`
	RunAt     int64          `db:"run_at"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

func (r jobRow) toDomain() *domain.DeferredJob {
	return &domain.DeferredJob{
		ID:        r.ID,
		Type:      r.Type,
		Payload:   json.RawMessage(r.Payload),
		Status:    domain.JobStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError.String,
		RunAt:     fromMillis(r.RunAt),
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

// JobRepo implements storage.JobRepository on top of sqlx.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new SQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Insert adds a new job.
func (r *JobRepo) Insert(ctx context.Context, job *domain.DeferredJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	job.UpdatedAt = now
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := r.db.Rebind(`
		INSERT INTO deferred_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		payload,
		string(job.Status),
		job.Attempts,
		nullableString(job.LastError),
		toMillis(job.RunAt),
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.DeferredJob, error) {
	var row jobRow
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM deferred_jobs WHERE id = ?`)
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// ListDue returns due PENDING jobs ordered by run_at then created_at.
func (r *JobRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredJob, error) {
	var rows []jobRow
	query := r.db.Rebind(`
		SELECT ` + jobColumns + `
		FROM deferred_jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC, created_at ASC
		LIMIT ?
	`)
	err := r.db.SelectContext(ctx, &rows, query, string(domain.JobStatusPending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	jobs := make([]*domain.DeferredJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

func (r *JobRepo) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Claim moves a job from PENDING to PROCESSING. Only one caller can win.
func (r *JobRepo) Claim(ctx context.Context, id string) (bool, error) {
	query := r.db.Rebind(`UPDATE deferred_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
	return r.execAffected(ctx, query,
		string(domain.JobStatusProcessing),
		toMillis(time.Now()),
		id,
		string(domain.JobStatusPending),
	)
}

func (r *JobRepo) finish(
	ctx context.Context,
	id string,
	status domain.JobStatus,
	attempts int,
	runAt *time.Time,
	lastErr string,
) error {
	var (
		ok  bool
		err error
	)
	if runAt != nil {
		query := r.db.Rebind(`
			UPDATE deferred_jobs
			SET status = ?, attempts = ?, run_at = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`)
		ok, err = r.execAffected(ctx, query,
			string(status), attempts, toMillis(*runAt), nullableString(lastErr), toMillis(time.Now()),
			id, string(domain.JobStatusProcessing),
		)
	} else {
		query := r.db.Rebind(`
			UPDATE deferred_jobs
			SET status = ?, attempts = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`)
		ok, err = r.execAffected(ctx, query,
			string(status), attempts, nullableString(lastErr), toMillis(time.Now()),
			id, string(domain.JobStatusProcessing),
		)
	}
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, not %s", id, job.Status, domain.JobStatusProcessing)
}

// Complete marks a PROCESSING job DONE.
func (r *JobRepo) Complete(ctx context.Context, id string, attempts int) error {
	return r.finish(ctx, id, domain.JobStatusDone, attempts, nil, "")
}

// Reschedule puts a PROCESSING job back to PENDING at runAt.
func (r *JobRepo) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	return r.finish(ctx, id, domain.JobStatusPending, attempts, &runAt, lastErr)
}

// Fail marks a PROCESSING job FAILED.
func (r *JobRepo) Fail(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.finish(ctx, id, domain.JobStatusFailed, attempts, nil, lastErr)
}

// ReclaimStale returns jobs stuck in PROCESSING since staleBefore to PENDING.
// run_at is left alone, so they are due on the next pass.
func (r *JobRepo) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	query := r.db.Rebind(`
		UPDATE deferred_jobs
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?
	`)
	res, err := r.db.ExecContext(ctx, query,
		string(domain.JobStatusPending),
		toMillis(time.Now()),
		string(domain.JobStatusProcessing),
		toMillis(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Requeue resets a FAILED job to PENDING with zero attempts.
func (r *JobRepo) Requeue(ctx context.Context, id string, runAt time.Time) (bool, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	query := r.db.Rebind(`
		UPDATE deferred_jobs
		SET status = ?, attempts = 0, run_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	return r.execAffected(ctx, query,
		string(domain.JobStatusPending),
		toMillis(runAt),
		toMillis(time.Now()),
		id,
		string(domain.JobStatusFailed),
	)
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM deferred_jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[domain.JobStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}
