// Package queue is the durable deferred job queue. Jobs are claimed with a
// conditional PENDING->PROCESSING update, so any number of drainers can run
// against the same store; handlers must tolerate at-least-once execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/failure"
	"github.com/vietddude/sheetsign/internal/core/retry"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/metrics"
)

const (
	// DefaultDrainLimit is used when Drain is called with limit <= 0.
	DefaultDrainLimit = 20
	// MaxDrainLimit caps a single drain pass.
	MaxDrainLimit = 200
	// DefaultClaimTimeout is how long a job may stay PROCESSING before a
	// drain pass hands it out again.
	DefaultClaimTimeout = 10 * time.Minute

	maxLastError = 1000
)

// ErrNoHandler is recorded on jobs whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler executes one job. It must be idempotent.
type Handler func(ctx context.Context, job *domain.DeferredJob) error

// Policy bounds retries for a job type.
type Policy struct {
	MaxAttempts int            `yaml:"max_attempts"`
	Backoff     *retry.Backoff `yaml:"backoff"`
	Timeout     time.Duration  `yaml:"timeout"` // per execution, 0 = none
}

// DefaultPolicy applies to job types without an explicit policy.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	Backoff: &retry.Backoff{
		Strategy: retry.StrategyExponential,
		Delay:    30 * time.Second,
		MaxDelay: time.Hour,
	},
}

// Stats are the counters reported by one drain pass.
type Stats struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Queue enqueues and drains deferred jobs.
type Queue struct {
	repo storage.JobRepository

	mu       sync.RWMutex
	handlers map[string]Handler
	policies map[string]Policy

	claimTimeout time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// New creates a new queue over repo.
func New(repo storage.JobRepository) *Queue {
	return &Queue{
		repo:     repo,
		handlers:     make(map[string]Handler),
		policies:     make(map[string]Policy),
		claimTimeout: DefaultClaimTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default().With("component", "queue"),
	}
}

// Register installs the handler for jobType.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// SetPolicy overrides the retry policy for jobType.
func (q *Queue) SetPolicy(jobType string, p Policy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policies[jobType] = p
}

// SetClaimTimeout overrides how long a claimed job may stay PROCESSING before
// it is reclaimed. It should exceed every policy timeout.
func (q *Queue) SetClaimTimeout(d time.Duration) {
	if d > 0 {
		q.claimTimeout = d
	}
}

func (q *Queue) lookup(jobType string) (Handler, Policy) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.policies[jobType]
	if !ok {
		p = DefaultPolicy
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return q.handlers[jobType], p
}

// Enqueue persists a new PENDING job. A zero runAt means now. payload may be
// a json.RawMessage, []byte of JSON, or any value that marshals to JSON.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, runAt time.Time) (*domain.DeferredJob, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", jobType, err)
		}
		raw = data
	}
	if runAt.IsZero() {
		runAt = q.now()
	}

	job := &domain.DeferredJob{
		ID:      uuid.NewString(),
		Type:    jobType,
		Payload: raw,
		Status:  domain.JobStatusPending,
		RunAt:   runAt,
	}
	if err := q.repo.Insert(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Debug("Job enqueued", "jobID", job.ID, "type", jobType, "runAt", runAt)
	return job, nil
}

// ClampLimit bounds a requested drain limit to [1, MaxDrainLimit], with
// DefaultDrainLimit for non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultDrainLimit
	}
	if limit > MaxDrainLimit {
		return MaxDrainLimit
	}
	return limit
}

// Drain runs up to limit due jobs once each. Jobs left PROCESSING by a
// crashed drainer are reclaimed first. Storage failures on individual jobs
// are logged and the pass continues; only a failure to list due jobs is
// returned.
func (q *Queue) Drain(ctx context.Context, limit int, now time.Time) (Stats, error) {
	var stats Stats
	q.reclaim(ctx, now)

	due, err := q.repo.ListDue(ctx, now, ClampLimit(limit))
	if err != nil {
		return stats, fmt.Errorf("list due jobs: %w", err)
	}
	stats.Scanned = len(due)

	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := q.repo.Claim(ctx, job.ID)
		if err != nil {
			q.logger.Error("Failed to claim job", "jobID", job.ID, "error", err)
			continue
		}
		if !claimed {
			stats.Skipped++
			metrics.JobsProcessedTotal.WithLabelValues(job.Type, "skipped").Inc()
			continue
		}
		stats.Processed++

		switch q.execute(ctx, job, now) {
		case outcomeSucceeded:
			stats.Succeeded++
		case outcomeRetried:
			stats.Retried++
		case outcomeFailed:
			stats.Failed++
		}
	}

	if stats.Scanned > 0 {
		q.logger.Info("Drain pass finished",
			"scanned", stats.Scanned,
			"succeeded", stats.Succeeded,
			"retried", stats.Retried,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
		)
	}
	return stats, nil
}

func (q *Queue) reclaim(ctx context.Context, now time.Time) {
	n, err := q.repo.ReclaimStale(ctx, now.Add(-q.claimTimeout))
	if err != nil {
		q.logger.Error("Failed to reclaim stale jobs", "error", err)
		return
	}
	if n > 0 {
		metrics.JobsReclaimedTotal.Add(float64(n))
		q.logger.Warn("Reclaimed stale jobs", "count", n, "claimTimeout", q.claimTimeout)
	}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeStoreError
)

// execute runs a claimed job and records the result. The result is written
// even when ctx is cancelled mid-run, so a claimed job never stays PROCESSING.
func (q *Queue) execute(ctx context.Context, job *domain.DeferredJob, now time.Time) outcome {
	logger := q.logger.With("jobID", job.ID, "type", job.Type)
	handler, policy := q.lookup(job.Type)
	attempts := job.Attempts + 1
	storeCtx := context.WithoutCancel(ctx)

	var err error
	if handler == nil {
		err = failure.Permanent("", fmt.Errorf("%w: %s", ErrNoHandler, job.Type))
	} else {
		err = retry.Do(ctx, func(ctx context.Context) error {
			return handler(ctx, job)
		}, retry.Options{MaxAttempts: 1, Timeout: policy.Timeout})
	}

	if err != nil && ctx.Err() != nil {
		// Drain was cancelled under the handler; hand the job back without
		// spending an attempt.
		lastErr := truncate(err.Error(), maxLastError)
		if err := q.repo.Reschedule(storeCtx, job.ID, job.Attempts, now, lastErr); err != nil {
			logger.Error("Failed to release interrupted job", "error", err)
			return outcomeStoreError
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "interrupted").Inc()
		logger.Warn("Job interrupted, released", "error", err)
		return outcomeRetried
	}

	if err == nil {
		if err := q.repo.Complete(storeCtx, job.ID, attempts); err != nil {
			logger.Error("Failed to complete job", "error", err)
			return outcomeStoreError
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "succeeded").Inc()
		logger.Debug("Job done", "attempts", attempts)
		return outcomeSucceeded
	}

	ce := failure.Classify(err)
	lastErr := truncate(err.Error(), maxLastError)
	if ce.Retryable() && attempts < policy.MaxAttempts {
		runAt := now.Add(retry.Delay(policy.Backoff, attempts))
		if err := q.repo.Reschedule(storeCtx, job.ID, attempts, runAt, lastErr); err != nil {
			logger.Error("Failed to reschedule job", "error", err)
			return outcomeStoreError
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "retried").Inc()
		logger.Warn("Job failed, rescheduled", "attempt", attempts, "runAt", runAt, "error", err)
		return outcomeRetried
	}

	if err := q.repo.Fail(storeCtx, job.ID, attempts, lastErr); err != nil {
		logger.Error("Failed to mark job failed", "error", err)
		return outcomeStoreError
	}
	metrics.JobsProcessedTotal.WithLabelValues(job.Type, "failed").Inc()
	logger.Error("Job failed permanently",
		"attempts", attempts,
		"severity", ce.Severity,
		"code", ce.Code,
		"error", err,
	)
	return outcomeFailed
}

// Requeue gives a FAILED job a fresh set of attempts.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	ok, err := q.repo.Requeue(ctx, id, q.now())
	if err != nil {
		return err
	}
	if !ok {
		job, err := q.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s, only FAILED jobs can be requeued", id, job.Status)
	}
	q.logger.Info("Job requeued", "jobID", id)
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.DeferredJob, error) {
	return q.repo.Get(ctx, id)
}

// Counts returns job counts by status and refreshes the jobs gauge.
func (q *Queue) Counts(ctx context.Context) (map[domain.JobStatus]int, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []domain.JobStatus{
		domain.JobStatusPending,
		domain.JobStatusProcessing,
		domain.JobStatusDone,
		domain.JobStatusFailed,
	} {
		metrics.Jobs.WithLabelValues(strings.ToLower(string(s))).Set(float64(counts[s]))
	}
	return counts, nil
}

// truncate cuts s to at most n bytes of valid UTF-8.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
