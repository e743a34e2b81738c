package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/storage"
)

// insertScript creates a job hash and indexes it, failing if the id exists.
//
//	KEYS[1] job hash, KEYS[2] all index, KEYS[3] due index
//	ARGV[1] job id, ARGV[2] created score, ARGV[3] due score ("" skips)
//	ARGV[4..] field/value pairs
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
if ARGV[3] ~= '' then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)

// transitionScript moves a job hash between statuses only if its current
// status matches ARGV[1]. The due index holds exactly the PENDING jobs and
// the processing index the PROCESSING jobs scored by claim time.
//
//	KEYS[1] job hash, KEYS[2] due index, KEYS[3] processing index
//	ARGV[1] expected status, ARGV[2] job id
//	ARGV[3] due score ("" removes, "=" reuses the stored run_at)
//	ARGV[4] processing score ("" removes)
//	ARGV[5..] field/value pairs
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
local due = ARGV[3]
if due == '=' then
	due = redis.call('HGET', KEYS[1], 'run_at')
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
if due == '' then
	redis.call('ZREM', KEYS[2], ARGV[2])
else
	redis.call('ZADD', KEYS[2], due, ARGV[2])
end
if ARGV[4] == '' then
	redis.call('ZREM', KEYS[3], ARGV[2])
else
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
end
return 1
`)

// JobRepo implements storage.JobRepository using Redis hashes plus sorted
// sets of due PENDING jobs scored by runAt and PROCESSING jobs scored by
// claim time.
type JobRepo struct {
	client *Client
}

// NewJobRepo creates a new Redis-backed job repository.
func NewJobRepo(client *Client) *JobRepo {
	return &JobRepo{client: client}
}

// Key helpers
func (r *JobRepo) jobKey(id string) string { return r.client.key("job", id) }
func (r *JobRepo) dueKey() string          { return r.client.key("jobs", "due") }
func (r *JobRepo) allKey() string          { return r.client.key("jobs", "all") }
func (r *JobRepo) processingKey() string   { return r.client.key("jobs", "processing") }

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	v, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(v).UTC()
}

func decodeJob(fields map[string]string) *domain.DeferredJob {
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &domain.DeferredJob{
		ID:        fields["id"],
		Type:      fields["type"],
		Payload:   json.RawMessage(fields["payload"]),
		Status:    domain.JobStatus(fields["status"]),
		Attempts:  attempts,
		LastError: fields["last_error"],
		RunAt:     parseMillis(fields["run_at"]),
		CreatedAt: parseMillis(fields["created_at"]),
		UpdatedAt: parseMillis(fields["updated_at"]),
	}
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

	dueScore := ""
	if job.Status == domain.JobStatusPending {
		dueScore = ms(job.RunAt)
	}
	res, err := insertScript.Run(ctx, r.client.rdb,
		[]string{r.jobKey(job.ID), r.allKey(), r.dueKey()},
		job.ID, ms(job.CreatedAt), dueScore,
		"id", job.ID,
		"type", job.Type,
		"payload", payload,
		"status", string(job.Status),
		"attempts", job.Attempts,
		"last_error", job.LastError,
		"run_at", ms(job.RunAt),
		"created_at", ms(job.CreatedAt),
		"updated_at", ms(job.UpdatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.DeferredJob, error) {
	fields, err := r.client.rdb.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrJobNotFound
	}
	return decodeJob(fields), nil
}

// ListDue returns up to limit due jobs ordered by runAt then createdAt. The
// index only orders by runAt, so jobs tied with the last one in the batch are
// fetched too before sorting and cutting.
func (r *JobRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredJob, error) {
	zs, err := r.client.rdb.ZRangeByScoreWithScores(ctx, r.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   ms(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	ids := make([]string, 0, len(zs))
	seen := make(map[string]bool, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		ids = append(ids, id)
		seen[id] = true
	}
	if limit > 0 && len(zs) == limit {
		edge := strconv.FormatFloat(zs[len(zs)-1].Score, 'f', -1, 64)
		tied, err := r.client.rdb.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, fmt.Errorf("zrangebyscore failed: %w", err)
		}
		for _, id := range tied {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}

	jobs := make([]*domain.DeferredJob, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrJobNotFound) {
			// Hash gone but id still indexed, drop it
			r.client.rdb.ZRem(ctx, r.dueKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].RunAt.Equal(jobs[b].RunAt) {
			return jobs[a].RunAt.Before(jobs[b].RunAt)
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *JobRepo) transition(
	ctx context.Context,
	id string,
	expected domain.JobStatus,
	dueScore string,
	processingScore string,
	fields ...any,
) (int, error) {
	args := append([]any{string(expected), id, dueScore, processingScore}, fields...)
	args = append(args, "updated_at", ms(time.Now()))
	keys := []string{r.jobKey(id), r.dueKey(), r.processingKey()}
	res, err := transitionScript.Run(ctx, r.client.rdb, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("job transition failed: %w", err)
	}
	return res, nil
}

// Claim moves a job from PENDING to PROCESSING.
func (r *JobRepo) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.transition(ctx, id, domain.JobStatusPending, "", ms(time.Now()),
		"status", string(domain.JobStatusProcessing),
	)
	return res == 1, err
}

func (r *JobRepo) finish(ctx context.Context, id string, dueScore string, fields ...any) error {
	res, err := r.transition(ctx, id, domain.JobStatusProcessing, dueScore, "", fields...)
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		return storage.ErrJobNotFound
	default:
		return fmt.Errorf("job %s is not %s", id, domain.JobStatusProcessing)
	}
}

// Complete marks a PROCESSING job DONE.
func (r *JobRepo) Complete(ctx context.Context, id string, attempts int) error {
	return r.finish(ctx, id, "",
		"status", string(domain.JobStatusDone),
		"attempts", attempts,
		"last_error", "",
	)
}

// Reschedule puts a PROCESSING job back to PENDING at runAt.
func (r *JobRepo) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	return r.finish(ctx, id, ms(runAt),
		"status", string(domain.JobStatusPending),
		"attempts", attempts,
		"run_at", ms(runAt),
		"last_error", lastErr,
	)
}

// Fail marks a PROCESSING job FAILED.
func (r *JobRepo) Fail(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.finish(ctx, id, "",
		"status", string(domain.JobStatusFailed),
		"attempts", attempts,
		"last_error", lastErr,
	)
}

// ReclaimStale returns jobs claimed at or before staleBefore to PENDING at
// their stored runAt.
func (r *JobRepo) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	ids, err := r.client.rdb.ZRangeByScore(ctx, r.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: ms(staleBefore),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	n := 0
	for _, id := range ids {
		res, err := r.transition(ctx, id, domain.JobStatusProcessing, "=", "",
			"status", string(domain.JobStatusPending),
		)
		if err != nil {
			return n, err
		}
		switch res {
		case 1:
			n++
		case -1:
			r.client.rdb.ZRem(ctx, r.processingKey(), id)
		}
	}
	return n, nil
}

// Requeue resets a FAILED job to PENDING with zero attempts.
func (r *JobRepo) Requeue(ctx context.Context, id string, runAt time.Time) (bool, error) {
	res, err := r.transition(ctx, id, domain.JobStatusFailed, ms(runAt), "",
		"status", string(domain.JobStatusPending),
		"attempts", 0,
		"run_at", ms(runAt),
	)
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, storage.ErrJobNotFound
	}
	return res == 1, nil
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	ids, err := r.client.rdb.ZRange(ctx, r.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	pipe := r.client.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.jobKey(id), "status")
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}
	}

	counts := make(map[domain.JobStatus]int)
	for _, cmd := range cmds {
		status, err := cmd.Result()
		if err != nil {
			continue
		}
		counts[domain.JobStatus(status)]++
	}
	return counts, nil
}
