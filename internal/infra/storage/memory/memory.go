package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/storage"
)

// MemoryStorage keeps sheets and jobs in process. Conditional updates run
// under a single mutex, which gives the same compare-and-set guarantees as
// the SQL store.
type MemoryStorage struct {
	sheets map[string]*domain.Sheet
	jobs   map[string]*domain.DeferredJob
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sheets: make(map[string]*domain.Sheet),
		jobs:   make(map[string]*domain.DeferredJob),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSheet(s *domain.Sheet) *domain.Sheet {
	c := *s
	c.FirstSignerSignedAt = cloneTime(s.FirstSignerSignedAt)
	c.SecondSignerSignedAt = cloneTime(s.SecondSignerSignedAt)
	c.LastCheckedAt = cloneTime(s.LastCheckedAt)
	return &c
}

func cloneJob(j *domain.DeferredJob) *domain.DeferredJob {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	return &c
}

// -----------------------------------------------------------------------------
// Sheet Repository
// -----------------------------------------------------------------------------

type SheetRepo struct {
	store *MemoryStorage
}

func NewSheetRepo(store *MemoryStorage) *SheetRepo {
	return &SheetRepo{store: store}
}

func (r *SheetRepo) Create(ctx context.Context, sheet *domain.Sheet) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.sheets[sheet.ID]; ok {
		return fmt.Errorf("sheet %s already exists", sheet.ID)
	}
	now := time.Now().UTC()
	if sheet.CreatedAt.IsZero() {
		sheet.CreatedAt = now
	}
	sheet.UpdatedAt = now
	r.store.sheets[sheet.ID] = cloneSheet(sheet)
	return nil
}

func (r *SheetRepo) Get(ctx context.Context, id string) (*domain.Sheet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.sheets[id]
	if !ok {
		return nil, storage.ErrSheetNotFound
	}
	return cloneSheet(s), nil
}

func (r *SheetRepo) GetByDocumentID(ctx context.Context, documentID string) (*domain.Sheet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if documentID == "" {
		return nil, storage.ErrSheetNotFound
	}
	for _, s := range r.store.sheets {
		if s.ProviderDocumentID == documentID {
			return cloneSheet(s), nil
		}
	}
	return nil, storage.ErrSheetNotFound
}

func (r *SheetRepo) ApplySignature(ctx context.Context, u storage.SignatureUpdate) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sheets[u.SheetID]
	if !ok {
		return false, nil
	}
	if !storage.StatusIn(s.Status, u.From) || s.ExpiryDue(u.CheckedAt) {
		return false, nil
	}
	signedAt := u.SignedAt
	switch u.Action {
	case domain.ActionFirstSigned:
		if s.FirstSignerSignedAt != nil {
			return false, nil
		}
		s.FirstSignerSignedAt = &signedAt
	case domain.ActionSecondSigned:
		if s.SecondSignerSignedAt != nil {
			return false, nil
		}
		s.SecondSignerSignedAt = &signedAt
	default:
		return false, fmt.Errorf("unsupported action %q", u.Action)
	}
	checked := u.CheckedAt
	s.Status = u.To
	s.SignPending = false
	s.LastSigningError = ""
	s.LastCheckedAt = &checked
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *SheetRepo) expireLocked(s *domain.Sheet, now time.Time) bool {
	if !s.ExpiryDue(now) {
		return false
	}
	s.Status = domain.SheetStatusExpired
	s.SignPending = false
	s.UpdatedAt = now
	return true
}

func (r *SheetRepo) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sheets[id]
	if !ok {
		return false, nil
	}
	return r.expireLocked(s, now), nil
}

func (r *SheetRepo) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, s := range r.store.sheets {
		if limit > 0 && count >= limit {
			break
		}
		if r.expireLocked(s, now) {
			count++
		}
	}
	return count, nil
}

func (r *SheetRepo) MarkSignPending(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sheets[id]
	if !ok {
		return false, nil
	}
	if s.Status != domain.SheetStatusDraft || s.ProviderDocumentID != "" {
		return false, nil
	}
	if s.SignPending && s.UpdatedAt.After(staleBefore) {
		return false, nil
	}
	s.SignPending = true
	s.LastSigningError = ""
	s.UpdatedAt = now
	return true, nil
}

func (r *SheetRepo) MarkSigningFailed(ctx context.Context, id string, msg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sheets[id]
	if !ok {
		return storage.ErrSheetNotFound
	}
	s.SignPending = false
	s.LastSigningError = msg
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *SheetRepo) AttachDocument(ctx context.Context, id string, documentID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sheets[id]
	if !ok || s.ProviderDocumentID != "" {
		return false, nil
	}
	s.ProviderDocumentID = documentID
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *SheetRepo) TouchChecked(ctx context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.sheets[id]
	if !ok {
		return storage.ErrSheetNotFound
	}
	s.LastCheckedAt = &at
	return nil
}

func (r *SheetRepo) CountByStatus(ctx context.Context) (map[domain.SheetStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.SheetStatus]int)
	for _, s := range r.store.sheets {
		counts[s.Status]++
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Insert(ctx context.Context, job *domain.DeferredJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	job.UpdatedAt = now
	r.store.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.DeferredJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (r *JobRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredJob, error) {
	r.store.mu.RLock()
	var due []*domain.DeferredJob
	for _, j := range r.store.jobs {
		if j.Status == domain.JobStatusPending && !j.RunAt.After(now) {
			due = append(due, cloneJob(j))
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(due, func(a, b int) bool {
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *JobRepo) Claim(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok || j.Status != domain.JobStatusPending {
		return false, nil
	}
	j.Status = domain.JobStatusProcessing
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *JobRepo) finish(id string, fn func(j *domain.DeferredJob)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	if j.Status != domain.JobStatusProcessing {
		return fmt.Errorf("job %s is %s, not PROCESSING", id, j.Status)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *JobRepo) Complete(ctx context.Context, id string, attempts int) error {
	return r.finish(id, func(j *domain.DeferredJob) {
		j.Status = domain.JobStatusDone
		j.Attempts = attempts
		j.LastError = ""
	})
}

func (r *JobRepo) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	return r.finish(id, func(j *domain.DeferredJob) {
		j.Status = domain.JobStatusPending
		j.Attempts = attempts
		j.RunAt = runAt
		j.LastError = lastErr
	})
}

func (r *JobRepo) Fail(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.finish(id, func(j *domain.DeferredJob) {
		j.Status = domain.JobStatusFailed
		j.Attempts = attempts
		j.LastError = lastErr
	})
}

func (r *JobRepo) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for _, j := range r.store.jobs {
		if j.Status != domain.JobStatusProcessing || j.UpdatedAt.After(staleBefore) {
			continue
		}
		j.Status = domain.JobStatusPending
		j.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

func (r *JobRepo) Requeue(ctx context.Context, id string, runAt time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return false, storage.ErrJobNotFound
	}
	if j.Status != domain.JobStatusFailed {
		return false, nil
	}
	j.Status = domain.JobStatusPending
	j.Attempts = 0
	j.RunAt = runAt
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.JobStatus]int)
	for _, j := range r.store.jobs {
		counts[j.Status]++
	}
	return counts, nil
}
