package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
)

var (
	// ErrSheetNotFound is returned when no sheet matches the lookup.
	ErrSheetNotFound = errors.New("sheet not found")

	// ErrJobNotFound is returned when no deferred job matches the id.
	ErrJobNotFound = errors.New("job not found")
)

// SignatureUpdate is the guarded write behind a signing transition. It only
// applies while the target signer timestamp is still NULL, the sheet is in
// one of the From statuses and, for DRAFT sheets, expiresAt is after
// CheckedAt.
type SignatureUpdate struct {
	SheetID   string
	Action    domain.SigningAction
	From      []domain.SheetStatus
	To        domain.SheetStatus
	SignedAt  time.Time
	CheckedAt time.Time
}

// SheetRepository persists sheets. Every mutation is a conditional update;
// the bool result reports whether the guard matched.
type SheetRepository interface {
	// Create inserts a new sheet
	Create(ctx context.Context, sheet *domain.Sheet) error

	// Get retrieves a sheet by id
	Get(ctx context.Context, id string) (*domain.Sheet, error)

	// GetByDocumentID retrieves a sheet by its provider document id
	GetByDocumentID(ctx context.Context, documentID string) (*domain.Sheet, error)

	// ApplySignature sets a signer timestamp and advances status atomically
	ApplySignature(ctx context.Context, u SignatureUpdate) (bool, error)

	// Expire moves a DRAFT sheet whose expiry has passed to EXPIRED
	Expire(ctx context.Context, id string, now time.Time) (bool, error)

	// ExpireDue expires up to limit overdue DRAFT sheets
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)

	// MarkSignPending claims a DRAFT sheet without a document for session
	// preparation. A claim last stamped at or before staleBefore is taken over.
	MarkSignPending(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)

	// MarkSigningFailed clears the pending flag and records the failure message
	MarkSigningFailed(ctx context.Context, id string, msg string) error

	// AttachDocument sets the provider document id if none is attached yet
	AttachDocument(ctx context.Context, id string, documentID string) (bool, error)

	// TouchChecked stamps lastCheckedAt
	TouchChecked(ctx context.Context, id string, at time.Time) error

	// CountByStatus returns sheet counts grouped by status
	CountByStatus(ctx context.Context) (map[domain.SheetStatus]int, error)
}

// JobRepository persists deferred jobs. Claim is the only way a job enters
// PROCESSING; Complete, Reschedule and Fail only apply to PROCESSING jobs.
type JobRepository interface {
	// Insert adds a new PENDING job
	Insert(ctx context.Context, job *domain.DeferredJob) error

	// Get retrieves a job by id
	Get(ctx context.Context, id string) (*domain.DeferredJob, error)

	// ListDue returns up to limit PENDING jobs with runAt <= now ordered by (runAt, createdAt)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredJob, error)

	// Claim moves a job from PENDING to PROCESSING
	Claim(ctx context.Context, id string) (bool, error)

	// Complete marks a PROCESSING job DONE
	Complete(ctx context.Context, id string, attempts int) error

	// Reschedule puts a PROCESSING job back to PENDING with a later runAt
	Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error

	// Fail marks a PROCESSING job FAILED
	Fail(ctx context.Context, id string, attempts int, lastErr string) error

	// ReclaimStale returns PROCESSING jobs claimed at or before staleBefore to PENDING
	ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error)

	// Requeue moves a FAILED job back to PENDING for another round of attempts
	Requeue(ctx context.Context, id string, runAt time.Time) (bool, error)

	// CountByStatus returns job counts grouped by status
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// StatusIn reports whether status is one of from.
func StatusIn(status domain.SheetStatus, from []domain.SheetStatus) bool {
	for _, s := range from {
		if s == status {
			return true
		}
	}
	return false
}
