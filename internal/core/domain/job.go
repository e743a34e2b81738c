package domain

import (
	"encoding/json"
	"time"
)

// DeferredJob is a durable unit of side-effecting work retried by the queue
// worker until it succeeds or exhausts its attempts.
type DeferredJob struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the job will never run again without operator action.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

const (
	JobTypeRevokePublicLinks = "revoke_public_links"
	JobTypeRefreshSheet      = "refresh_sheet"
)

// RevokePublicLinksPayload is the payload of a revoke_public_links job.
type RevokePublicLinksPayload struct {
	DocumentID string `json:"documentId"`
}

// RefreshSheetPayload is the payload of a refresh_sheet job.
type RefreshSheetPayload struct {
	SheetID string `json:"sheetId"`
}
