package domain

import "time"

// Sheet is the signable artifact produced when a survey is submitted.
type Sheet struct {
	ID                   string      `json:"id"`
	SurveyID             string      `json:"survey_id"`
	Title                string      `json:"title"`
	Status               SheetStatus `json:"status"`
	FirstSignerEmail     string      `json:"first_signer_email"`
	SecondSignerEmail    string      `json:"second_signer_email"`
	FirstSignerSignedAt  *time.Time  `json:"first_signer_signed_at,omitempty"`
	SecondSignerSignedAt *time.Time  `json:"second_signer_signed_at,omitempty"`
	ProviderDocumentID   string      `json:"provider_document_id,omitempty"` // empty until attached, set once
	SignPending          bool        `json:"sign_pending"`
	LastSigningError     string      `json:"last_signing_error,omitempty"`
	LastCheckedAt        *time.Time  `json:"last_checked_at,omitempty"`
	ExpiresAt            time.Time   `json:"expires_at"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

type SheetStatus string

const (
	SheetStatusDraft               SheetStatus = "DRAFT"
	SheetStatusPendingCounterparty SheetStatus = "PENDING_COUNTERPARTY"
	SheetStatusSigned              SheetStatus = "SIGNED"
	SheetStatusExpired             SheetStatus = "EXPIRED"
)

// ExpiryDue reports whether the lazy expiry check would move the sheet to
// EXPIRED. Only DRAFT sheets expire; PENDING_COUNTERPARTY is left alone.
func (s *Sheet) ExpiryDue(now time.Time) bool {
	return s.Status == SheetStatusDraft && !s.ExpiresAt.After(now)
}

// SignedAt returns the signer timestamp targeted by action.
func (s *Sheet) SignedAt(action SigningAction) *time.Time {
	switch action {
	case ActionFirstSigned:
		return s.FirstSignerSignedAt
	case ActionSecondSigned:
		return s.SecondSignerSignedAt
	}
	return nil
}
