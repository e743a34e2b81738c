package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/failure"
)

var (
	// ErrSessionInProgress is returned when another request is already
	// preparing the signing session for the sheet.
	ErrSessionInProgress = errors.New("signing session already in progress")

	// ErrNotSignable is returned for sheets that can no longer start signing.
	ErrNotSignable = errors.New("sheet cannot be signed in its current status")
)

// DefaultPendingTimeout is how long a session claim survives a request that
// never finished. Provider calls give up well before this.
const DefaultPendingTimeout = 5 * time.Minute

// Session is a prepared signing session.
type Session struct {
	SheetID    string `json:"sheetId"`
	DocumentID string `json:"documentId"`
	SigningURL string `json:"signingUrl,omitempty"`
}

// validateSigners checks the business rules for starting a session.
func validateSigners(sheet *domain.Sheet, pdf []byte) error {
	first := normalizeEmail(sheet.FirstSignerEmail)
	second := normalizeEmail(sheet.SecondSignerEmail)
	switch {
	case len(pdf) == 0:
		return failure.NewValidation(failure.DocumentEmpty, "")
	case first == "":
		return failure.NewValidation(failure.FirstSignerEmailMissing, "")
	case second == "":
		return failure.NewValidation(failure.CounterpartyEmailMissing, "")
	case first == second:
		return failure.NewValidation(failure.SignerEmailsCollide, first)
	}
	return nil
}

// PrepareSession uploads the sheet's PDF to the provider, registers both
// signers and attaches the resulting document. Provider calls run outside any
// storage transaction; the result is reconciled with guarded updates.
func (m *Machine) PrepareSession(ctx context.Context, sheetID string, pdf []byte) (*Session, error) {
	sheet, err := m.Sheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("sheetID", sheetID)

	if sheet.ProviderDocumentID != "" {
		// Already prepared; hand out a fresh link for the same document.
		if sheet.Status == domain.SheetStatusSigned || sheet.Status == domain.SheetStatusExpired {
			return nil, fmt.Errorf("%w: %s", ErrNotSignable, sheet.Status)
		}
		return m.sessionFor(ctx, sheet.ID, sheet.ProviderDocumentID)
	}
	if sheet.Status != domain.SheetStatusDraft {
		return nil, fmt.Errorf("%w: %s", ErrNotSignable, sheet.Status)
	}
	if err := validateSigners(sheet, pdf); err != nil {
		return nil, err
	}

	now := m.now()
	claimed, err := m.sheets.MarkSignPending(ctx, sheet.ID, now, now.Add(-m.pendingTimeout))
	if err != nil {
		return nil, fmt.Errorf("mark sign pending: %w", err)
	}
	if !claimed {
		return nil, ErrSessionInProgress
	}

	participants := []domain.Participant{
		{Email: sheet.FirstSignerEmail, Priority: 1},
		{Email: sheet.SecondSignerEmail, Priority: 2},
	}
	documentID, err := m.provider.CreateDocumentWithParticipants(ctx, pdf, sheet.Title, participants)
	if err != nil {
		if documentID != "" {
			m.enqueueRevoke(ctx, documentID)
		}
		m.recordFailure(ctx, sheet.ID, err)
		return nil, err
	}

	attached, err := m.sheets.AttachDocument(ctx, sheet.ID, documentID)
	if err != nil {
		m.enqueueRevoke(ctx, documentID)
		m.recordFailure(ctx, sheet.ID, err)
		return nil, fmt.Errorf("attach document: %w", err)
	}
	if !attached {
		logger.Warn("Document already attached, revoking orphan", "documentID", documentID)
		m.enqueueRevoke(ctx, documentID)
		return nil, ErrSessionInProgress
	}
	logger.Info("Signing session prepared", "documentID", documentID)

	return m.sessionFor(ctx, sheet.ID, documentID)
}

func (m *Machine) sessionFor(ctx context.Context, sheetID, documentID string) (*Session, error) {
	session := &Session{SheetID: sheetID, DocumentID: documentID}
	url, err := m.provider.GenerateSigningLink(ctx, documentID)
	if err != nil {
		return session, fmt.Errorf("generate signing link: %w", err)
	}
	session.SigningURL = url
	return session, nil
}

// recordFailure clears the pending flag and stores a message the sheet view
// can show instead of a frozen "in progress" state.
func (m *Machine) recordFailure(ctx context.Context, sheetID string, cause error) {
	ce := failure.Classify(cause)
	msg := ce.Error()
	var ve *failure.ValidationError
	if errors.As(cause, &ve) {
		msg = ve.UserMessage()
	}
	m.logger.Error("Signing failed", "sheetID", sheetID, "severity", ce.Severity, "code", ce.Code, "error", cause)
	if err := m.sheets.MarkSigningFailed(context.WithoutCancel(ctx), sheetID, truncate(msg, 1000)); err != nil {
		m.logger.Error("Failed to record signing failure", "sheetID", sheetID, "error", err)
	}
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
