// Package signing applies provider signing events to sheets. All
// coordination goes through guarded conditional updates in the sheet
// repository; the machine itself holds no locks.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/provider"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/metrics"
)

// Enqueuer schedules deferred jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, runAt time.Time) (*domain.DeferredJob, error)
}

// RefreshGate throttles manual refreshes per sheet.
type RefreshGate interface {
	Allow(ctx context.Context, sheetID string) (bool, error)
}

// Machine is the signing state machine.
type Machine struct {
	sheets         storage.SheetRepository
	provider       provider.Adapter
	jobs           Enqueuer
	gate           RefreshGate
	pendingTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithJobs enables follow-up jobs (link revocation, deferred refresh).
func WithJobs(jobs Enqueuer) Option {
	return func(m *Machine) { m.jobs = jobs }
}

// WithRefreshGate throttles Refresh per sheet.
func WithRefreshGate(gate RefreshGate) Option {
	return func(m *Machine) { m.gate = gate }
}

// WithPendingTimeout sets how long an unfinished session preparation keeps
// other requests out before its claim can be taken over.
func WithPendingTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.pendingTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a new signing state machine.
func NewMachine(sheets storage.SheetRepository, adapter provider.Adapter, opts ...Option) *Machine {
	m := &Machine{
		sheets:   sheets,
		provider:       adapter,
		pendingTimeout: DefaultPendingTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default().With("component", "signing"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sheet returns a sheet by id, applying the lazy expiry check first.
func (m *Machine) Sheet(ctx context.Context, id string) (*domain.Sheet, error) {
	sheet, err := m.sheets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.expireIfDue(ctx, sheet)
}

// expireIfDue moves an overdue DRAFT sheet to EXPIRED and returns the
// current row.
func (m *Machine) expireIfDue(ctx context.Context, sheet *domain.Sheet) (*domain.Sheet, error) {
	now := m.now()
	if !sheet.ExpiryDue(now) {
		return sheet, nil
	}
	ok, err := m.sheets.Expire(ctx, sheet.ID, now)
	if err != nil {
		return nil, fmt.Errorf("expire sheet: %w", err)
	}
	if ok {
		m.logger.Info("Sheet expired", "sheetID", sheet.ID, "expiresAt", sheet.ExpiresAt)
	}
	return m.sheets.Get(ctx, sheet.ID)
}

// Apply applies a signing event. Duplicate and stale events are reported in
// the result, not as errors; an error means the event could not be evaluated
// and may be retried.
func (m *Machine) Apply(ctx context.Context, ev domain.SigningEvent) (domain.ApplyResult, error) {
	res, err := m.apply(ctx, ev)
	outcome := "error"
	switch {
	case err != nil:
	case res.Processed:
		outcome = "processed"
	case res.Duplicate:
		outcome = "duplicate"
	default:
		outcome = "ignored"
	}
	metrics.SigningEventsTotal.WithLabelValues(string(ev.Action), outcome).Inc()
	return res, err
}

func (m *Machine) apply(ctx context.Context, ev domain.SigningEvent) (domain.ApplyResult, error) {
	logger := m.logger.With("documentID", ev.DocumentID, "action", ev.Action)

	sheet, err := m.sheets.GetByDocumentID(ctx, ev.DocumentID)
	if errors.Is(err, storage.ErrSheetNotFound) {
		logger.Info("No sheet for document, ignoring event")
		return domain.ApplyResult{Ignored: true, Message: "no sheet for document"}, nil
	}
	if err != nil {
		return domain.ApplyResult{}, err
	}

	sheet, err = m.expireIfDue(ctx, sheet)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if sheet.Status == domain.SheetStatusExpired {
		logger.Info("Sheet expired, ignoring event", "sheetID", sheet.ID)
		return resultFor(sheet, domain.ApplyResult{Ignored: true, Message: "sheet expired"}), nil
	}

	action := ev.Action
	if action == domain.ActionParticipantSigned {
		action = m.inferRole(sheet, ev.ParticipantIdentity)
	}
	tr, ok := domain.Transitions[action]
	if !ok {
		return resultFor(sheet, domain.ApplyResult{Ignored: true, Message: fmt.Sprintf("unsupported action %s", ev.Action)}), nil
	}

	if alreadyApplied(sheet, action) {
		logger.Debug("Duplicate signing event", "sheetID", sheet.ID)
		return resultFor(sheet, domain.ApplyResult{Duplicate: true, Message: "already applied"}), nil
	}
	if !storage.StatusIn(sheet.Status, tr.From) {
		logger.Info("Out of order signing event", "sheetID", sheet.ID, "status", sheet.Status)
		msg := fmt.Sprintf("sheet is %s", sheet.Status)
		if action == domain.ActionSecondSigned && sheet.Status == domain.SheetStatusDraft {
			// The first signature was missed; ask the provider for both.
			m.scheduleRefresh(ctx, sheet.ID)
			msg += ", refresh scheduled"
		}
		return resultFor(sheet, domain.ApplyResult{Ignored: true, Message: msg}), nil
	}

	now := m.now()
	signedAt := ev.OccurredAt
	if signedAt.IsZero() {
		signedAt = now
	}
	applied, err := m.sheets.ApplySignature(ctx, storage.SignatureUpdate{
		SheetID:   sheet.ID,
		Action:    action,
		From:      tr.From,
		To:        tr.To,
		SignedAt:  signedAt,
		CheckedAt: now,
	})
	if err != nil {
		return domain.ApplyResult{}, fmt.Errorf("apply signature: %w", err)
	}

	if !applied {
		// Lost the race, the sheet moved on or it expired under us; classify
		// from the current row.
		current, err := m.sheets.Get(ctx, sheet.ID)
		if err != nil {
			return domain.ApplyResult{}, err
		}
		if current, err = m.expireIfDue(ctx, current); err != nil {
			return domain.ApplyResult{}, err
		}
		if current.Status == domain.SheetStatusExpired {
			return resultFor(current, domain.ApplyResult{Ignored: true, Message: "sheet expired"}), nil
		}
		if alreadyApplied(current, action) {
			logger.Debug("Concurrent application won", "sheetID", sheet.ID)
			return resultFor(current, domain.ApplyResult{Duplicate: true, Message: "already applied"}), nil
		}
		return resultFor(current, domain.ApplyResult{
			Ignored: true,
			Message: fmt.Sprintf("sheet is %s", current.Status),
		}), nil
	}

	logger.Info("Signing transition applied", "sheetID", sheet.ID, "from", sheet.Status, "to", tr.To)
	if tr.To == domain.SheetStatusSigned {
		m.enqueueRevoke(ctx, ev.DocumentID)
	}
	return domain.ApplyResult{
		Processed: true,
		Message:   fmt.Sprintf("%s applied", action),
		SheetID:   sheet.ID,
		Status:    tr.To,
	}, nil
}

func resultFor(sheet *domain.Sheet, res domain.ApplyResult) domain.ApplyResult {
	res.SheetID = sheet.ID
	res.Status = sheet.Status
	return res
}

// alreadyApplied reports whether the sheet already reflects action.
func alreadyApplied(sheet *domain.Sheet, action domain.SigningAction) bool {
	if sheet.SignedAt(action) != nil {
		return true
	}
	switch action {
	case domain.ActionFirstSigned:
		return sheet.Status == domain.SheetStatusPendingCounterparty || sheet.Status == domain.SheetStatusSigned
	case domain.ActionSecondSigned:
		return sheet.Status == domain.SheetStatusSigned
	}
	return false
}

// inferRole resolves an ambiguous "participant signed" event. The identity is
// matched against the signer emails; without a match the first unset slot
// wins, which can misattribute a counterparty signature when the first
// signer's identity is unknown.
func (m *Machine) inferRole(sheet *domain.Sheet, identity string) domain.SigningAction {
	id := normalizeEmail(identity)
	if id != "" {
		if id == normalizeEmail(sheet.FirstSignerEmail) {
			return domain.ActionFirstSigned
		}
		if id == normalizeEmail(sheet.SecondSignerEmail) {
			return domain.ActionSecondSigned
		}
	}

	action := domain.ActionSecondSigned
	if sheet.FirstSignerSignedAt == nil {
		action = domain.ActionFirstSigned
	}
	m.logger.Warn("Participant role inferred from unset slot",
		"sheetID", sheet.ID,
		"identity", identity,
		"action", action,
	)
	return action
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (m *Machine) enqueueRevoke(ctx context.Context, documentID string) {
	if m.jobs == nil || documentID == "" {
		return
	}
	payload := domain.RevokePublicLinksPayload{DocumentID: documentID}
	if _, err := m.jobs.Enqueue(ctx, domain.JobTypeRevokePublicLinks, payload, m.now()); err != nil {
		m.logger.Error("Failed to enqueue link revocation", "documentID", documentID, "error", err)
	}
}
