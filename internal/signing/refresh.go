package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/failure"
	"github.com/vietddude/sheetsign/internal/infra/provider"
)

// ErrRefreshThrottled is returned when a refresh arrives inside the cooldown.
var ErrRefreshThrottled = errors.New("refresh throttled")

// RefreshResult reports what a refresh reconciled.
type RefreshResult struct {
	Sheet  *domain.Sheet           `json:"sheet"`
	Remote provider.DocumentStatus `json:"remoteStatus,omitempty"`
	Events []domain.ApplyResult    `json:"events"`
}

// Refresh is the manual refresh entry point: it applies the refresh gate,
// reconciles the sheet and schedules a deferred retry when the provider is
// temporarily unavailable.
func (m *Machine) Refresh(ctx context.Context, sheetID string) (*RefreshResult, error) {
	if m.gate != nil {
		ok, err := m.gate.Allow(ctx, sheetID)
		if err != nil {
			m.logger.Warn("Refresh gate unavailable, allowing refresh", "sheetID", sheetID, "error", err)
		} else if !ok {
			return nil, ErrRefreshThrottled
		}
	}

	res, err := m.Reconcile(ctx, sheetID)
	if err != nil && failure.IsRetryable(err) {
		m.scheduleRefresh(ctx, sheetID)
	}
	return res, err
}

// Reconcile polls the provider for the sheet's document and applies the
// first and second signatures it reports. lastCheckedAt is stamped whether or
// not the poll succeeds.
func (m *Machine) Reconcile(ctx context.Context, sheetID string) (*RefreshResult, error) {
	sheet, err := m.Sheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := m.sheets.TouchChecked(context.WithoutCancel(ctx), sheetID, m.now()); err != nil {
			m.logger.Warn("Failed to stamp lastCheckedAt", "sheetID", sheetID, "error", err)
		}
	}()

	result := &RefreshResult{Sheet: sheet, Events: []domain.ApplyResult{}}
	if sheet.ProviderDocumentID == "" || sheet.Status == domain.SheetStatusExpired || sheet.Status == domain.SheetStatusSigned {
		return result, nil
	}

	status, err := m.provider.GetStatus(ctx, sheet.ProviderDocumentID)
	if err != nil {
		if !failure.IsRetryable(err) {
			m.recordFailure(ctx, sheetID, err)
		}
		return nil, fmt.Errorf("get provider status: %w", err)
	}
	result.Remote = status.Status

	events := eventsFor(sheet.ProviderDocumentID, status)
	for _, ev := range events {
		res, err := m.Apply(ctx, ev)
		if err != nil {
			return nil, err
		}
		result.Events = append(result.Events, res)
	}

	if len(events) > 0 {
		if result.Sheet, err = m.sheets.Get(ctx, sheetID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// eventsFor translates a provider status into zero, one or two events,
// first signature before second.
func eventsFor(documentID string, status *provider.StatusResult) []domain.SigningEvent {
	var events []domain.SigningEvent
	if status.Status == provider.StatusFirstSigned || status.Status == provider.StatusSecondSigned {
		events = append(events, domain.SigningEvent{
			DocumentID: documentID,
			Action:     domain.ActionFirstSigned,
			OccurredAt: timeOrZero(status.FirstSignedAt),
		})
	}
	if status.Status == provider.StatusSecondSigned {
		events = append(events, domain.SigningEvent{
			DocumentID: documentID,
			Action:     domain.ActionSecondSigned,
			OccurredAt: timeOrZero(status.SecondSignedAt),
		})
	}
	return events
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (m *Machine) scheduleRefresh(ctx context.Context, sheetID string) {
	if m.jobs == nil {
		return
	}
	payload := domain.RefreshSheetPayload{SheetID: sheetID}
	if _, err := m.jobs.Enqueue(ctx, domain.JobTypeRefreshSheet, payload, m.now().Add(time.Minute)); err != nil {
		m.logger.Error("Failed to schedule refresh", "sheetID", sheetID, "error", err)
	}
}
