package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/failure"
	"github.com/vietddude/sheetsign/internal/infra/provider"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/signing"
)

// Reconciler re-polls the provider for a sheet.
type Reconciler interface {
	Reconcile(ctx context.Context, sheetID string) (*signing.RefreshResult, error)
}

func decodePayload(job *domain.DeferredJob, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return failure.Permanent("BAD_PAYLOAD", fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	return nil
}

// RevokePublicLinksHandler removes public links from a provider document.
// The adapter already reports an absent document as success.
func RevokePublicLinksHandler(adapter provider.Adapter) Handler {
	return func(ctx context.Context, job *domain.DeferredJob) error {
		var p domain.RevokePublicLinksPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		if p.DocumentID == "" {
			return failure.Permanent("BAD_PAYLOAD", errors.New("documentId is required"))
		}
		return adapter.RevokePublicLinks(ctx, p.DocumentID)
	}
}

// RefreshSheetHandler reconciles a sheet against the provider.
func RefreshSheetHandler(r Reconciler) Handler {
	return func(ctx context.Context, job *domain.DeferredJob) error {
		var p domain.RefreshSheetPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		_, err := r.Reconcile(ctx, p.SheetID)
		if errors.Is(err, storage.ErrSheetNotFound) {
			return failure.Permanent("SHEET_NOT_FOUND", err)
		}
		return err
	}
}

// RegisterDefaults installs the built-in handlers.
func (q *Queue) RegisterDefaults(adapter provider.Adapter, r Reconciler) {
	q.Register(domain.JobTypeRevokePublicLinks, RevokePublicLinksHandler(adapter))
	if r != nil {
		q.Register(domain.JobTypeRefreshSheet, RefreshSheetHandler(r))
	}
}
