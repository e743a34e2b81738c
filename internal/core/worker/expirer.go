package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/metrics"
)

const expireBatch = 500

// Expirer moves overdue DRAFT sheets to EXPIRED in the background. Reads and
// writes also expire lazily, so this only keeps stored status current for
// listings and counts. PENDING_COUNTERPARTY sheets are never expired here.
type Expirer struct {
	sheets   storage.SheetRepository
	interval time.Duration
	now      func() time.Time
}

// NewExpirer creates a new Expirer worker.
func NewExpirer(sheets storage.SheetRepository, interval time.Duration) *Expirer {
	return &Expirer{
		sheets:   sheets,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the expiry loop until ctx is done.
func (e *Expirer) Start(ctx context.Context) {
	if e.interval <= 0 {
		return // Sweep disabled
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Initial sweep
	e.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep expires overdue sheets in batches and refreshes the sheet gauge.
func (e *Expirer) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := e.sheets.ExpireDue(ctx, e.now(), expireBatch)
		if err != nil {
			slog.Error("[Expirer] failed to expire sheets", "error", err)
			break
		}
		total += n
		if n < expireBatch {
			break
		}
	}
	if total > 0 {
		metrics.SheetsExpiredTotal.Add(float64(total))
		slog.Info("[Expirer] expired sheets", "count", total)
	}

	if counts, err := e.sheets.CountByStatus(ctx); err == nil {
		for _, s := range []domain.SheetStatus{
			domain.SheetStatusDraft,
			domain.SheetStatusPendingCounterparty,
			domain.SheetStatusSigned,
			domain.SheetStatusExpired,
		} {
			metrics.Sheets.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}
	return total
}
