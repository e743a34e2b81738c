package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/sheetsign/internal/queue"
)

// JobDrainer is the part of the queue the Drainer drives.
type JobDrainer interface {
	Drain(ctx context.Context, limit int, now time.Time) (queue.Stats, error)
}

// Drainer drains the deferred job queue on a fixed interval. The HTTP drain
// trigger keeps working whether or not this loop runs.
type Drainer struct {
	queue    JobDrainer
	interval time.Duration
	limit    int
}

// NewDrainer creates a new Drainer worker.
func NewDrainer(q JobDrainer, interval time.Duration, limit int) *Drainer {
	return &Drainer{queue: q, interval: interval, limit: queue.ClampLimit(limit)}
}

// Start runs the drain loop until ctx is done.
func (d *Drainer) Start(ctx context.Context) {
	if d.interval <= 0 {
		return // Scheduled draining disabled
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

// drainOnce keeps draining while full batches come back so a backlog clears
// within one tick.
func (d *Drainer) drainOnce(ctx context.Context) {
	for ctx.Err() == nil {
		stats, err := d.queue.Drain(ctx, d.limit, time.Now().UTC())
		if err != nil {
			slog.Error("[Drainer] drain failed", "error", err)
			return
		}
		if stats.Scanned < d.limit || stats.Processed == 0 {
			return
		}
	}
}
