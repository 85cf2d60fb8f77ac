package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/observability/metrics"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

// Worker polls the queue and invokes the handler.
type Worker struct {
	queue     Queue
	handler   Handler
	logger    *logging.Logger
	metrics   *metrics.SyncMetrics
	batchSize int32
	interval  time.Duration
	now       func() time.Time
}

func NewWorker(queue Queue, handler Handler, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:     queue,
		handler:   handler,
		logger:    logger.Component("reconcile"),
		batchSize: 25,
		interval:  5 * time.Second,
		now:       time.Now,
	}
}

func (w *Worker) WithBatchSize(size int32) *Worker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

func (w *Worker) WithInterval(interval time.Duration) *Worker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *Worker) WithMetrics(m *metrics.SyncMetrics) *Worker {
	w.metrics = m
	return w
}

// Start drains the queue every interval until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	if w.queue == nil || w.handler == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes one batch and returns how many entries were resolved.
func (w *Worker) Drain(ctx context.Context) int {
	entries, err := w.queue.FetchPending(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("replay fetch failed", "error", err)
		return 0
	}
	resolved := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return resolved
		}
		err := w.handler.Handle(ctx, entry)
		switch {
		case err == nil:
			w.metrics.ObserveReplay("resolved")
		case errors.Is(err, ErrDrop):
			w.metrics.ObserveReplay("dropped")
			w.logger.Warn("replay dropped", "error", err, "entry_id", entry.ID, "appointment_id", entry.AppointmentID, "operation", entry.Operation)
		default:
			w.metrics.ObserveReplay("failed")
			next := w.now().Add(Backoff(w.interval, entry.Attempts+1))
			w.logger.Error("replay failed", "error", err, "entry_id", entry.ID, "appointment_id", entry.AppointmentID, "attempts", entry.Attempts+1)
			if markErr := w.queue.MarkAttempt(ctx, entry.ID, err, next); markErr != nil {
				w.logger.Error("failed to record replay attempt", "error", markErr, "entry_id", entry.ID)
			}
			continue
		}
		if ok, err := w.queue.MarkResolved(ctx, entry.ID); err != nil {
			w.logger.Error("failed to mark replay resolved", "error", err, "entry_id", entry.ID)
		} else if ok {
			resolved++
			w.logger.Debug("replay resolved", "entry_id", entry.ID, "appointment_id", entry.AppointmentID)
		}
	}
	return resolved
}
