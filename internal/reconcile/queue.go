// Package reconcile keeps the durable replay queue for appointments left in
// sync_error, and the worker that drains it.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Operation is the engine call to replay.
type Operation string

const (
	// OpCreate reconciles a create whose ERP outcome is unknown, e.g. after a
	// timeout. It never books again; it only adopts what the ERP holds.
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpCancel Operation = "cancel"
	// OpMirror re-writes a mirror record the ERP already accepted.
	OpMirror Operation = "mirror"
)

// ErrDrop tells the worker to resolve an entry without success: the record
// stays in sync_error for an operator.
var ErrDrop = errors.New("reconcile: drop entry")

// Entry is one pending replay. Payload carries the operation input, e.g. the
// requested draft of an update.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	AppointmentID string          `json:"appointment_id"`
	ExternalID    string          `json:"external_id,omitempty"`
	Operation     Operation       `json:"operation"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Enqueuer records a replay entry. At most one unresolved entry exists per
// appointment and operation; enqueueing again replaces its reason and payload.
//
// Supersede retires every entry of an appointment once a newer write reached
// the ERP: open entries resolve, and Superseded reports true for all of them,
// including entries already handed to another transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, entry Entry) (uuid.UUID, error)
	Supersede(ctx context.Context, appointmentID string) (int64, error)
	Superseded(ctx context.Context, id uuid.UUID) (bool, error)
}

// Queue is the worker-side contract.
type Queue interface {
	Enqueuer
	FetchPending(ctx context.Context, limit int32) ([]Entry, error)
	MarkResolved(ctx context.Context, id uuid.UUID) (bool, error)
	MarkAttempt(ctx context.Context, id uuid.UUID, cause error, next time.Time) error
}

// Handler replays one entry.
type Handler interface {
	Handle(ctx context.Context, entry Entry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entry Entry) error

func (f HandlerFunc) Handle(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// Backoff returns the delay before the next attempt: base doubled per
// attempt, capped at one hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}
