// Package audit records every synchronization transition of an appointment.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wolfman30/clinic-agenda/internal/appointments"
)

// Operation names the engine call that caused a transition.
type Operation string

const (
	OpCreate Operation = "sync.create"
	OpUpdate Operation = "sync.update"
	OpCancel Operation = "sync.cancel"
	OpPurge  Operation = "sync.purge"
	OpImport Operation = "sync.import"
	OpReplay Operation = "sync.replay"
	OpRetry  Operation = "sync.retry"
)

// Event is an immutable audit record.
type Event struct {
	ID            string                 `json:"id"`
	AppointmentID string                 `json:"appointment_id"`
	ExternalID    string                 `json:"external_id,omitempty"`
	Operation     Operation              `json:"operation"`
	FromState     appointments.SyncState `json:"from_state"`
	ToState       appointments.SyncState `json:"to_state"`
	Error         string                 `json:"error,omitempty"`
	Details       json.RawMessage        `json:"details,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Service stores events in appointment_sync_audit.
type Service struct {
	db *sql.DB
}

// NewService creates a new audit service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record inserts an event.
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO appointment_sync_audit (
			id, appointment_id, external_id, operation, from_state, to_state, error, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.AppointmentID,
		nullString(event.ExternalID),
		string(event.Operation),
		string(event.FromState),
		string(event.ToState),
		nullString(event.Error),
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record event: %w", err)
	}
	return nil
}

// ListForAppointments returns the events of the given appointments, newest first.
func (s *Service) ListForAppointments(ctx context.Context, appointmentIDs []string, limit int) ([]Event, error) {
	if len(appointmentIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, appointment_id, external_id, operation, from_state, to_state, error, details, created_at
		FROM appointment_sync_audit
		WHERE appointment_id = ANY($1)
		ORDER BY created_at DESC
	`
	args := []interface{}{pq.Array(appointmentIDs)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Filter narrows Query.
type Filter struct {
	Operation Operation
	ToState   appointments.SyncState
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Query retrieves events matching filter, newest first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, appointment_id, external_id, operation, from_state, to_state, error, details, created_at
		FROM appointment_sync_audit
		WHERE 1 = 1
	`
	var args []interface{}
	argIdx := 1

	if filter.Operation != "" {
		query += fmt.Sprintf(" AND operation = $%d", argIdx)
		args = append(args, string(filter.Operation))
		argIdx++
	}
	if filter.ToState != "" {
		query += fmt.Sprintf(" AND to_state = $%d", argIdx)
		args = append(args, string(filter.ToState))
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, filter.EndTime)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Service) query(ctx context.Context, query string, args ...interface{}) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var externalID, errText sql.NullString
		var op, from, to string
		var details []byte
		if err := rows.Scan(&e.ID, &e.AppointmentID, &externalID, &op, &from, &to, &errText, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.ExternalID = externalID.String
		e.Error = errText.String
		e.Operation = Operation(op)
		e.FromState = appointments.SyncState(from)
		e.ToState = appointments.SyncState(to)
		if len(details) > 0 {
			e.Details = append(json.RawMessage(nil), details...)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// MemoryRecorder keeps events in process. Used when no database is configured.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryRecorder) Record(_ context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events in insertion order.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// ListForAppointments mirrors Service.ListForAppointments over the in-process log.
func (m *MemoryRecorder) ListForAppointments(_ context.Context, appointmentIDs []string, limit int) ([]Event, error) {
	want := make(map[string]struct{}, len(appointmentIDs))
	for _, id := range appointmentIDs {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if _, ok := want[m.events[i].AppointmentID]; !ok {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// History is implemented by recorders that can be read back.
type History interface {
	ListForAppointments(ctx context.Context, appointmentIDs []string, limit int) ([]Event, error)
}

var (
	_ History = (*Service)(nil)
	_ History = (*MemoryRecorder)(nil)
)
