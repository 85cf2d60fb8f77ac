// Package mirror is the local read-optimized copy of the clinic agenda. Only
// the scheduling engine writes to it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
)

var (
	// ErrNotFound is returned when no mirror record matches.
	ErrNotFound = errors.New("mirror: appointment not found")
	// ErrConflict is returned when an external id is already mirrored under another id.
	ErrConflict = errors.New("mirror: external id already mirrored")
)

// WriteError reports a failed mirror write. When returned by the scheduling
// engine, Record holds the state the ERP already accepted.
type WriteError struct {
	Op     string
	ID     string
	Err    error
	Record *appointments.Appointment
}

func (e *WriteError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("mirror: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mirror: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func writeErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{Op: op, ID: id, Err: err}
}

// IsWriteError reports whether err is a mirror write failure.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// RangeQuery selects records starting in [Start, End). Rows that only carry a
// calendar day match when that day's local midnight falls in the window.
type RangeQuery struct {
	Start         time.Time
	End           time.Time
	Professionals []string
}

// Validate rejects empty or inverted windows.
func (q RangeQuery) Validate() error {
	if q.Start.IsZero() || q.End.IsZero() {
		return errors.New("mirror: range start and end are required")
	}
	if !q.End.After(q.Start) {
		return fmt.Errorf("mirror: range end %s must be after start %s", q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	ExternalID     *string
	PatientID      *string
	ProfessionalID *string
	StartInstant   *time.Time
	EndInstant     *time.Time
	Status         *appointments.Status
	Title          *string
	Notes          *string
	Metadata       map[string]string
	SyncedAt       *time.Time
	SyncError      *string
}

// Apply copies the set fields onto a.
func (p Patch) Apply(a *appointments.Appointment) {
	if p.ExternalID != nil {
		a.ExternalID = *p.ExternalID
	}
	if p.PatientID != nil {
		a.PatientID = *p.PatientID
	}
	if p.ProfessionalID != nil {
		a.ProfessionalID = *p.ProfessionalID
	}
	if p.StartInstant != nil {
		a.StartInstant = p.StartInstant.UTC()
		a.CalendarDay = ""
	}
	if p.EndInstant != nil {
		a.EndInstant = p.EndInstant.UTC()
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	if p.Metadata != nil {
		a.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			a.Metadata[k] = v
		}
	}
	if p.SyncedAt != nil {
		t := p.SyncedAt.UTC()
		a.SyncedAt = &t
	}
	if p.SyncError != nil {
		a.SyncError = *p.SyncError
	}
}

// PatchFrom builds a full patch carrying every writable field of a.
func PatchFrom(a appointments.Appointment) Patch {
	status := a.Status
	p := Patch{
		ExternalID:     &a.ExternalID,
		PatientID:      &a.PatientID,
		ProfessionalID: &a.ProfessionalID,
		Status:         &status,
		Title:          &a.Title,
		Notes:          &a.Notes,
		Metadata:       a.Metadata,
		SyncedAt:       a.SyncedAt,
		SyncError:      &a.SyncError,
	}
	if !a.StartInstant.IsZero() {
		p.StartInstant = &a.StartInstant
	}
	if !a.EndInstant.IsZero() {
		p.EndInstant = &a.EndInstant
	}
	return p
}

// Store is the mirror write and read contract.
type Store interface {
	// Upsert inserts or replaces the record keyed by ID.
	Upsert(ctx context.Context, appt appointments.Appointment) (*appointments.Appointment, error)
	Update(ctx context.Context, id string, patch Patch) (*appointments.Appointment, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*appointments.Appointment, error)
	GetByExternalID(ctx context.Context, externalID string) (*appointments.Appointment, error)
	// ListRange returns records of every status, ordered by start then id.
	ListRange(ctx context.Context, q RangeQuery) ([]appointments.Appointment, error)
}

func validateRecord(a appointments.Appointment) error {
	if a.ID == "" {
		return errors.New("id is required")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status %q", a.Status)
	}
	if a.StartInstant.IsZero() && a.CalendarDay == "" {
		return errors.New("start instant or calendar day is required")
	}
	if !a.StartInstant.IsZero() && !a.EndInstant.After(a.StartInstant) {
		return errors.New("end must be after start")
	}
	return nil
}
