// Package erp defines the contract every system-of-record integration implements.
package erp

import (
	"context"
	"time"
)

// Adapter is the system of record for appointment existence. Implementations
// must return a Record with a non-empty ExternalID on every successful write.
type Adapter interface {
	// Create books an appointment and returns the ERP-assigned record.
	Create(ctx context.Context, draft Draft) (*Record, error)

	// Get retrieves an appointment by its ERP identifier.
	Get(ctx context.Context, externalID string) (*Record, error)

	// ListRange returns appointments starting in [start, end).
	ListRange(ctx context.Context, start, end time.Time) ([]Record, error)

	// Update replaces the schedule and display fields of an appointment.
	Update(ctx context.Context, externalID string, draft Draft) (*Record, error)

	// Cancel marks an appointment cancelled. Cancelling twice is not an error.
	Cancel(ctx context.Context, externalID string) error
}

// Draft is what the ERP needs to book a slot.
type Draft struct {
	PatientID      string    // ERP patient identifier, when known
	PatientName    string    // Display name used when no PatientID exists
	ProfessionalID string    // Dentist/professional identifier
	Start          time.Time // Appointment start instant
	End            time.Time // Appointment end instant
	Title          string    // Procedure / category description
	Notes          string    // Free-text notes
}

// Record is an appointment as the ERP reports it.
type Record struct {
	ExternalID     string
	PatientID      string
	PatientName    string
	PatientPhone   string
	ProfessionalID string
	Start          time.Time
	End            time.Time
	Cancelled      bool
	Procedure      string
	Color          string
	Notes          string
}
