// Package appointments holds the appointment record shared by the mirror store,
// the synchronization engine and the calendar projection.
package appointments

import (
	"strings"
	"time"
)

// Status is the persisted state of a mirror record.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
	StatusSyncError Status = "sync_error"
)

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCancelled, StatusSyncError:
		return true
	default:
		return false
	}
}

// Appointment is the mirror record. StartInstant/EndInstant are UTC; rows
// migrated from the date-only schema carry CalendarDay instead and must go
// through clinictime before any comparison.
type Appointment struct {
	ID             string            `json:"id"`
	ExternalID     string            `json:"external_id,omitempty"`
	PatientID      string            `json:"patient_id,omitempty"`
	ProfessionalID string            `json:"professional_id,omitempty"`
	StartInstant   time.Time         `json:"start_instant"`
	EndInstant     time.Time         `json:"end_instant"`
	CalendarDay    string            `json:"calendar_day,omitempty"`
	Status         Status            `json:"status"`
	Title          string            `json:"title,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SyncedAt       *time.Time        `json:"synced_at,omitempty"`
	SyncError      string            `json:"sync_error,omitempty"`

	// Read-side join from the patients table.
	PatientName  string `json:"patient_name,omitempty"`
	PatientPhone string `json:"patient_phone,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Synced reports whether the system of record has confirmed this record.
func (a Appointment) Synced() bool {
	return strings.TrimSpace(a.ExternalID) != "" && a.SyncedAt != nil
}

// Clone returns a deep copy so callers can hand records out without sharing maps.
func (a Appointment) Clone() Appointment {
	cpy := a
	if a.Metadata != nil {
		cpy.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cpy.Metadata[k] = v
		}
	}
	if a.SyncedAt != nil {
		t := *a.SyncedAt
		cpy.SyncedAt = &t
	}
	return cpy
}

// MarkSynced stamps the record as confirmed by the system of record.
func (a *Appointment) MarkSynced(externalID string, now time.Time) {
	a.ExternalID = externalID
	a.Status = StatusScheduled
	a.SyncError = ""
	synced := now.UTC()
	a.SyncedAt = &synced
	a.UpdatedAt = synced
}

// MarkSyncError flags the record for reconciliation. The previous SyncedAt is
// kept so operators can see when the two systems last agreed.
func (a *Appointment) MarkSyncError(reason string, now time.Time) {
	a.Status = StatusSyncError
	a.SyncError = reason
	a.UpdatedAt = now.UTC()
}

// Metadata keys written by the ERP integration.
const (
	MetaProcedure = "procedure"
	MetaColor     = "color"
	MetaSource    = "source"
	// MetaPatientName keeps the ERP display name for patients without a local row.
	MetaPatientName = "patient_name"
)
