package appointments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidDraft is wrapped by every Draft validation failure.
var ErrInvalidDraft = errors.New("appointments: invalid draft")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Draft is the write-side input for create and update. Either PatientID or
// PatientName identifies the patient; both may be empty for anonymous slots.
type Draft struct {
	// ID is an optional client-chosen mirror id used as an idempotency key.
	ID string `json:"id,omitempty" validate:"omitempty,max=64"`
	// ExternalID re-syncs an appointment the ERP already assigned.
	ExternalID string `json:"external_id,omitempty" validate:"omitempty,max=64"`

	PatientID      string            `json:"patient_id,omitempty" validate:"omitempty,max=64"`
	PatientName    string            `json:"patient_name,omitempty" validate:"omitempty,max=200"`
	ProfessionalID string            `json:"professional_id,omitempty" validate:"omitempty,max=64"`
	Start          time.Time         `json:"start" validate:"required"`
	End            time.Time         `json:"end" validate:"required,gtfield=Start"`
	Title          string            `json:"title,omitempty" validate:"max=200"`
	Notes          string            `json:"notes,omitempty" validate:"max=4000"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks field constraints and returns an error wrapping ErrInvalidDraft.
func (d Draft) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidDraft, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	return nil
}

// DisplayTitle mirrors the agenda's default labelling when no title was typed.
func (d Draft) DisplayTitle() string {
	if t := strings.TrimSpace(d.Title); t != "" {
		return t
	}
	if name := strings.TrimSpace(d.PatientName); name != "" {
		return "Consulta - " + name
	}
	return "Agendamento"
}

// Apply copies the draft's schedule and display fields onto a record.
func (d Draft) Apply(a *Appointment) {
	a.PatientID = strings.TrimSpace(d.PatientID)
	a.ProfessionalID = strings.TrimSpace(d.ProfessionalID)
	a.StartInstant = d.Start.UTC()
	a.EndInstant = d.End.UTC()
	a.CalendarDay = ""
	a.Title = d.DisplayTitle()
	a.Notes = d.Notes
	if d.Metadata != nil {
		a.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			a.Metadata[k] = v
		}
	}
	if name := strings.TrimSpace(d.PatientName); name != "" {
		a.PatientName = name
	}
}
