package clinicorp

import (
	"encoding/json"
	"strings"
)

// wireAppointment is Clinicorp's appointment payload. Dates arrive as
// midnight-stamped carriers ("2026-02-02T03:00:00.000Z") with separate local
// fromTime/toTime wall-clock fields.
type wireAppointment struct {
	ID                  json.Number `json:"id,omitempty"`
	PatientID           json.Number `json:"Patient_PersonId,omitempty"`
	PatientName         string      `json:"PatientName,omitempty"`
	MobilePhone         string      `json:"MobilePhone,omitempty"`
	Date                string      `json:"date"`
	FromTime            string      `json:"fromTime"`
	ToTime              string      `json:"toTime"`
	CategoryDescription string      `json:"CategoryDescription,omitempty"`
	CategoryColor       string      `json:"CategoryColor,omitempty"`
	Deleted             string      `json:"Deleted,omitempty"`
	Notes               string      `json:"Notes,omitempty"`
	DentistID           json.Number `json:"Dentist_PersonId,omitempty"`
}

type wireList struct {
	Data []wireAppointment `json:"data"`
}

type wireError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (w wireError) reason() string {
	if m := strings.TrimSpace(w.Message); m != "" {
		return m
	}
	return strings.TrimSpace(w.Error)
}

// deletedMarker flags a cancelled appointment in the Deleted field.
const deletedMarker = "X"
