package booking

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Availability statuses.
const (
	StatusAvailable = "available"
	StatusBooked    = "booked"
)

func ValidStatus(s string) bool {
	return s == StatusAvailable || s == StatusBooked
}

// Appointment is a booked visit. It is created on booking, deleted on
// cancellation and never updated in place. The doctor display fields are
// copied at booking time and not checked against any doctor registry.
type Appointment struct {
	AppointmentID   string `json:"appointmentId"`
	PatientID       string `json:"patientId"`
	DoctorID        string `json:"doctorId"`
	AppointmentDate string `json:"appointmentDate"`
	DoctorName      string `json:"doctorName,omitempty"`
	DoctorImage     string `json:"doctorImage,omitempty"`
	Location        string `json:"location,omitempty"`
}

// UnmarshalJSON accepts ids stored as JSON numbers by older clients.
func (a *Appointment) UnmarshalJSON(b []byte) error {
	type plain Appointment
	aux := struct {
		*plain
		AppointmentID flexID `json:"appointmentId"`
		PatientID     flexID `json:"patientId"`
		DoctorID      flexID `json:"doctorId"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	a.AppointmentID = string(aux.AppointmentID)
	a.PatientID = string(aux.PatientID)
	a.DoctorID = string(aux.DoctorID)
	return nil
}

// Validate reports the first missing required field.
func (a *Appointment) Validate() error {
	switch {
	case strings.TrimSpace(a.PatientID) == "":
		return &ValidationError{Field: "patientId", Message: "is required"}
	case strings.TrimSpace(a.DoctorID) == "":
		return &ValidationError{Field: "doctorId", Message: "is required"}
	case strings.TrimSpace(a.AppointmentDate) == "":
		return &ValidationError{Field: "appointmentDate", Message: "is required"}
	}
	return nil
}

// AvailabilityDay is one bookable day in a doctor's schedule.
type AvailabilityDay struct {
	Day    string `json:"day"`
	Status string `json:"status"`
}

// Patient is the subset of the patient profile the doctor agenda shows.
type Patient struct {
	ID             string `json:"id"`
	Name           string `json:"pname"`
	MedicalHistory string `json:"medicalHistory"`
}

func (p *Patient) UnmarshalJSON(b []byte) error {
	type plain Patient
	aux := struct {
		*plain
		ID flexID `json:"id"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.ID = string(aux.ID)
	return nil
}

// AgendaEntry is one row of a doctor's agenda.
type AgendaEntry struct {
	AppointmentID  string `json:"appointmentId"`
	PatientID      string `json:"patientId"`
	PatientName    string `json:"patientName"`
	Day            string `json:"day"`
	MedicalHistory string `json:"medicalHistory"`
}

const (
	unknownPatient = "Unknown"
	noHistory      = "No history"
)

// CancelResult is what a cancellation reports to the caller. OK is true iff
// the appointment was deleted; Warning is set when the slot could not be
// released afterwards.
type CancelResult struct {
	OK      bool                       `json:"ok"`
	Message string                     `json:"message"`
	Warning *PartialConsistencyWarning `json:"warning,omitempty"`
}

const (
	MessageNotFound  = "not found"
	MessageCancelled = "appointment cancelled"
	MessageDeferred  = "appointment cancelled; slot release pending"
)

// flexID decodes a JSON string or number into its string form.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}
