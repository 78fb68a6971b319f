package booking

import (
	"context"
	"fmt"
	"time"
)

// ValidationError is returned when a required field is missing or malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// SlotUnavailableError is returned when booking a day that is already booked.
type SlotUnavailableError struct {
	DoctorID string
	Day      string
	Status   string
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("doctor %s is not available on %s (status %s)", e.DoctorID, e.Day, e.Status)
}

// RemoteStoreError wraps a failure reported by the record store.
type RemoteStoreError struct {
	Op  string
	Err error
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("remote store %s: %v", e.Op, e.Err)
}

func (e *RemoteStoreError) Unwrap() error { return e.Err }

// TimeoutError is returned when a store call does not complete within the
// configured per-call timeout.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote store %s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// PartialConsistencyWarning reports an appointment that was deleted while its
// slot stayed booked. When Retrying is set a compensation entry was queued
// under CompensationID.
type PartialConsistencyWarning struct {
	AppointmentID  string `json:"appointmentId"`
	DoctorID       string `json:"doctorId"`
	Day            string `json:"day"`
	Reason         string `json:"reason"`
	Retrying       bool   `json:"retrying"`
	CompensationID string `json:"compensationId,omitempty"`
}

func (w *PartialConsistencyWarning) Error() string {
	return fmt.Sprintf("appointment %s deleted but slot %s/%s not released: %s",
		w.AppointmentID, w.DoctorID, w.Day, w.Reason)
}
