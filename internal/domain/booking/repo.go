package booking

import (
	"context"
	"errors"
	"time"

	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
)

// AppointmentStore owns appointment records, partitioned by patient.
type AppointmentStore interface {
	Create(ctx context.Context, a *Appointment) (string, error)
	Get(ctx context.Context, patientID, appointmentID string) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID string) ([]Appointment, error)
	ListByDoctor(ctx context.Context, doctorID string) ([]Appointment, error)
	Delete(ctx context.Context, patientID, appointmentID string) (bool, error)
}

// AvailabilityStore owns each doctor's per-day slot status.
type AvailabilityStore interface {
	GetDays(ctx context.Context, doctorID string) ([]AvailabilityDay, error)
	SetStatus(ctx context.Context, doctorID, day, status string) (bool, error)
	Provision(ctx context.Context, doctorID string, days []string) ([]AvailabilityDay, error)
	WatchDays(ctx context.Context, doctorID string) (<-chan []AvailabilityDay, error)
}

// PatientDirectory resolves patient profiles for the doctor agenda.
type PatientDirectory interface {
	Get(ctx context.Context, patientID string) (*Patient, error)
}

// Record store layout.
const (
	appointmentRoot = "appointment"
	doctorRoot      = "Doctors"
	daysSegment     = "availableDays"
	patientRoot     = "Patients"
)

func patientAppointmentsPath(patientID string) string {
	return recordstore.Join(appointmentRoot, patientID)
}

func availableDaysPath(doctorID string) string {
	return recordstore.Join(doctorRoot, doctorID, daysSegment)
}

// remote runs each store call under its own deadline, records its latency and
// translates failures into TimeoutError or RemoteStoreError.
type remote struct {
	store   recordstore.Store
	timeout time.Duration
	metrics *telemetry.Metrics
}

func (r *remote) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	r.metrics.ObserveStoreCall(op, time.Since(start), err)
	if err == nil {
		return nil
	}

	// the caller giving up is not a store failure
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: r.timeout}
	}
	return &RemoteStoreError{Op: op, Err: err}
}

func (r *remote) snapshot(ctx context.Context, op, prefix string) ([]recordstore.Record, error) {
	var recs []recordstore.Record
	err := r.call(ctx, op, func(ctx context.Context) error {
		var err error
		recs, err = r.store.Snapshot(ctx, prefix)
		return err
	})
	return recs, err
}
