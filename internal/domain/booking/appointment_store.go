package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
)

// AppointmentRecordStore keeps appointments at appointment/<patientId>/<id>.
type AppointmentRecordStore struct {
	remote
	logger zerolog.Logger
}

func NewAppointmentRecordStore(store recordstore.Store, timeout time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger) *AppointmentRecordStore {
	return &AppointmentRecordStore{
		remote: remote{store: store, timeout: timeout, metrics: metrics},
		logger: logger.With().Str("component", "appointment-store").Logger(),
	}
}

// Create validates a and stores it, generating an id when none is supplied.
func (s *AppointmentRecordStore) Create(ctx context.Context, a *Appointment) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	if a.AppointmentID == "" {
		a.AppointmentID = uuid.New().String()
	}
	for field, v := range map[string]string{"patientId": a.PatientID, "appointmentId": a.AppointmentID} {
		if strings.Contains(v, "/") {
			return "", &ValidationError{Field: field, Message: "must not contain '/'"}
		}
	}
	path := recordstore.Join(appointmentRoot, a.PatientID, a.AppointmentID)
	if err := recordstore.ValidatePath(path); err != nil {
		return "", &ValidationError{Field: "appointmentId", Message: err.Error()}
	}

	existing, err := s.find(ctx, a.PatientID, a.AppointmentID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", &ValidationError{Field: "appointmentId", Message: fmt.Sprintf("%s already exists", a.AppointmentID)}
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal appointment: %w", err)
	}
	err = s.call(ctx, "appointment.create", func(ctx context.Context) error {
		return s.store.Put(ctx, path, raw)
	})
	if err != nil {
		return "", err
	}
	return a.AppointmentID, nil
}

// Get returns the patient's appointment with the given id or a NotFoundError.
func (s *AppointmentRecordStore) Get(ctx context.Context, patientID, appointmentID string) (*Appointment, error) {
	found, err := s.find(ctx, patientID, appointmentID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID}
	}
	return &found.appointment, nil
}

// ListByPatient returns the patient's live appointments in insertion order.
func (s *AppointmentRecordStore) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	entries, err := s.entries(ctx, "appointment.list_by_patient", patientAppointmentsPath(patientID))
	if err != nil {
		return nil, err
	}
	out := make([]Appointment, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.appointment)
	}
	return out, nil
}

// ListByDoctor scans every patient's appointments for doctorID.
func (s *AppointmentRecordStore) ListByDoctor(ctx context.Context, doctorID string) ([]Appointment, error) {
	entries, err := s.entries(ctx, "appointment.list_by_doctor", appointmentRoot)
	if err != nil {
		return nil, err
	}
	out := make([]Appointment, 0)
	for _, e := range entries {
		if e.appointment.DoctorID == doctorID {
			out = append(out, e.appointment)
		}
	}
	return out, nil
}

// Delete removes the patient's child record whose appointmentId matches. It
// returns false, not an error, when nothing matches.
func (s *AppointmentRecordStore) Delete(ctx context.Context, patientID, appointmentID string) (bool, error) {
	found, err := s.find(ctx, patientID, appointmentID)
	if err != nil || found == nil {
		return false, err
	}
	err = s.call(ctx, "appointment.delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, found.path)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

type appointmentEntry struct {
	path        string
	appointment Appointment
}

// find matches on the stored appointmentId field rather than the record key;
// legacy records were written under generated keys.
func (s *AppointmentRecordStore) find(ctx context.Context, patientID, appointmentID string) (*appointmentEntry, error) {
	entries, err := s.entries(ctx, "appointment.lookup", patientAppointmentsPath(patientID))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].appointment.AppointmentID == appointmentID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (s *AppointmentRecordStore) entries(ctx context.Context, op, prefix string) ([]appointmentEntry, error) {
	recs, err := s.snapshot(ctx, op, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]appointmentEntry, 0, len(recs))
	for _, r := range recs {
		var a Appointment
		if err := r.Decode(&a); err != nil {
			s.logger.Warn().Err(err).Str("path", r.Path).Msg("skipping unreadable appointment record")
			continue
		}
		if a.AppointmentID == "" {
			a.AppointmentID = r.Key()
		}
		out = append(out, appointmentEntry{path: r.Path, appointment: a})
	}
	return out, nil
}
