package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicdesk/booking/internal/platform/outbox"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
	"github.com/clinicdesk/booking/internal/platform/websocket"
)

// KindSlotRelease is the outbox kind that retries freeing a doctor's day after
// a cancellation could not do it inline.
const KindSlotRelease = "slot.release"

// SlotRelease is the payload of a KindSlotRelease outbox entry.
type SlotRelease struct {
	DoctorID      string `json:"doctorId"`
	Day           string `json:"day"`
	AppointmentID string `json:"appointmentId"`
}

// Compensator queues work to be retried later.
type Compensator interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) (*outbox.Entry, error)
}

type ServiceOptions struct {
	Outbox    Compensator
	Publisher websocket.EventPublisher
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
	// DetachedTimeout bounds the writes that must finish once an appointment
	// has been deleted or created, even if the caller has gone away.
	DetachedTimeout time.Duration
}

// Service coordinates appointment records with doctor availability.
type Service struct {
	appointments AppointmentStore
	availability AvailabilityStore
	patients     PatientDirectory

	outbox          Compensator
	publisher       websocket.EventPublisher
	metrics         *telemetry.Metrics
	logger          zerolog.Logger
	detachedTimeout time.Duration

	locks *keyedLocks
}

func NewService(appts AppointmentStore, avail AvailabilityStore, patients PatientDirectory, opts ServiceOptions) *Service {
	if opts.DetachedTimeout <= 0 {
		opts.DetachedTimeout = 10 * time.Second
	}
	return &Service{
		appointments:    appts,
		availability:    avail,
		patients:        patients,
		outbox:          opts.Outbox,
		publisher:       opts.Publisher,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With().Str("component", "booking").Logger(),
		detachedTimeout: opts.DetachedTimeout,
		locks:           newKeyedLocks(),
	}
}

// -- Cancellation --

// Cancel deletes the patient's appointment and then frees the doctor's day.
//
// A missing appointment is reported as OK=false with MessageNotFound and no
// writes. Once the delete succeeds the result is OK=true; a failure to free
// the day afterwards never restores the appointment and is reported through
// CancelResult.Warning instead.
func (s *Service) Cancel(ctx context.Context, patientID, appointmentID string) (*CancelResult, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, &ValidationError{Field: "patientId", Message: "is required"}
	}
	if strings.TrimSpace(appointmentID) == "" {
		return nil, &ValidationError{Field: "appointmentId", Message: "is required"}
	}

	unlock := s.locks.Lock(appointmentKey(patientID, appointmentID))
	defer unlock()

	appt, err := s.appointments.Get(ctx, patientID, appointmentID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			s.metrics.ObserveCancel(telemetry.OutcomeNotFound)
			return &CancelResult{OK: false, Message: MessageNotFound}, nil
		}
		s.metrics.ObserveCancel(outcomeFor(err))
		return nil, err
	}

	unlockSlot := s.locks.Lock(slotKey(appt.DoctorID, appt.AppointmentDate))
	defer unlockSlot()

	deleted, err := s.appointments.Delete(ctx, patientID, appointmentID)
	if err != nil {
		s.metrics.ObserveCancel(outcomeFor(err))
		return nil, err
	}
	if !deleted {
		s.metrics.ObserveCancel(telemetry.OutcomeNotFound)
		return &CancelResult{OK: false, Message: MessageNotFound}, nil
	}

	// The appointment is gone; freeing the slot must not depend on the caller
	// staying connected.
	dctx, cancel := s.detached(ctx)
	defer cancel()

	result := &CancelResult{OK: true, Message: MessageCancelled}
	day := NormalizeDay(appt.AppointmentDate)
	released, err := s.availability.SetStatus(dctx, appt.DoctorID, appt.AppointmentDate, StatusAvailable)
	switch {
	case err != nil:
		result.Warning = s.deferRelease(dctx, appt, err)
	case !released:
		result.Warning = &PartialConsistencyWarning{
			AppointmentID: appt.AppointmentID,
			DoctorID:      appt.DoctorID,
			Day:           day,
			Reason:        "day not found in doctor schedule",
		}
	}

	s.publish(dctx, websocket.Event{
		Type:          websocket.EventAppointmentCancelled,
		Topic:         websocket.PatientTopic(patientID),
		PatientID:     patientID,
		DoctorID:      appt.DoctorID,
		AppointmentID: appt.AppointmentID,
		Day:           day,
	}, websocket.DoctorTopic(appt.DoctorID))

	if result.Warning != nil {
		result.Message = MessageDeferred
		s.metrics.ObserveCancel(telemetry.OutcomePartial)
		s.metrics.ObservePartialConsistency()
		s.logger.Warn().
			Str("doctor_id", appt.DoctorID).
			Str("day", day).
			Str("appointment_id", appt.AppointmentID).
			Str("patient_id", patientID).
			Bool("retrying", result.Warning.Retrying).
			Str("reason", result.Warning.Reason).
			Msg("appointment deleted but slot still booked")
		s.publish(dctx, websocket.Event{
			Type:          websocket.EventSlotReleaseDeferred,
			Topic:         websocket.DoctorTopic(appt.DoctorID),
			DoctorID:      appt.DoctorID,
			AppointmentID: appt.AppointmentID,
			Day:           day,
		})
		return result, nil
	}

	s.metrics.ObserveCancel(telemetry.OutcomeOK)
	s.logger.Info().
		Str("doctor_id", appt.DoctorID).
		Str("day", day).
		Str("appointment_id", appt.AppointmentID).
		Msg("appointment cancelled")
	s.publish(dctx, websocket.Event{
		Type:     websocket.EventSlotReleased,
		Topic:    websocket.DoctorTopic(appt.DoctorID),
		DoctorID: appt.DoctorID,
		Day:      day,
	})
	return result, nil
}

// deferRelease queues a slot.release compensation for appt. The returned
// warning records whether the retry was actually queued.
func (s *Service) deferRelease(ctx context.Context, appt *Appointment, cause error) *PartialConsistencyWarning {
	w := &PartialConsistencyWarning{
		AppointmentID: appt.AppointmentID,
		DoctorID:      appt.DoctorID,
		Day:           NormalizeDay(appt.AppointmentDate),
		Reason:        cause.Error(),
	}
	if s.outbox == nil {
		return w
	}
	entry, err := s.outbox.Enqueue(ctx, KindSlotRelease, SlotRelease{
		DoctorID:      appt.DoctorID,
		Day:           appt.AppointmentDate,
		AppointmentID: appt.AppointmentID,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("doctor_id", appt.DoctorID).
			Str("day", w.Day).
			Str("appointment_id", appt.AppointmentID).
			Msg("failed to queue slot release")
		return w
	}
	w.Retrying = true
	w.CompensationID = entry.ID
	return w
}

// ReleaseSlot is the outbox handler for KindSlotRelease. It leaves the day
// alone when a live appointment has since claimed it again.
func (s *Service) ReleaseSlot(ctx context.Context, payload json.RawMessage) error {
	var req SlotRelease
	if err := json.Unmarshal(payload, &req); err != nil {
		return outbox.Permanent(fmt.Errorf("decode slot release: %w", err))
	}
	if req.DoctorID == "" || req.Day == "" {
		return outbox.Permanent(&ValidationError{Field: "payload", Message: "doctorId and day are required"})
	}

	unlock := s.locks.Lock(slotKey(req.DoctorID, req.Day))
	defer unlock()

	appts, err := s.appointments.ListByDoctor(ctx, req.DoctorID)
	if err != nil {
		return err
	}
	for _, a := range appts {
		if sameDay(a.AppointmentDate, req.Day) {
			s.logger.Info().
				Str("doctor_id", req.DoctorID).
				Str("day", NormalizeDay(req.Day)).
				Str("appointment_id", a.AppointmentID).
				Msg("slot rebooked since cancellation, skipping release")
			return nil
		}
	}

	ok, err := s.availability.SetStatus(ctx, req.DoctorID, req.Day, StatusAvailable)
	if err != nil {
		return err
	}
	if !ok {
		return outbox.Permanent(&NotFoundError{Resource: "day", ID: req.DoctorID + "/" + NormalizeDay(req.Day)})
	}
	s.publish(ctx, websocket.Event{
		Type:          websocket.EventSlotReleased,
		Topic:         websocket.DoctorTopic(req.DoctorID),
		DoctorID:      req.DoctorID,
		AppointmentID: req.AppointmentID,
		Day:           NormalizeDay(req.Day),
	})
	return nil
}

// RegisterCompensations installs the service's outbox handlers.
func (s *Service) RegisterCompensations(ob *outbox.Outbox) {
	ob.Handle(KindSlotRelease, s.ReleaseSlot)
}

// -- Booking --

// Book reserves the doctor's day and records the appointment. The day must
// exist and be available. If the day cannot be marked booked the new
// appointment is deleted again, and a store failure while marking it also
// queues a slot release.
func (s *Service) Book(ctx context.Context, a *Appointment) (*Appointment, error) {
	if err := a.Validate(); err != nil {
		s.metrics.ObserveBooking(telemetry.OutcomeInvalid)
		return nil, err
	}

	unlock := s.locks.Lock(slotKey(a.DoctorID, a.AppointmentDate))
	defer unlock()

	days, err := s.availability.GetDays(ctx, a.DoctorID)
	if err != nil {
		s.metrics.ObserveBooking(outcomeFor(err))
		return nil, err
	}
	var slot *AvailabilityDay
	for i := range days {
		if sameDay(days[i].Day, a.AppointmentDate) {
			slot = &days[i]
			break
		}
	}
	if slot == nil {
		err := &NotFoundError{Resource: "day", ID: a.DoctorID + "/" + NormalizeDay(a.AppointmentDate)}
		s.metrics.ObserveBooking(telemetry.OutcomeNotFound)
		return nil, err
	}
	if slot.Status != StatusAvailable {
		s.metrics.ObserveBooking(telemetry.OutcomeUnavailable)
		return nil, &SlotUnavailableError{DoctorID: a.DoctorID, Day: slot.Day, Status: slot.Status}
	}

	id, err := s.appointments.Create(ctx, a)
	if err != nil {
		s.metrics.ObserveBooking(outcomeFor(err))
		return nil, err
	}
	a.AppointmentID = id

	dctx, cancel := s.detached(ctx)
	defer cancel()

	ok, err := s.availability.SetStatus(dctx, a.DoctorID, a.AppointmentDate, StatusBooked)
	// a failed write may still have been applied by the store
	mayBeBooked := err != nil
	if err == nil && !ok {
		err = &NotFoundError{Resource: "day", ID: a.DoctorID + "/" + slot.Day}
	}
	if err != nil {
		s.rollbackBooking(dctx, a, err, mayBeBooked)
		s.metrics.ObserveBooking(outcomeFor(err))
		return nil, err
	}

	s.metrics.ObserveBooking(telemetry.OutcomeOK)
	s.logger.Info().
		Str("doctor_id", a.DoctorID).
		Str("day", slot.Day).
		Str("appointment_id", id).
		Msg("appointment booked")
	s.publish(dctx, websocket.Event{
		Type:          websocket.EventAppointmentBooked,
		Topic:         websocket.PatientTopic(a.PatientID),
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		AppointmentID: id,
		Day:           slot.Day,
	}, websocket.DoctorTopic(a.DoctorID))
	return a, nil
}

// rollbackBooking deletes an appointment whose day could not be marked
// booked. When the day may have been marked anyway, a slot release is queued
// so the day cannot stay booked with nothing referencing it.
func (s *Service) rollbackBooking(ctx context.Context, a *Appointment, cause error, mayBeBooked bool) {
	log := s.logger.With().
		Str("doctor_id", a.DoctorID).
		Str("day", NormalizeDay(a.AppointmentDate)).
		Str("appointment_id", a.AppointmentID).
		Logger()
	if _, err := s.appointments.Delete(ctx, a.PatientID, a.AppointmentID); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("booking rollback failed, appointment left without reserved slot")
		return
	}
	if !mayBeBooked {
		log.Warn().Err(cause).Msg("booking rolled back")
		return
	}
	w := s.deferRelease(ctx, a, cause)
	log.Warn().Err(cause).
		Bool("retrying", w.Retrying).
		Str("compensation_id", w.CompensationID).
		Msg("booking rolled back")
}

// -- Queries --

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, &ValidationError{Field: "patientId", Message: "is required"}
	}
	return s.appointments.ListByPatient(ctx, patientID)
}

func (s *Service) GetAppointment(ctx context.Context, patientID, appointmentID string) (*Appointment, error) {
	return s.appointments.Get(ctx, patientID, appointmentID)
}

// DoctorAgenda lists the doctor's appointments with the patient's name and
// history. Patients without a profile show as Unknown with no history.
func (s *Service) DoctorAgenda(ctx context.Context, doctorID string) ([]AgendaEntry, error) {
	appts, err := s.appointments.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Patient)
	out := make([]AgendaEntry, 0, len(appts))
	for _, a := range appts {
		p, seen := profiles[a.PatientID]
		if !seen {
			if p, err = s.patients.Get(ctx, a.PatientID); err != nil {
				return nil, err
			}
			profiles[a.PatientID] = p
		}
		entry := AgendaEntry{
			AppointmentID:  a.AppointmentID,
			PatientID:      a.PatientID,
			PatientName:    unknownPatient,
			Day:            NormalizeDay(a.AppointmentDate),
			MedicalHistory: noHistory,
		}
		if p != nil {
			if p.Name != "" {
				entry.PatientName = p.Name
			}
			if p.MedicalHistory != "" {
				entry.MedicalHistory = p.MedicalHistory
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Service) Days(ctx context.Context, doctorID string) ([]AvailabilityDay, error) {
	return s.availability.GetDays(ctx, doctorID)
}

// ProvisionDays adds available days to the doctor's schedule. Provisioning
// is serialized per doctor since new days are appended at the next free index.
func (s *Service) ProvisionDays(ctx context.Context, doctorID string, days []string) ([]AvailabilityDay, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, &ValidationError{Field: "doctorId", Message: "is required"}
	}
	if len(days) == 0 {
		return nil, &ValidationError{Field: "days", Message: "must not be empty"}
	}

	unlock := s.locks.Lock(scheduleKey(doctorID))
	defer unlock()
	return s.availability.Provision(ctx, doctorID, days)
}

func (s *Service) WatchDays(ctx context.Context, doctorID string) (<-chan []AvailabilityDay, error) {
	return s.availability.WatchDays(ctx, doctorID)
}

// -- helpers --

func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.detachedTimeout)
}

// publish sends event to its own topic and to each extra topic.
func (s *Service) publish(ctx context.Context, event websocket.Event, extraTopics ...string) {
	if s.publisher == nil {
		return
	}
	for _, topic := range append([]string{event.Topic}, extraTopics...) {
		event.Topic = topic
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Str("event", event.Type).Msg("failed to publish event")
		}
	}
}

func outcomeFor(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		su *SlotUnavailableError
		te *TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return telemetry.OutcomeInvalid
	case errors.As(err, &nf):
		return telemetry.OutcomeNotFound
	case errors.As(err, &su):
		return telemetry.OutcomeUnavailable
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeTimeout
	}
	return telemetry.OutcomeError
}
