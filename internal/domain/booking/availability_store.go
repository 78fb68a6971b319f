package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
)

// AvailabilityRecordStore keeps a doctor's days at
// Doctors/<doctorId>/availableDays/<n>.
type AvailabilityRecordStore struct {
	remote
	logger zerolog.Logger
}

func NewAvailabilityRecordStore(store recordstore.Store, timeout time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger) *AvailabilityRecordStore {
	return &AvailabilityRecordStore{
		remote: remote{store: store, timeout: timeout, metrics: metrics},
		logger: logger.With().Str("component", "availability-store").Logger(),
	}
}

type dayRecord struct {
	path string
	raw  map[string]json.RawMessage
	day  AvailabilityDay
}

// GetDays returns the doctor's days with normalized labels, in stored order.
func (s *AvailabilityRecordStore) GetDays(ctx context.Context, doctorID string) ([]AvailabilityDay, error) {
	recs, err := s.snapshot(ctx, "availability.get_days", availableDaysPath(doctorID))
	if err != nil {
		return nil, err
	}
	return s.toDays(recs), nil
}

// SetStatus updates the status of the doctor's day matching day. Only the
// status field is rewritten; the stored day label is left as is. It returns
// false when the doctor has no such day.
func (s *AvailabilityRecordStore) SetStatus(ctx context.Context, doctorID, day, status string) (bool, error) {
	if !ValidStatus(status) {
		return false, &ValidationError{Field: "status", Message: fmt.Sprintf("must be %q or %q", StatusAvailable, StatusBooked)}
	}
	recs, err := s.records(ctx, "availability.lookup", doctorID)
	if err != nil {
		return false, err
	}

	var target *dayRecord
	for i := range recs {
		if sameDay(recs[i].day.Day, day) {
			target = &recs[i]
			break
		}
	}
	if target == nil {
		return false, nil
	}

	encoded, err := json.Marshal(status)
	if err != nil {
		return false, err
	}
	target.raw["status"] = encoded
	value, err := json.Marshal(target.raw)
	if err != nil {
		return false, fmt.Errorf("marshal day record: %w", err)
	}
	err = s.call(ctx, "availability.set_status", func(ctx context.Context) error {
		return s.store.Put(ctx, target.path, value)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Provision appends days the doctor does not have yet, each starting as
// available. Days already present (after normalization) are left untouched.
// It returns the doctor's full schedule afterwards.
func (s *AvailabilityRecordStore) Provision(ctx context.Context, doctorID string, days []string) ([]AvailabilityDay, error) {
	recs, err := s.records(ctx, "availability.lookup", doctorID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recs)+len(days))
	next := 0
	for _, r := range recs {
		seen[NormalizeDay(r.day.Day)] = true
		if n, err := strconv.Atoi(recordstore.Base(r.path)); err == nil && n >= next {
			next = n + 1
		}
	}

	base := availableDaysPath(doctorID)
	for _, d := range days {
		d = NormalizeDay(d)
		if d == "" {
			return nil, &ValidationError{Field: "days", Message: "must not contain empty labels"}
		}
		if seen[d] {
			continue
		}
		seen[d] = true

		value, err := json.Marshal(AvailabilityDay{Day: d, Status: StatusAvailable})
		if err != nil {
			return nil, err
		}
		path := recordstore.Join(base, strconv.Itoa(next))
		next++
		err = s.call(ctx, "availability.provision", func(ctx context.Context) error {
			return s.store.Put(ctx, path, value)
		})
		if err != nil {
			return nil, err
		}
	}
	return s.GetDays(ctx, doctorID)
}

// WatchDays follows the doctor's schedule. The first value is the current
// schedule; later values follow each change. The channel closes with ctx.
func (s *AvailabilityRecordStore) WatchDays(ctx context.Context, doctorID string) (<-chan []AvailabilityDay, error) {
	var feed <-chan []recordstore.Record
	err := s.call(ctx, "availability.watch", func(context.Context) error {
		var err error
		// the subscription outlives the per-call deadline
		feed, err = s.store.Watch(ctx, availableDaysPath(doctorID))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(chan []AvailabilityDay, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-feed:
				if !ok {
					return
				}
				select {
				case out <- s.toDays(recs):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *AvailabilityRecordStore) records(ctx context.Context, op, doctorID string) ([]dayRecord, error) {
	recs, err := s.snapshot(ctx, op, availableDaysPath(doctorID))
	if err != nil {
		return nil, err
	}
	out := make([]dayRecord, 0, len(recs))
	for _, r := range recs {
		var raw map[string]json.RawMessage
		if err := r.Decode(&raw); err != nil {
			s.logger.Warn().Err(err).Str("path", r.Path).Msg("skipping unreadable day record")
			continue
		}
		var d AvailabilityDay
		if err := r.Decode(&d); err != nil {
			s.logger.Warn().Err(err).Str("path", r.Path).Msg("skipping unreadable day record")
			continue
		}
		out = append(out, dayRecord{path: r.Path, raw: raw, day: d})
	}
	return out, nil
}

func (s *AvailabilityRecordStore) toDays(recs []recordstore.Record) []AvailabilityDay {
	out := make([]AvailabilityDay, 0, len(recs))
	for _, r := range recs {
		var d AvailabilityDay
		if err := r.Decode(&d); err != nil {
			s.logger.Warn().Err(err).Str("path", r.Path).Msg("skipping unreadable day record")
			continue
		}
		d.Day = NormalizeDay(d.Day)
		out = append(out, d)
	}
	return out
}
