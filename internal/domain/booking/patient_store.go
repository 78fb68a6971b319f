package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
)

// PatientRecordStore reads patient profiles from Patients. Profiles are
// usually keyed by patient id; older ones sit under generated keys and are
// found by their id field.
type PatientRecordStore struct {
	remote
}

func NewPatientRecordStore(store recordstore.Store, timeout time.Duration, metrics *telemetry.Metrics) *PatientRecordStore {
	return &PatientRecordStore{remote: remote{store: store, timeout: timeout, metrics: metrics}}
}

// Get returns nil, nil when the patient has no profile.
func (s *PatientRecordStore) Get(ctx context.Context, patientID string) (*Patient, error) {
	var p *Patient
	err := s.call(ctx, "patient.get", func(ctx context.Context) error {
		raw, err := s.store.Get(ctx, recordstore.Join(patientRoot, patientID))
		if err != nil || raw == nil {
			return err
		}
		p = &Patient{}
		if err := json.Unmarshal(raw, p); err != nil {
			return fmt.Errorf("decode patient %s: %w", patientID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p != nil {
		if p.ID == "" {
			p.ID = patientID
		}
		return p, nil
	}
	return s.scan(ctx, patientID)
}

// scan looks through every profile for one whose id field is patientID.
// Unreadable profiles are skipped.
func (s *PatientRecordStore) scan(ctx context.Context, patientID string) (*Patient, error) {
	recs, err := s.snapshot(ctx, "patient.scan", patientRoot)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		var p Patient
		if err := r.Decode(&p); err != nil {
			continue
		}
		if p.ID == patientID {
			return &p, nil
		}
	}
	return nil, nil
}
