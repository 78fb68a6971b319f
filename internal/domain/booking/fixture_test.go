package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicdesk/booking/internal/platform/outbox"
	"github.com/clinicdesk/booking/internal/platform/recordstore"
	"github.com/clinicdesk/booking/internal/platform/telemetry"
	"github.com/clinicdesk/booking/internal/platform/websocket"
)

// faultyStore wraps a MemoryStore, records every write it is asked to do and
// can fail or stall calls under chosen path prefixes.
type faultyStore struct {
	*recordstore.MemoryStore

	mu        sync.Mutex
	writes    []string
	putErrs   map[string]error
	lateErrs  map[string]error
	deleteErr map[string]error
	hang      []string
	delays    map[string]time.Duration
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: recordstore.NewMemoryStore(),
		putErrs:     make(map[string]error),
		lateErrs:    make(map[string]error),
		deleteErr:   make(map[string]error),
		delays:      make(map[string]time.Duration),
	}
}

func (f *faultyStore) failPuts(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErrs[prefix] = err
}

func (f *faultyStore) failDeletes(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr[prefix] = err
}

// failPutsAfterApply lets puts under prefix land and then reports err, like
// a write acknowledged after the caller's deadline.
func (f *faultyStore) failPutsAfterApply(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lateErrs[prefix] = err
}

// slowDown delays every call under prefix by d.
func (f *faultyStore) slowDown(prefix string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[prefix] = d
}

// hangOn makes every call under prefix block until its context ends.
func (f *faultyStore) hangOn(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang = append(f.hang, prefix)
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErrs = make(map[string]error)
	f.lateErrs = make(map[string]error)
	f.deleteErr = make(map[string]error)
	f.hang = nil
	f.delays = make(map[string]time.Duration)
}

func (f *faultyStore) resetWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

func (f *faultyStore) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *faultyStore) fault(ctx context.Context, path string, errs map[string]error) error {
	f.mu.Lock()
	var hang bool
	for _, p := range f.hang {
		if strings.HasPrefix(path, p) {
			hang = true
		}
	}
	var err error
	for p, e := range errs {
		if strings.HasPrefix(path, p) {
			err = e
		}
	}
	var delay time.Duration
	for p, d := range f.delays {
		if strings.HasPrefix(path, p) {
			delay = d
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *faultyStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	f.mu.Lock()
	f.writes = append(f.writes, "put "+path)
	f.mu.Unlock()
	if err := f.fault(ctx, path, f.putErrs); err != nil {
		return err
	}
	if err := f.MemoryStore.Put(ctx, path, value); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, e := range f.lateErrs {
		if strings.HasPrefix(path, p) {
			return e
		}
	}
	return nil
}

func (f *faultyStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	f.writes = append(f.writes, "delete "+path)
	f.mu.Unlock()
	if err := f.fault(ctx, path, f.deleteErr); err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, path)
}

func (f *faultyStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := f.fault(ctx, path, nil); err != nil {
		return nil, err
	}
	return f.MemoryStore.Get(ctx, path)
}

func (f *faultyStore) Snapshot(ctx context.Context, prefix string) ([]recordstore.Record, error) {
	if err := f.fault(ctx, prefix+"/", nil); err != nil {
		return nil, err
	}
	return f.MemoryStore.Snapshot(ctx, prefix)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e.Type)
		}
	}
	return out
}

type fixture struct {
	store     *faultyStore
	appts     *AppointmentRecordStore
	avail     *AvailabilityRecordStore
	patients  *PatientRecordStore
	outbox    *outbox.Outbox
	publisher *recordingPublisher
	logs      *syncWriter
	svc       *Service
}

const testCallTimeout = 100 * time.Millisecond

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFaultyStore()
	t.Cleanup(func() { store.Close() })

	logs := &syncWriter{w: &bytes.Buffer{}}
	logger := zerolog.New(logs)
	metrics := telemetry.New("booking-test")

	f := &fixture{
		store:     store,
		appts:     NewAppointmentRecordStore(store, testCallTimeout, metrics, logger),
		avail:     NewAvailabilityRecordStore(store, testCallTimeout, metrics, logger),
		patients:  NewPatientRecordStore(store, testCallTimeout, metrics),
		outbox:    outbox.New(store, outbox.Options{MaxAttempts: 3, Logger: logger, Metrics: metrics}),
		publisher: &recordingPublisher{},
		logs:      logs,
	}
	f.svc = NewService(f.appts, f.avail, f.patients, ServiceOptions{
		Outbox:          f.outbox,
		Publisher:       f.publisher,
		Metrics:         metrics,
		Logger:          logger,
		DetachedTimeout: time.Second,
	})
	f.svc.RegisterCompensations(f.outbox)
	return f
}

// seed writes v at path, bypassing fault injection and the write log.
func (f *fixture) seed(t *testing.T, path string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal seed %s: %v", path, err)
	}
	if err := f.store.MemoryStore.Put(context.Background(), path, raw); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func (f *fixture) seedRaw(t *testing.T, path, raw string) {
	t.Helper()
	if err := f.store.MemoryStore.Put(context.Background(), path, json.RawMessage(raw)); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

// seedMonday stores patient 7's appointment 42 with doctor 3 on a booked Monday.
func (f *fixture) seedMonday(t *testing.T) {
	t.Helper()
	f.seed(t, "appointment/7/42", Appointment{
		AppointmentID:   "42",
		PatientID:       "7",
		DoctorID:        "3",
		AppointmentDate: "Monday",
		DoctorName:      "Dr. Rao",
		Location:        "Clinic A",
	})
	f.seed(t, "Doctors/3/availableDays/0", AvailabilityDay{Day: "Monday", Status: StatusBooked})
	f.seed(t, "Doctors/3/availableDays/1", AvailabilityDay{Day: "Tuesday", Status: StatusAvailable})
}

func (f *fixture) dayStatus(t *testing.T, doctorID, day string) string {
	t.Helper()
	days, err := f.avail.GetDays(context.Background(), doctorID)
	if err != nil {
		t.Fatalf("GetDays: %v", err)
	}
	for _, d := range days {
		if d.Day == day {
			return d.Status
		}
	}
	t.Fatalf("day %s not found for doctor %s", day, doctorID)
	return ""
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.String()
}
