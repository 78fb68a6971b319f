package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/booking/internal/domain/booking"
	"github.com/clinicdesk/booking/internal/platform/recordstore"
)

// SeedConfig controls how much demo data the Seeder writes.
type SeedConfig struct {
	Doctors                int      `json:"doctors"`
	Patients               int      `json:"patients"`
	AppointmentsPerPatient int      `json:"appointmentsPerPatient"`
	Days                   []string `json:"days"`
	// LegacyRecords also writes records the way older clients did: numeric
	// patient ids and day labels stored with embedded quotes.
	LegacyRecords bool  `json:"legacyRecords"`
	Seed          int64 `json:"seed"`
}

// DefaultSeedConfig returns a small clinic with a working week.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Doctors:                3,
		Patients:               10,
		AppointmentsPerPatient: 1,
		Days:                   []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
	}
}

func (c SeedConfig) withDefaults() SeedConfig {
	def := DefaultSeedConfig()
	if c.Doctors <= 0 {
		c.Doctors = def.Doctors
	}
	if c.Patients <= 0 {
		c.Patients = def.Patients
	}
	if c.AppointmentsPerPatient < 0 {
		c.AppointmentsPerPatient = 0
	}
	if len(c.Days) == 0 {
		c.Days = def.Days
	}
	return c
}

// SeedResult lists what a Seed run wrote.
type SeedResult struct {
	Doctors      []string      `json:"doctors"`
	Patients     []string      `json:"patients"`
	Appointments []string      `json:"appointments"`
	Skipped      int           `json:"skipped"`
	Duration     time.Duration `json:"duration"`
}

var (
	firstNames = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Daniel", "Matthew", "Emma",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Nguyen",
	}
	histories = []string{
		"Type 2 diabetes",
		"Essential hypertension",
		"Asthma",
		"Seasonal allergies",
		"Migraine",
		"Hyperlipidemia",
		"",
	}
	locations = []string{
		"Main Street Clinic", "Oak Avenue Medical Center", "Riverside Health",
	}
)

// DataGenerator produces deterministic demo records.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) name() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

// Doctor is a generated doctor with the display fields copied onto bookings.
type Doctor struct {
	ID       string
	Name     string
	Location string
}

func (g *DataGenerator) GenerateDoctor() Doctor {
	return Doctor{
		ID:       g.nextID("doc"),
		Name:     "Dr. " + g.name(),
		Location: g.pick(locations),
	}
}

// GeneratePatient returns a patient profile record. With numericID the id is
// written as a JSON number.
func (g *DataGenerator) GeneratePatient(numericID bool) (string, map[string]interface{}) {
	var id interface{}
	var key string
	if numericID {
		g.counter++
		n := 1000 + int(g.counter)
		id, key = n, strconv.Itoa(n)
	} else {
		key = g.nextID("pat")
		id = key
	}
	rec := map[string]interface{}{
		"id":    id,
		"pname": g.name(),
	}
	if h := g.pick(histories); h != "" {
		rec["medicalHistory"] = h
	}
	return key, rec
}

// Booker is the part of the booking service the Seeder drives.
type Booker interface {
	ProvisionDays(ctx context.Context, doctorID string, days []string) ([]booking.AvailabilityDay, error)
	Book(ctx context.Context, a *booking.Appointment) (*booking.Appointment, error)
}

// Seeder writes demo doctors, patients and appointments. Patient profiles
// go straight to the record store; schedules and appointments go through
// the booking service so slot statuses stay consistent.
type Seeder struct {
	store  recordstore.Store
	booker Booker
	logger zerolog.Logger
}

func NewSeeder(store recordstore.Store, booker Booker, logger zerolog.Logger) *Seeder {
	return &Seeder{store: store, booker: booker, logger: logger}
}

// Seed writes one batch of demo data described by cfg.
func (s *Seeder) Seed(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	start := time.Now()
	cfg = cfg.withDefaults()
	gen := NewDataGenerator(cfg.Seed)
	result := &SeedResult{}

	doctors := make([]Doctor, 0, cfg.Doctors)
	for i := 0; i < cfg.Doctors; i++ {
		d := gen.GenerateDoctor()
		if _, err := s.booker.ProvisionDays(ctx, d.ID, cfg.Days); err != nil {
			return nil, fmt.Errorf("provision %s: %w", d.ID, err)
		}
		doctors = append(doctors, d)
		result.Doctors = append(result.Doctors, d.ID)
	}

	if cfg.LegacyRecords {
		d := gen.GenerateDoctor()
		if err := s.writeLegacySchedule(ctx, d.ID, cfg.Days); err != nil {
			return nil, err
		}
		doctors = append(doctors, d)
		result.Doctors = append(result.Doctors, d.ID)
	}

	for i := 0; i < cfg.Patients; i++ {
		numeric := cfg.LegacyRecords && i%2 == 1
		id, rec := gen.GeneratePatient(numeric)
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if err := s.store.Put(ctx, recordstore.Join("Patients", id), raw); err != nil {
			return nil, fmt.Errorf("write patient %s: %w", id, err)
		}
		result.Patients = append(result.Patients, id)

		for j := 0; j < cfg.AppointmentsPerPatient; j++ {
			d := doctors[gen.rng.Intn(len(doctors))]
			appt, err := s.booker.Book(ctx, &booking.Appointment{
				PatientID:       id,
				DoctorID:        d.ID,
				AppointmentDate: cfg.Days[gen.rng.Intn(len(cfg.Days))],
				DoctorName:      d.Name,
				Location:        d.Location,
			})
			var unavailable *booking.SlotUnavailableError
			if errors.As(err, &unavailable) {
				result.Skipped++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("book for %s: %w", id, err)
			}
			result.Appointments = append(result.Appointments, appt.AppointmentID)
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("doctors", len(result.Doctors)).
		Int("patients", len(result.Patients)).
		Int("appointments", len(result.Appointments)).
		Int("skipped", result.Skipped).
		Msg("demo data seeded")
	return result, nil
}

// writeLegacySchedule stores day labels JSON-encoded inside the string value,
// e.g. "\"Monday\"".
func (s *Seeder) writeLegacySchedule(ctx context.Context, doctorID string, days []string) error {
	for i, day := range days {
		quoted, _ := json.Marshal(day)
		raw, err := json.Marshal(map[string]string{"day": string(quoted), "status": booking.StatusAvailable})
		if err != nil {
			return err
		}
		path := recordstore.Join("Doctors", doctorID, "availableDays", strconv.Itoa(i))
		if err := s.store.Put(ctx, path, raw); err != nil {
			return fmt.Errorf("write legacy schedule %s: %w", doctorID, err)
		}
	}
	return nil
}

// SeedHandler exposes the Seeder over HTTP for development environments.
type SeedHandler struct {
	seeder *Seeder
	mu     sync.Mutex
	last   *SeedResult
}

func NewSeedHandler(seeder *Seeder) *SeedHandler {
	return &SeedHandler{seeder: seeder}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.GET("/seed", h.handleLast)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
	}

	result, err := h.seeder.Seed(c.Request().Context(), cfg)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	h.last = result
	return c.JSON(http.StatusOK, result)
}

func (h *SeedHandler) handleLast(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.last == nil {
		return c.JSON(http.StatusOK, &SeedResult{})
	}
	return c.JSON(http.StatusOK, h.last)
}
