// Package sandbox seeds reproducible lookup data (providers and appointment
// types) for local development, demos and integration tests.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/domain/lifecycle"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/scheduling"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/store"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated lookup data.
type SeedConfig struct {
	ProviderCount         int   `json:"providerCount"`
	InactiveProviderCount int   `json:"inactiveProviderCount"`
	FirstProviderID       int64 `json:"firstProviderId"`
	Seed                  int64 `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig suitable for a local portal.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		ProviderCount:         8,
		InactiveProviderCount: 1,
		FirstProviderID:       1,
		Seed:                  42,
	}
}

// SeedResult summarizes a seeding run.
type SeedResult struct {
	Providers        int           `json:"providers"`
	AppointmentTypes int           `json:"appointmentTypes"`
	Skipped          int           `json:"skipped"`
	Duration         time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Reference data pools
// ---------------------------------------------------------------------------

var (
	givenNames = []string{
		"Amara", "Benjamin", "Chen", "Daniela", "Elijah", "Fatima", "Gabriel",
		"Hana", "Isaac", "Jasmine", "Kwame", "Leila", "Mateo", "Nadia",
	}
	familyNames = []string{
		"Adeyemi", "Bianchi", "Castillo", "Dubois", "Eriksen", "Fernandes",
		"Goldberg", "Haddad", "Ivanova", "Jensen", "Kowalski", "Lindqvist",
	}
	specialties = []string{
		"Family Medicine", "Internal Medicine", "Pediatrics", "Cardiology",
		"Dermatology", "Obstetrics and Gynecology", "Orthopedics", "Psychiatry",
	}
)

// defaultAppointmentTypes are offered by every clinic.
var defaultAppointmentTypes = []scheduling.AppointmentType{
	{AppointmentTypeID: 1, Name: "New Patient Consultation", DurationMinutes: 45, IsActive: true},
	{AppointmentTypeID: 2, Name: "Follow-up Visit", DurationMinutes: 30, IsActive: true},
	{AppointmentTypeID: 3, Name: "Annual Physical", DurationMinutes: 60, IsActive: true},
	{AppointmentTypeID: 4, Name: "Telehealth Check-in", DurationMinutes: 15, IsActive: true},
	{AppointmentTypeID: 5, Name: "Vaccination", DurationMinutes: 15, IsActive: true},
	{AppointmentTypeID: 6, Name: "Lab Review", DurationMinutes: 20, IsActive: false},
}

// AppointmentTypes returns a copy of the default appointment types.
func AppointmentTypes() []scheduling.AppointmentType {
	return append([]scheduling.AppointmentType(nil), defaultAppointmentTypes...)
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic providers.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// GenerateProvider returns an active provider with the given id.
func (g *DataGenerator) GenerateProvider(id int64) scheduling.Provider {
	return scheduling.Provider{
		ProviderID: id,
		Name:       fmt.Sprintf("Dr. %s %s", g.pick(givenNames), g.pick(familyNames)),
		Specialty:  g.pick(specialties),
		IsActive:   true,
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder writes lookup data into a store. Records are keyed by their
// numeric id, so running it twice writes nothing the second time.
type Seeder struct {
	config SeedConfig
}

func NewSeeder(config SeedConfig) *Seeder {
	if config.FirstProviderID <= 0 {
		config.FirstProviderID = 1
	}
	return &Seeder{config: config}
}

// Providers generates the configured providers. The last
// InactiveProviderCount of them are inactive.
func (s *Seeder) Providers() []scheduling.Provider {
	gen := NewDataGenerator(s.config.Seed)
	out := make([]scheduling.Provider, 0, s.config.ProviderCount)
	for i := 0; i < s.config.ProviderCount; i++ {
		p := gen.GenerateProvider(s.config.FirstProviderID + int64(i))
		if i >= s.config.ProviderCount-s.config.InactiveProviderCount {
			p.IsActive = false
		}
		out = append(out, p)
	}
	return out
}

// Seed writes providers and appointment types into db.
func (s *Seeder) Seed(ctx context.Context, db store.Store) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	for _, p := range s.Providers() {
		created, err := put(ctx, db, lifecycle.CollectionProviders, fmt.Sprintf("provider-%d", p.ProviderID), p)
		if err != nil {
			return result, err
		}
		if created {
			result.Providers++
		} else {
			result.Skipped++
		}
	}
	for _, t := range defaultAppointmentTypes {
		created, err := put(ctx, db, lifecycle.CollectionAppointmentTypes, fmt.Sprintf("appointment-type-%d", t.AppointmentTypeID), t)
		if err != nil {
			return result, err
		}
		if created {
			result.AppointmentTypes++
		} else {
			result.Skipped++
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// put creates the record unless one with the same id exists.
func put(ctx context.Context, db store.Store, collection, id string, v any) (bool, error) {
	if _, err := db.GetByID(ctx, collection, id); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("seed %s/%s: %w", collection, id, err)
	}
	fields, err := store.Encode(v)
	if err != nil {
		return false, fmt.Errorf("seed %s/%s: %w", collection, id, err)
	}
	if _, err := db.Create(ctx, collection, id, fields, []string{"read(any)"}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("seed %s/%s: %w", collection, id, err)
	}
	return true, nil
}

// seedLine is one line of the NDJSON export.
type seedLine struct {
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

// ExportNDJSON writes the data Seed would write, one record per line.
func (s *Seeder) ExportNDJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, p := range s.Providers() {
		if err := enc.Encode(seedLine{Collection: lifecycle.CollectionProviders, Record: p}); err != nil {
			return err
		}
	}
	for _, t := range defaultAppointmentTypes {
		if err := enc.Encode(seedLine{Collection: lifecycle.CollectionAppointmentTypes, Record: t}); err != nil {
			return err
		}
	}
	return nil
}
