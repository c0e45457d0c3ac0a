package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/domain/lifecycle"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/store"
)

func newTestStore() *store.Memory {
	return store.NewMemory(clock.NewManaged(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)), lifecycle.Indexes()...)
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

func TestDataGenerator_Reproducible(t *testing.T) {
	a := NewDataGenerator(7)
	b := NewDataGenerator(7)
	for i := int64(1); i <= 5; i++ {
		pa, pb := a.GenerateProvider(i), b.GenerateProvider(i)
		if pa != pb {
			t.Fatalf("provider %d differs across runs: %+v vs %+v", i, pa, pb)
		}
		if !pa.IsActive || pa.Name == "" || pa.Specialty == "" || pa.ProviderID != i {
			t.Errorf("unexpected provider %+v", pa)
		}
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

func TestSeeder_Providers(t *testing.T) {
	s := NewSeeder(SeedConfig{ProviderCount: 4, InactiveProviderCount: 1, FirstProviderID: 100, Seed: 1})
	ps := s.Providers()
	if len(ps) != 4 {
		t.Fatalf("expected 4 providers, got %d", len(ps))
	}
	if ps[0].ProviderID != 100 || ps[3].ProviderID != 103 {
		t.Errorf("unexpected ids %d..%d", ps[0].ProviderID, ps[3].ProviderID)
	}
	if !ps[2].IsActive || ps[3].IsActive {
		t.Errorf("expected only the last provider to be inactive: %+v", ps)
	}
	if !reflect.DeepEqual(ps, s.Providers()) {
		t.Error("Providers should be reproducible")
	}
}

func TestSeeder_SeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestStore()
	s := NewSeeder(DefaultSeedConfig())

	first, err := s.Seed(ctx, db)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if first.Providers != 8 || first.AppointmentTypes != len(AppointmentTypes()) || first.Skipped != 0 {
		t.Errorf("unexpected first result %+v", first)
	}

	second, err := s.Seed(ctx, db)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if second.Providers != 0 || second.AppointmentTypes != 0 || second.Skipped != 8+len(AppointmentTypes()) {
		t.Errorf("second run should skip everything, got %+v", second)
	}

	recs, err := db.ListWhere(ctx, lifecycle.CollectionProviders, store.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 8 {
		t.Errorf("expected 8 provider records, got %d", len(recs))
	}
}

func TestSeeder_SeedsResolvableLookups(t *testing.T) {
	ctx := context.Background()
	db := newTestStore()
	if _, err := NewSeeder(DefaultSeedConfig()).Seed(ctx, db); err != nil {
		t.Fatal(err)
	}
	repo := lifecycle.NewStoreRepository(db)

	p, err := repo.GetProvider(ctx, 1)
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if !p.IsActive {
		t.Error("first provider should be active")
	}
	last, err := repo.GetProvider(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	if last.IsActive {
		t.Error("last provider should be inactive")
	}

	at, err := repo.GetAppointmentType(ctx, 3)
	if err != nil {
		t.Fatalf("GetAppointmentType: %v", err)
	}
	if at.DurationMinutes != 60 {
		t.Errorf("expected the physical to take 60 minutes, got %d", at.DurationMinutes)
	}
}

type brokenStore struct {
	store.Store
}

func (brokenStore) GetByID(context.Context, string, string) (*store.Record, error) {
	return nil, errors.New("connection refused")
}

func TestSeeder_StoreFailure(t *testing.T) {
	_, err := NewSeeder(DefaultSeedConfig()).Seed(context.Background(), brokenStore{Store: newTestStore()})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestSeeder_ExportNDJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewSeeder(SeedConfig{ProviderCount: 2, Seed: 3})
	if err := s.ExportNDJSON(&buf); err != nil {
		t.Fatalf("ExportNDJSON: %v", err)
	}

	counts := map[string]int{}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line struct {
			Collection string          `json:"collection"`
			Record     json.RawMessage `json:"record"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid line %q: %v", scanner.Text(), err)
		}
		counts[line.Collection]++
	}
	if counts[lifecycle.CollectionProviders] != 2 || counts[lifecycle.CollectionAppointmentTypes] != len(AppointmentTypes()) {
		t.Errorf("unexpected line counts %v", counts)
	}
}
