package scheduling

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// -- Mocks --

type mockLister struct {
	appts     []Appointment
	err       error
	calls     int
	lastDates []string
}

func (m *mockLister) ListSlotHolding(_ context.Context, providerID int64, dates []string) ([]Appointment, error) {
	m.calls++
	m.lastDates = dates
	if m.err != nil {
		return nil, m.err
	}
	var out []Appointment
	for _, a := range m.appts {
		if a.ProviderID != providerID || !a.HoldsSlot {
			continue
		}
		for _, d := range dates {
			if a.Date == d {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

type mockTypes struct {
	types map[int64]AppointmentType
	err   error
}

func (m *mockTypes) GetAppointmentType(_ context.Context, id int64) (*AppointmentType, error) {
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.types[id]
	if !ok {
		return nil, apperr.NotFound("get appointment type", "appointment type %d not found", id)
	}
	return &t, nil
}

func booked(id, provider int64, date, clock string, duration int, typeID int64) Appointment {
	start, _ := Calendar{Location: time.UTC}.Combine(date, clock)
	return Appointment{
		AppointmentID:     id,
		ProviderID:        provider,
		AppointmentTypeID: typeID,
		Date:              date,
		Time:              clock,
		StartAt:           FormatInstant(start),
		DurationMinutes:   duration,
		Status:            StatusPending,
		HoldsSlot:         true,
	}
}

var testPolicy = Policy{
	HorizonDays:         180,
	DefaultDuration:     30,
	WorkdayStart:        "09:00",
	WorkdayEnd:          "12:00",
	SlotIntervalMinutes: 30,
}

func newTestDetector(l *mockLister, types *mockTypes) *Detector {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	if types == nil {
		types = &mockTypes{types: map[int64]AppointmentType{}}
	}
	return NewDetector(l, types, Calendar{Location: time.UTC}, clock.NewManaged(now), testPolicy)
}

// -- Tests --

func TestHasConflict(t *testing.T) {
	l := &mockLister{appts: []Appointment{
		booked(1, 10, "2025-03-10", "10:00", 30, 0),
		booked(2, 10, "2025-03-10", "13:00", 60, 0),
		booked(3, 11, "2025-03-10", "09:00", 30, 0),
	}}
	d := newTestDetector(l, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		clock    string
		duration int
		exclude  int64
		want     bool
	}{
		{"overlaps start", "09:45", 30, 0, true},
		{"back to back", "10:30", 30, 0, false},
		{"inside long visit", "13:30", 15, 0, true},
		{"other provider's slot", "09:00", 30, 0, false},
		{"self excluded", "10:00", 30, 1, false},
		{"default duration", "09:31", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.HasConflict(ctx, 10, "2025-03-10", tt.clock, tt.duration, tt.exclude)
			if err != nil {
				t.Fatalf("HasConflict: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasConflict = %v, want %v", got, tt.want)
			}
		})
	}
	want := []string{"2025-03-09", "2025-03-10", "2025-03-11"}
	if !reflect.DeepEqual(l.lastDates, want) {
		t.Errorf("queried dates %v, want %v", l.lastDates, want)
	}
}

func TestHasConflict_CrossesMidnight(t *testing.T) {
	l := &mockLister{appts: []Appointment{booked(1, 10, "2025-03-09", "23:45", 60, 0)}}
	d := newTestDetector(l, nil)

	got, err := d.HasConflict(context.Background(), 10, "2025-03-10", "00:15", 30, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expected conflict with a visit spilling over midnight")
	}
}

func TestHasConflict_FailsClosed(t *testing.T) {
	d := newTestDetector(&mockLister{err: errors.New("connection refused")}, nil)

	got, err := d.HasConflict(context.Background(), 10, "2025-03-10", "10:00", 30, 0)
	if !got {
		t.Error("lookup failure must report a conflict")
	}
	if !errors.Is(err, apperr.ErrDependencyFailure) {
		t.Errorf("expected dependency failure, got %v", err)
	}
}

func TestHasConflict_ValidatesInput(t *testing.T) {
	l := &mockLister{}
	d := newTestDetector(l, nil)
	_, err := d.HasConflict(context.Background(), 10, "2025-13-40", "10:00", 30, 0)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if l.calls != 0 {
		t.Error("invalid input must not reach the store")
	}
}

func TestHasConflict_ExistingDurationResolution(t *testing.T) {
	types := &mockTypes{types: map[int64]AppointmentType{5: {AppointmentTypeID: 5, DurationMinutes: 90}}}
	l := &mockLister{appts: []Appointment{
		booked(1, 10, "2025-03-10", "09:00", 0, 5),  // type says 90 minutes
		booked(2, 10, "2025-03-10", "14:00", 0, 99), // unknown type falls back to 30
	}}
	d := newTestDetector(l, types)
	ctx := context.Background()

	if got, _ := d.HasConflict(ctx, 10, "2025-03-10", "10:15", 15, 0); !got {
		t.Error("expected conflict inside the type's 90 minute duration")
	}
	if got, _ := d.HasConflict(ctx, 10, "2025-03-10", "14:30", 15, 0); got {
		t.Error("expected no conflict after the 30 minute fallback")
	}

	types.err = errors.New("timeout")
	got, err := d.HasConflict(ctx, 10, "2025-03-10", "16:00", 15, 0)
	if !got || !errors.Is(err, apperr.ErrDependencyFailure) {
		t.Errorf("type lookup failure must fail closed, got %v %v", got, err)
	}
}

func TestCanBook_Order(t *testing.T) {
	l := &mockLister{appts: []Appointment{booked(1, 10, "2025-02-28", "10:00", 30, 0)}}
	d := newTestDetector(l, nil)
	ctx := context.Background()

	// The slot is both taken and in the past; conflict is reported first.
	res, err := d.CanBook(ctx, 10, "2025-02-28", "10:00", 30, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Code != CodeSlotConflict {
		t.Errorf("expected slot conflict, got %+v", res)
	}

	res, _ = d.CanBook(ctx, 10, "2025-02-28", "12:00", 30, 0)
	if res.Code != CodeInPast {
		t.Errorf("expected in_past, got %+v", res)
	}

	res, _ = d.CanBook(ctx, 10, "2025-12-01", "12:00", 30, 0)
	if res.Code != CodeBeyondHorizon {
		t.Errorf("expected beyond_horizon, got %+v", res)
	}

	res, _ = d.CanBook(ctx, 10, "2025-03-05", "12:00", 30, 0)
	if !res.Allowed {
		t.Errorf("expected allowed, got %+v", res)
	}
}

func TestCanBook_Idempotent(t *testing.T) {
	l := &mockLister{appts: []Appointment{booked(1, 10, "2025-03-10", "10:00", 30, 0)}}
	d := newTestDetector(l, nil)
	ctx := context.Background()

	for _, clock := range []string{"10:00", "10:30", "11:00"} {
		first, err1 := d.CanBook(ctx, 10, "2025-03-10", clock, 30, 0)
		second, err2 := d.CanBook(ctx, 10, "2025-03-10", clock, 30, 0)
		if first != second || (err1 == nil) != (err2 == nil) {
			t.Errorf("%s: results differ: %+v vs %+v", clock, first, second)
		}
	}
}

func TestCanBook_DependencyFailure(t *testing.T) {
	d := newTestDetector(&mockLister{err: errors.New("down")}, nil)
	res, err := d.CanBook(context.Background(), 10, "2025-03-10", "10:00", 30, 0)
	if res.Allowed || res.Code != CodeUnverified {
		t.Errorf("expected unverified denial, got %+v", res)
	}
	if !errors.Is(err, apperr.ErrDependencyFailure) {
		t.Errorf("expected dependency failure, got %v", err)
	}
}

func TestAvailableSlots(t *testing.T) {
	l := &mockLister{appts: []Appointment{booked(1, 10, "2025-03-10", "10:00", 45, 0)}}
	d := newTestDetector(l, nil)

	got, err := d.AvailableSlots(context.Background(), 10, "2025-03-10", 30)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"09:00", "09:30", "11:00", "11:30"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AvailableSlots = %v, want %v", got, want)
	}
	if l.calls != 1 {
		t.Errorf("expected a single lookup, got %d", l.calls)
	}
}

func TestAvailableSlots_PastDayIsEmpty(t *testing.T) {
	d := newTestDetector(&mockLister{}, nil)
	got, err := d.AvailableSlots(context.Background(), 10, "2025-02-01", 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no slots in the past, got %v", got)
	}
}
