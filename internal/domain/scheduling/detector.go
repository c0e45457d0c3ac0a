package scheduling

import (
	"context"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// AppointmentLister returns the slot-holding appointments of a provider on
// the given clinic-local dates.
type AppointmentLister interface {
	ListSlotHolding(ctx context.Context, providerID int64, dates []string) ([]Appointment, error)
}

// TypeLookup resolves appointment types. A missing type must be reported
// with an apperr NotFound error.
type TypeLookup interface {
	GetAppointmentType(ctx context.Context, typeID int64) (*AppointmentType, error)
}

// Policy holds the booking rules.
type Policy struct {
	HorizonDays         int
	DefaultDuration     int
	WorkdayStart        string
	WorkdayEnd          string
	SlotIntervalMinutes int
}

func (p Policy) defaultDuration() int {
	if p.DefaultDuration > 0 {
		return p.DefaultDuration
	}
	return DefaultDurationMinutes
}

// Detector answers availability questions. It only reads.
type Detector struct {
	appointments AppointmentLister
	types        TypeLookup
	calendar     Calendar
	clock        clock.Clock
	policy       Policy
}

func NewDetector(appts AppointmentLister, types TypeLookup, cal Calendar, clk clock.Clock, policy Policy) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	return &Detector{appointments: appts, types: types, calendar: cal, clock: clk, policy: policy}
}

// Calendar returns the clinic calendar used by d.
func (d *Detector) Calendar() Calendar { return d.calendar }

// Policy returns the booking rules used by d.
func (d *Detector) Policy() Policy { return d.policy }

// Candidate resolves the interval a booking request would occupy.
func (d *Detector) Candidate(date, startTime string, durationMinutes int) (Interval, error) {
	start, err := d.calendar.Combine(date, startTime)
	if err != nil {
		return Interval{}, err
	}
	if durationMinutes <= 0 {
		durationMinutes = d.policy.defaultDuration()
	}
	return NewInterval(start, durationMinutes), nil
}

// HasConflict reports whether the requested slot overlaps an existing
// slot-holding appointment of the provider. Lookups fail closed: on any
// read failure it returns true with a DependencyFailure error.
func (d *Detector) HasConflict(ctx context.Context, providerID int64, date, startTime string, durationMinutes int, exclude int64) (bool, error) {
	candidate, err := d.Candidate(date, startTime, durationMinutes)
	if err != nil {
		return false, err
	}
	bookings, err := d.Bookings(ctx, providerID, date)
	if err != nil {
		return true, err
	}
	_, conflict := FindConflict(candidate, bookings, exclude)
	return conflict, nil
}

// CanBook checks, in order, conflict, past, and horizon. The first failing
// rule decides the result.
func (d *Detector) CanBook(ctx context.Context, providerID int64, date, startTime string, durationMinutes int, exclude int64) (Admissibility, error) {
	candidate, err := d.Candidate(date, startTime, durationMinutes)
	if err != nil {
		return denied(apperr.KindValidation.String(), apperr.MessageOf(err)), err
	}
	conflict, err := d.HasConflict(ctx, providerID, date, startTime, durationMinutes, exclude)
	if err != nil {
		return denied(CodeUnverified, "availability could not be verified, please retry"), err
	}
	if conflict {
		return denied(CodeSlotConflict, "the selected time is no longer available"), nil
	}
	return CheckWindow(candidate.Start, d.clock.Now(), d.policy.HorizonDays), nil
}

// AvailableSlots lists the clinic-local start times (HH:MM) on date at
// which a visit of durationMinutes would be admissible.
func (d *Detector) AvailableSlots(ctx context.Context, providerID int64, date string, durationMinutes int) ([]string, error) {
	dayStart, err := d.calendar.Combine(date, d.policy.WorkdayStart)
	if err != nil {
		return nil, err
	}
	dayEnd, err := d.calendar.Combine(date, d.policy.WorkdayEnd)
	if err != nil {
		return nil, err
	}
	if durationMinutes <= 0 {
		durationMinutes = d.policy.defaultDuration()
	}
	step := d.policy.SlotIntervalMinutes
	if step <= 0 {
		step = durationMinutes
	}

	bookings, err := d.Bookings(ctx, providerID, date)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	slots := []string{}
	for start := dayStart; !start.Add(time.Duration(durationMinutes) * time.Minute).After(dayEnd); start = start.Add(time.Duration(step) * time.Minute) {
		candidate := NewInterval(start, durationMinutes)
		if _, conflict := FindConflict(candidate, bookings, 0); conflict {
			continue
		}
		if !CheckWindow(start, now, d.policy.HorizonDays).Allowed {
			continue
		}
		slots = append(slots, NormalizeTime(start))
	}
	return slots, nil
}

// Bookings loads the provider's slot-holding appointments on date and the
// adjacent days so intervals crossing midnight are compared too.
func (d *Detector) Bookings(ctx context.Context, providerID int64, date string) ([]Booking, error) {
	dates, err := d.calendar.SurroundingDates(date)
	if err != nil {
		return nil, err
	}
	appts, err := d.appointments.ListSlotHolding(ctx, providerID, dates)
	if err != nil {
		return nil, apperr.Dependency("list provider appointments", err)
	}

	typeDurations := make(map[int64]int)
	bookings := make([]Booking, 0, len(appts))
	for i := range appts {
		a := &appts[i]
		if !a.Status.HoldsSlot() {
			continue
		}
		start, err := a.Start()
		if err != nil {
			return nil, apperr.Dependency("read appointment start", err)
		}
		duration, err := d.existingDuration(ctx, a, typeDurations)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, Booking{AppointmentID: a.AppointmentID, Interval: NewInterval(start, duration)})
	}
	return bookings, nil
}

// existingDuration is the stored duration, else the type's, else the
// default. Type lookups other than NotFound fail closed.
func (d *Detector) existingDuration(ctx context.Context, a *Appointment, seen map[int64]int) (int, error) {
	if a.DurationMinutes > 0 {
		return a.DurationMinutes, nil
	}
	if dur, ok := seen[a.AppointmentTypeID]; ok {
		return dur, nil
	}
	dur := DefaultDurationMinutes
	if a.AppointmentTypeID != 0 && d.types != nil {
		t, err := d.types.GetAppointmentType(ctx, a.AppointmentTypeID)
		switch {
		case err == nil && t.DurationMinutes > 0:
			dur = t.DurationMinutes
		case err == nil, apperr.KindOf(err) == apperr.KindNotFound:
		default:
			return 0, apperr.Dependency("resolve appointment type duration", err)
		}
	}
	seen[a.AppointmentTypeID] = dur
	return dur, nil
}
