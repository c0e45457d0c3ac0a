package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
)

// Stored formats. Dates and times are clinic-local, StartAt is UTC.
const (
	DateLayout    = "2006-01-02"
	TimeLayout    = "15:04"
	InstantLayout = "2006-01-02T15:04:05Z"

	DefaultDurationMinutes = 30
)

// AppointmentStatus is the closed set of appointment states.
type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusCompleted   AppointmentStatus = "completed"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusNoShow      AppointmentStatus = "no_show"
)

var appointmentStatuses = []AppointmentStatus{
	StatusPending, StatusConfirmed, StatusCancelled,
	StatusCompleted, StatusRescheduled, StatusNoShow,
}

// ParseAppointmentStatus is the only way a status enters the system. Input
// is matched case-insensitively; "no-show" and "noshow" are accepted.
func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "noshow" {
		norm = string(StatusNoShow)
	}
	for _, st := range appointmentStatuses {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", apperr.Validation("parse appointment status", "unknown appointment status %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

// HoldsSlot reports whether an appointment in this status occupies its
// provider's time.
func (s AppointmentStatus) HoldsSlot() bool {
	return s != StatusCancelled && s != StatusNoShow
}

func (s *AppointmentStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseAppointmentStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Appointment is a booked visit.
type Appointment struct {
	RecordID           string            `json:"-"`
	AppointmentID      int64             `json:"appointment_id"`
	PatientID          int64             `json:"patient_id"`
	ProviderID         int64             `json:"provider_id"`
	AppointmentTypeID  int64             `json:"appointment_type_id"`
	Date               string            `json:"appointment_date"`
	Time               string            `json:"appointment_time"`
	StartAt            string            `json:"start_at"`
	DurationMinutes    int               `json:"duration_minutes"`
	Status             AppointmentStatus `json:"status"`
	ReasonForVisit     string            `json:"reason_for_visit"`
	Notes              string            `json:"notes,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	HoldsSlot          bool              `json:"holds_slot"`
	CreatedAt          time.Time         `json:"-"`
	UpdatedAt          time.Time         `json:"-"`
}

// Start parses StartAt.
func (a *Appointment) Start() (time.Time, error) {
	t, err := time.Parse(InstantLayout, a.StartAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("appointment %d: bad start_at %q: %w", a.AppointmentID, a.StartAt, err)
	}
	return t, nil
}

// transitions lists the allowed target states for each non-terminal state.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:     {StatusConfirmed, StatusRescheduled, StatusCancelled, StatusCompleted, StatusNoShow},
	StatusConfirmed:   {StatusRescheduled, StatusCancelled, StatusCompleted, StatusNoShow},
	StatusRescheduled: {StatusConfirmed, StatusRescheduled, StatusCancelled, StatusCompleted, StatusNoShow},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to AppointmentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of a in status to. Terminal appointments and
// disallowed moves are a Conflict.
func (a Appointment) Transition(to AppointmentStatus) (Appointment, error) {
	if a.Status.IsTerminal() {
		return a, apperr.Conflict("appointment transition", "appointment is already %s", a.Status)
	}
	if !CanTransition(a.Status, to) {
		return a, apperr.Conflict("appointment transition", "cannot move appointment from %s to %s", a.Status, to)
	}
	a.Status = to
	a.HoldsSlot = to.HoldsSlot()
	return a, nil
}

// AppointmentType is a lookup record describing a kind of visit.
type AppointmentType struct {
	AppointmentTypeID int64  `json:"appointment_type_id"`
	Name              string `json:"name"`
	DurationMinutes   int    `json:"duration_minutes"`
	IsActive          bool   `json:"is_active"`
}

// Provider is a lookup record for a bookable clinician.
type Provider struct {
	ProviderID int64  `json:"provider_id"`
	Name       string `json:"name"`
	Specialty  string `json:"specialty"`
	IsActive   bool   `json:"is_active"`
}

// Calendar interprets clinic-local dates and times.
type Calendar struct {
	Location *time.Location
}

// NewCalendar loads the named IANA zone.
func NewCalendar(zone string) (Calendar, error) {
	if zone == "" {
		return Calendar{Location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load clinic time zone %q: %w", zone, err)
	}
	return Calendar{Location: loc}, nil
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// ParseDate parses a YYYY-MM-DD date at local midnight.
func (c Calendar) ParseDate(date string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), c.loc())
	if err != nil {
		return time.Time{}, apperr.Validation("parse date", "appointment_date must be YYYY-MM-DD, got %q", date)
	}
	return d, nil
}

// Combine joins a date and an HH:MM or HH:MM:SS time into an instant.
func (c Calendar) Combine(date, clock string) (time.Time, error) {
	d, err := c.ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	clock = strings.TrimSpace(clock)
	var tod time.Time
	for _, layout := range []string{"15:04", "15:04:05"} {
		if tod, err = time.Parse(layout, clock); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, apperr.Validation("parse time", "appointment_time must be HH:MM, got %q", clock)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, c.loc()), nil
}

// SurroundingDates returns the day before, the day itself and the day after.
func (c Calendar) SurroundingDates(date string) ([]string, error) {
	d, err := c.ParseDate(date)
	if err != nil {
		return nil, err
	}
	return []string{
		d.AddDate(0, 0, -1).Format(DateLayout),
		d.Format(DateLayout),
		d.AddDate(0, 0, 1).Format(DateLayout),
	}, nil
}

// FormatInstant renders t in the stored UTC layout.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

// NormalizeTime renders an accepted time of day as HH:MM.
func NormalizeTime(t time.Time) string {
	return t.Format(TimeLayout)
}
