package scheduling

import (
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds the interval of a visit. Non-positive durations fall
// back to DefaultDurationMinutes.
func NewInterval(start time.Time, durationMinutes int) Interval {
	if durationMinutes <= 0 {
		durationMinutes = DefaultDurationMinutes
	}
	return Interval{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)}
}

// Overlaps reports whether a and b share any instant. Touching intervals
// do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

// Booking is an existing slot-holding appointment reduced to its interval.
type Booking struct {
	AppointmentID int64
	Interval      Interval
}

// FindConflict returns the first booking overlapping candidate, skipping
// the booking whose AppointmentID equals exclude. exclude == 0 skips
// nothing.
func FindConflict(candidate Interval, bookings []Booking, exclude int64) (Booking, bool) {
	for _, b := range bookings {
		if exclude != 0 && b.AppointmentID == exclude {
			continue
		}
		if Overlaps(candidate, b.Interval) {
			return b, true
		}
	}
	return Booking{}, false
}

// Reason codes reported by admissibility checks.
const (
	CodeOK            = "ok"
	CodeSlotConflict  = "slot_conflict"
	CodeInPast        = "in_past"
	CodeBeyondHorizon = "beyond_horizon"
	CodeUnverified    = "availability_unverified"
)

// Admissibility is the outcome of a booking check.
type Admissibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code"`
}

func allowed() Admissibility {
	return Admissibility{Allowed: true, Code: CodeOK}
}

func denied(code, reason string) Admissibility {
	return Admissibility{Allowed: false, Code: code, Reason: reason}
}

// CheckWindow applies the time-based rules: the start must not be in the
// past and must fall within horizonDays of now.
func CheckWindow(start, now time.Time, horizonDays int) Admissibility {
	if start.Before(now) {
		return denied(CodeInPast, "appointments cannot be booked in the past")
	}
	if horizonDays > 0 && start.After(now.AddDate(0, 0, horizonDays)) {
		return denied(CodeBeyondHorizon, "appointments can only be booked within the booking window")
	}
	return allowed()
}
