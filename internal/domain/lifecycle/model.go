package lifecycle

import (
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/intake"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/scheduling"
)

// NextStep tells the portal what the patient should do next for an
// appointment.
type NextStep string

const (
	StepAppointmentPast      NextStep = "appointment_past"
	StepAppointmentCancelled NextStep = "appointment_cancelled"
	StepIntakeNeedsUpdate    NextStep = "intake_needs_update"
	StepCompleteIntake       NextStep = "complete_intake"
	StepAppointmentReady     NextStep = "appointment_ready"
)

// BookingInput is a patient's booking request.
type BookingInput struct {
	PatientID           int64  `json:"-"`
	ProviderID          int64  `json:"provider_id"`
	AppointmentTypeID   int64  `json:"appointment_type_id"`
	Date                string `json:"appointment_date"`
	Time                string `json:"appointment_time"`
	ReasonForVisit      string `json:"reason_for_visit"`
	Notes               string `json:"notes,omitempty"`
	PreFillExistingData bool   `json:"pre_fill_existing_data,omitempty"`
}

// BookingResult is a booked appointment with its intake form.
type BookingResult struct {
	Appointment *scheduling.Appointment `json:"appointment"`
	Form        *intake.Form            `json:"intake_form"`
	FormURL     string                  `json:"form_url"`
	Prefilled   bool                    `json:"prefilled"`
}

// RescheduleInput moves an appointment. A zero AppointmentTypeID keeps the
// current type.
type RescheduleInput struct {
	AppointmentID     int64  `json:"-"`
	PatientID         int64  `json:"-"`
	Date              string `json:"appointment_date"`
	Time              string `json:"appointment_time"`
	AppointmentTypeID int64  `json:"appointment_type_id,omitempty"`
}

// FlowStatus is the derived view of where an appointment stands. It is
// computed on every request and never stored.
type FlowStatus struct {
	AppointmentID        int64                        `json:"appointment_id"`
	AppointmentStatus    scheduling.AppointmentStatus `json:"appointment_status"`
	StartAt              string                       `json:"start_at"`
	PatientFormID        *int64                       `json:"patient_form_id"`
	FormStatus           *intake.FormStatus           `json:"form_status"`
	CompletionPercentage int                          `json:"completion_percentage"`
	CanEdit              bool                         `json:"can_edit"`
	CanReopen            bool                         `json:"can_reopen"`
	FormURL              string                       `json:"form_url,omitempty"`
	NextStep             NextStep                     `json:"next_step"`
}

// SlotCheck is the answer to "can this slot be booked".
type SlotCheck struct {
	scheduling.Admissibility
	ProviderID      int64  `json:"provider_id"`
	Date            string `json:"appointment_date"`
	Time            string `json:"appointment_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Availability lists the bookable start times of a provider on a day.
type Availability struct {
	ProviderID      int64    `json:"provider_id"`
	Date            string   `json:"date"`
	DurationMinutes int      `json:"duration_minutes"`
	Slots           []string `json:"slots"`
}

// MedicalHistoryView is the patient's current persisted history.
type MedicalHistoryView struct {
	PatientID      int64                 `json:"patient_id"`
	MedicalHistory intake.MedicalHistory `json:"medical_history"`
	Insurance      *intake.Insurance     `json:"insurance"`
}
