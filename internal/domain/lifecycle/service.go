// Package lifecycle coordinates appointments and their intake forms. It is
// the only layer that touches persistence and the only one that logs; the
// scheduling and intake packages it drives are pure.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/team-bethany-and-thomas/healthapp/internal/domain/intake"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/scheduling"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/idgen"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/store"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/telemetry"
	"github.com/team-bethany-and-thomas/healthapp/pkg/pagination"
)

var tracer = otel.Tracer("healthapp/lifecycle")

// Options wires the Service's collaborators. Zero values fall back to the
// wall clock, a fresh id generator, no metrics and a disabled logger.
type Options struct {
	Calendar      scheduling.Calendar
	Policy        scheduling.Policy
	Clock         clock.Clock
	IDs           *idgen.Generator
	Metrics       *telemetry.LifecycleMetrics
	Logger        *zerolog.Logger
	TemplateID    int64
	PortalBaseURL string
}

type Service struct {
	repo       Repository
	detector   *scheduling.Detector
	clock      clock.Clock
	ids        *idgen.Generator
	metrics    *telemetry.LifecycleMetrics
	logger     zerolog.Logger
	templateID int64
	baseURL    string
}

func NewService(repo Repository, opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ids := opts.IDs
	if ids == nil {
		ids = idgen.New()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "lifecycle").Logger()
	}
	templateID := opts.TemplateID
	if templateID <= 0 {
		templateID = 1
	}
	return &Service{
		repo:       repo,
		detector:   scheduling.NewDetector(repo, repo, opts.Calendar, clk, opts.Policy),
		clock:      clk,
		ids:        ids,
		metrics:    opts.Metrics,
		logger:     logger,
		templateID: templateID,
		baseURL:    strings.TrimRight(opts.PortalBaseURL, "/"),
	}
}

// start opens a span for a public operation. The returned func records the
// outcome and must be deferred with a pointer to the named error result.
func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "lifecycle."+name, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(errp *error) {
		outcome := outcomeOf(*errp)
		if err := *errp; err != nil {
			span.SetAttributes(attribute.String("error.kind", outcome))
			switch apperr.KindOf(err) {
			case apperr.KindDependencyFailure, apperr.KindUnknown:
				span.RecordError(err)
				span.SetStatus(codes.Error, outcome)
				s.logger.Error().Err(err).Str("operation", name).Msg("lifecycle operation failed")
			default:
				s.logger.Debug().Err(err).Str("operation", name).Msg("lifecycle operation rejected")
			}
		}
		s.metrics.ObserveOperation(name, outcome, time.Since(began))
		span.End()
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

// FormURL is where the portal renders the form.
func (s *Service) FormURL(f *intake.Form) string {
	return fmt.Sprintf("%s/intake/%d?appointment=%d", s.baseURL, f.PatientFormID, f.AppointmentID)
}

// -- Booking --

// BookAppointmentWithIntake books a slot and creates its empty intake form.
// When the form cannot be created the new appointment is deleted again and
// a single error describing both steps is returned.
func (s *Service) BookAppointmentWithIntake(ctx context.Context, in BookingInput) (res *BookingResult, err error) {
	const op = "book appointment"
	ctx, end := s.start(ctx, "book_appointment",
		attribute.Int64("provider.id", in.ProviderID),
		attribute.Int64("appointment_type.id", in.AppointmentTypeID))
	defer end(&err)
	defer func() { s.metrics.ObserveBooking(outcomeOf(err)) }()

	if err := validateBooking(in); err != nil {
		return nil, err
	}
	if _, err := s.activeProvider(ctx, op, in.ProviderID); err != nil {
		return nil, err
	}
	apptType, err := s.activeType(ctx, op, in.AppointmentTypeID)
	if err != nil {
		return nil, err
	}

	candidate, err := s.detector.Candidate(in.Date, in.Time, apptType.DurationMinutes)
	if err != nil {
		return nil, err
	}
	duration := minutes(candidate)
	if err := s.admit(ctx, op, in.ProviderID, in.Date, in.Time, duration, 0); err != nil {
		return nil, err
	}

	apptID, err := s.ids.Next(ctx, s.repo.AppointmentExists)
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	appt := &scheduling.Appointment{
		AppointmentID:     apptID,
		PatientID:         in.PatientID,
		ProviderID:        in.ProviderID,
		AppointmentTypeID: in.AppointmentTypeID,
		Date:              candidate.Start.Format(scheduling.DateLayout),
		Time:              scheduling.NormalizeTime(candidate.Start),
		StartAt:           scheduling.FormatInstant(candidate.Start),
		DurationMinutes:   duration,
		Status:            scheduling.StatusPending,
		ReasonForVisit:    strings.TrimSpace(in.ReasonForVisit),
		Notes:             strings.TrimSpace(in.Notes),
		HoldsSlot:         true,
	}
	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Wrap(apperr.KindConflict, op, err, "the selected time is no longer available")
		}
		return nil, err
	}

	form, prefilled, err := s.ensureForm(ctx, appt, in.PreFillExistingData)
	if err != nil {
		return nil, s.rollbackBooking(ctx, op, appt, err)
	}

	s.metrics.ObserveAppointmentTransition("none", string(appt.Status))
	s.metrics.ObserveFormTransition("none", string(form.Status))
	s.logger.Info().
		Int64("appointment_id", appt.AppointmentID).
		Int64("patient_form_id", form.PatientFormID).
		Int64("provider_id", appt.ProviderID).
		Str("start_at", appt.StartAt).
		Bool("prefilled", prefilled).
		Msg("appointment booked")

	return &BookingResult{Appointment: appt, Form: form, FormURL: s.FormURL(form), Prefilled: prefilled}, nil
}

func validateBooking(in BookingInput) error {
	const op = "book appointment"
	switch {
	case in.PatientID <= 0:
		return apperr.Validation(op, "patient_id is required")
	case in.ProviderID <= 0:
		return apperr.Validation(op, "provider_id is required")
	case in.AppointmentTypeID <= 0:
		return apperr.Validation(op, "appointment_type_id is required")
	case strings.TrimSpace(in.Date) == "":
		return apperr.Validation(op, "appointment_date is required")
	case strings.TrimSpace(in.Time) == "":
		return apperr.Validation(op, "appointment_time is required")
	case strings.TrimSpace(in.ReasonForVisit) == "":
		return apperr.Validation(op, "reason_for_visit is required")
	}
	return nil
}

// ensureForm returns the appointment's form, creating a draft when none
// exists. A duplicate-key failure means another request created it first;
// that form is returned instead.
func (s *Service) ensureForm(ctx context.Context, appt *scheduling.Appointment, prefill bool) (*intake.Form, bool, error) {
	existing, err := s.repo.FindForm(ctx, appt.PatientID, appt.AppointmentID, s.templateID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	formID, err := s.ids.Next(ctx, s.repo.FormExists)
	if err != nil {
		return nil, false, apperr.Dependency("create intake form", err)
	}
	draft := intake.NewDraft(formID, appt.PatientID, appt.AppointmentID, s.templateID)

	prefilled := false
	if prefill {
		prev, err := s.repo.LatestFinishedForm(ctx, appt.PatientID)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			draft, prefilled = intake.ApplyImport(draft, prev.FormData, s.clock.Now())
		}
	}

	if err := s.repo.CreateForm(ctx, &draft); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, false, err
		}
		existing, findErr := s.repo.FindForm(ctx, appt.PatientID, appt.AppointmentID, s.templateID)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing == nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return &draft, prefilled, nil
}

// rollbackBooking deletes an appointment whose form step failed. The
// deletion runs even if the request context is already cancelled.
func (s *Service) rollbackBooking(ctx context.Context, op string, appt *scheduling.Appointment, formErr error) error {
	delErr := s.repo.DeleteAppointment(context.WithoutCancel(ctx), appt)
	if delErr == nil {
		s.logger.Warn().Err(formErr).Int64("appointment_id", appt.AppointmentID).
			Msg("intake form creation failed, booking rolled back")
		return fmt.Errorf("booking rolled back: %w", formErr)
	}

	s.logger.Error().Err(delErr).AnErr("form_error", formErr).Int64("appointment_id", appt.AppointmentID).
		Msg("booking rollback failed, appointment left without intake form")
	joined := errors.Join(
		fmt.Errorf("create intake form: %w", formErr),
		fmt.Errorf("rollback appointment %d: %w", appt.AppointmentID, delErr),
	)
	return apperr.Wrap(apperr.KindDependencyFailure, op, joined,
		"the booking failed and could not be fully undone, please contact the clinic")
}

// -- Appointment views --

// GetAppointmentFlowStatus derives the patient's next step from the
// current appointment and form.
func (s *Service) GetAppointmentFlowStatus(ctx context.Context, appointmentID, patientID int64) (fs *FlowStatus, err error) {
	const op = "get appointment flow status"
	ctx, end := s.start(ctx, "flow_status", attribute.Int64("appointment.id", appointmentID))
	defer end(&err)

	appt, err := s.ownedAppointment(ctx, op, appointmentID, patientID)
	if err != nil {
		return nil, err
	}
	form, err := s.repo.LatestForm(ctx, patientID, appointmentID)
	if err != nil {
		return nil, err
	}
	start, err := appt.Start()
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}

	fs = &FlowStatus{
		AppointmentID:     appt.AppointmentID,
		AppointmentStatus: appt.Status,
		StartAt:           appt.StartAt,
		NextStep:          nextStep(appt, form, start, s.clock.Now()),
	}
	if form != nil {
		id, st := form.PatientFormID, form.Status
		fs.PatientFormID = &id
		fs.FormStatus = &st
		fs.CompletionPercentage = form.CompletionPercentage
		fs.CanEdit = intake.CanEdit(st)
		fs.CanReopen = intake.CanReopen(st)
		fs.FormURL = s.FormURL(form)
	}
	return fs, nil
}

func nextStep(a *scheduling.Appointment, f *intake.Form, start, now time.Time) NextStep {
	switch {
	case !start.After(now):
		return StepAppointmentPast
	case a.Status == scheduling.StatusCancelled || a.Status == scheduling.StatusNoShow:
		return StepAppointmentCancelled
	case f != nil && f.Status == intake.StatusRevision:
		return StepIntakeNeedsUpdate
	case f == nil || (f.Status != intake.StatusSubmitted && f.Status != intake.StatusCompleted):
		return StepCompleteIntake
	}
	return StepAppointmentReady
}

// ListPatientAppointments returns a page of the patient's appointments,
// latest start first. status may be empty.
func (s *Service) ListPatientAppointments(ctx context.Context, patientID int64, status string, page pagination.Params) (items []scheduling.Appointment, total int, err error) {
	ctx, end := s.start(ctx, "list_appointments")
	defer end(&err)

	var st scheduling.AppointmentStatus
	if strings.TrimSpace(status) != "" {
		if st, err = scheduling.ParseAppointmentStatus(status); err != nil {
			return nil, 0, err
		}
	}
	all, err := s.repo.ListByPatient(ctx, patientID, st)
	if err != nil {
		return nil, 0, err
	}
	return pagination.Page(all, page), len(all), nil
}

// -- Appointment transitions --

// CancelAppointmentWithIntake cancels the appointment and frees its slot.
// The intake form and its attachments are kept.
func (s *Service) CancelAppointmentWithIntake(ctx context.Context, appointmentID, patientID int64, reason string) (a *scheduling.Appointment, err error) {
	const op = "cancel appointment"
	ctx, end := s.start(ctx, "cancel_appointment", attribute.Int64("appointment.id", appointmentID))
	defer end(&err)

	appt, err := s.ownedAppointment(ctx, op, appointmentID, patientID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, appt, scheduling.StatusCancelled, func(next *scheduling.Appointment) {
		next.CancellationReason = strings.TrimSpace(reason)
	})
}

// RescheduleAppointmentWithIntake moves the appointment. The appointment
// itself is excluded from the conflict check and its form stays bound to
// it.
func (s *Service) RescheduleAppointmentWithIntake(ctx context.Context, in RescheduleInput) (a *scheduling.Appointment, err error) {
	const op = "reschedule appointment"
	ctx, end := s.start(ctx, "reschedule_appointment", attribute.Int64("appointment.id", in.AppointmentID))
	defer end(&err)

	if strings.TrimSpace(in.Date) == "" || strings.TrimSpace(in.Time) == "" {
		return nil, apperr.Validation(op, "appointment_date and appointment_time are required")
	}
	appt, err := s.ownedAppointment(ctx, op, in.AppointmentID, in.PatientID)
	if err != nil {
		return nil, err
	}
	next, err := appt.Transition(scheduling.StatusRescheduled)
	if err != nil {
		return nil, err
	}

	duration := appt.DurationMinutes
	if in.AppointmentTypeID != 0 && in.AppointmentTypeID != appt.AppointmentTypeID {
		t, err := s.activeType(ctx, op, in.AppointmentTypeID)
		if err != nil {
			return nil, err
		}
		next.AppointmentTypeID = t.AppointmentTypeID
		duration = t.DurationMinutes
	}

	candidate, err := s.detector.Candidate(in.Date, in.Time, duration)
	if err != nil {
		return nil, err
	}
	duration = minutes(candidate)
	if err := s.admit(ctx, op, appt.ProviderID, in.Date, in.Time, duration, appt.AppointmentID); err != nil {
		return nil, err
	}

	next.Date = candidate.Start.Format(scheduling.DateLayout)
	next.Time = scheduling.NormalizeTime(candidate.Start)
	next.StartAt = scheduling.FormatInstant(candidate.Start)
	next.DurationMinutes = duration
	if err := s.repo.UpdateAppointment(ctx, &next); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Wrap(apperr.KindConflict, op, err, "the selected time is no longer available")
		}
		return nil, err
	}
	s.metrics.ObserveAppointmentTransition(string(appt.Status), string(next.Status))
	return &next, nil
}

// ConfirmAppointment records the provider's confirmation.
func (s *Service) ConfirmAppointment(ctx context.Context, appointmentID int64) (a *scheduling.Appointment, err error) {
	ctx, end := s.start(ctx, "confirm_appointment", attribute.Int64("appointment.id", appointmentID))
	defer end(&err)

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, appt, scheduling.StatusConfirmed, nil)
}

// CompleteAppointment marks the visit as held. A submitted intake form of
// the appointment is marked reviewed at the same time.
func (s *Service) CompleteAppointment(ctx context.Context, appointmentID int64) (a *scheduling.Appointment, err error) {
	ctx, end := s.start(ctx, "complete_appointment", attribute.Int64("appointment.id", appointmentID))
	defer end(&err)

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	done, err := s.transition(ctx, appt, scheduling.StatusCompleted, nil)
	if err != nil {
		return nil, err
	}

	form, err := s.repo.LatestForm(ctx, done.PatientID, done.AppointmentID)
	if err != nil {
		return nil, err
	}
	if form != nil && form.Status == intake.StatusSubmitted {
		reviewed, err := intake.MarkReviewed(*form)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpdateForm(ctx, &reviewed); err != nil {
			return nil, err
		}
		s.metrics.ObserveFormTransition(string(form.Status), string(reviewed.Status))
	}
	return done, nil
}

// MarkNoShow records that the patient did not attend. The slot is freed.
func (s *Service) MarkNoShow(ctx context.Context, appointmentID int64) (a *scheduling.Appointment, err error) {
	ctx, end := s.start(ctx, "mark_no_show", attribute.Int64("appointment.id", appointmentID))
	defer end(&err)

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, appt, scheduling.StatusNoShow, nil)
}

func (s *Service) transition(ctx context.Context, appt *scheduling.Appointment, to scheduling.AppointmentStatus, mutate func(*scheduling.Appointment)) (*scheduling.Appointment, error) {
	next, err := appt.Transition(to)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&next)
	}
	if err := s.repo.UpdateAppointment(ctx, &next); err != nil {
		return nil, err
	}
	s.metrics.ObserveAppointmentTransition(string(appt.Status), string(next.Status))
	return &next, nil
}

// -- Availability --

// HasConflict reports whether the slot overlaps one of the provider's
// slot-holding appointments. On lookup failure it returns true with the
// error.
func (s *Service) HasConflict(ctx context.Context, providerID int64, date, startTime string, durationMinutes int, exclude int64) (conflict bool, err error) {
	ctx, end := s.start(ctx, "has_conflict", attribute.Int64("provider.id", providerID))
	defer end(&err)
	return s.detector.HasConflict(ctx, providerID, date, startTime, durationMinutes, exclude)
}

// CanBookAppointment evaluates a slot without booking it. typeID may be 0
// for the default duration.
func (s *Service) CanBookAppointment(ctx context.Context, providerID int64, date, startTime string, typeID, exclude int64) (sc *SlotCheck, err error) {
	const op = "check slot"
	ctx, end := s.start(ctx, "can_book", attribute.Int64("provider.id", providerID))
	defer end(&err)

	if _, err := s.activeProvider(ctx, op, providerID); err != nil {
		return nil, err
	}
	duration, err := s.typeDuration(ctx, op, typeID)
	if err != nil {
		return nil, err
	}
	candidate, err := s.detector.Candidate(date, startTime, duration)
	if err != nil {
		return nil, err
	}
	adm, err := s.detector.CanBook(ctx, providerID, date, startTime, duration, exclude)
	s.metrics.ObserveConflictCheck(adm.Code)
	if err != nil {
		return nil, err
	}
	return &SlotCheck{
		Admissibility:   adm,
		ProviderID:      providerID,
		Date:            candidate.Start.Format(scheduling.DateLayout),
		Time:            scheduling.NormalizeTime(candidate.Start),
		DurationMinutes: minutes(candidate),
	}, nil
}

// AvailableSlots lists the bookable start times of a provider on date for
// a visit of the given type.
func (s *Service) AvailableSlots(ctx context.Context, providerID int64, date string, typeID int64) (av *Availability, err error) {
	const op = "list available slots"
	ctx, end := s.start(ctx, "available_slots", attribute.Int64("provider.id", providerID))
	defer end(&err)

	if _, err := s.activeProvider(ctx, op, providerID); err != nil {
		return nil, err
	}
	duration, err := s.typeDuration(ctx, op, typeID)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = s.defaultDuration()
	}
	slots, err := s.detector.AvailableSlots(ctx, providerID, date, duration)
	if err != nil {
		return nil, err
	}
	return &Availability{ProviderID: providerID, Date: strings.TrimSpace(date), DurationMinutes: duration, Slots: slots}, nil
}

// admit runs the admissibility checks and turns a refusal into an error.
func (s *Service) admit(ctx context.Context, op string, providerID int64, date, startTime string, duration int, exclude int64) error {
	adm, err := s.detector.CanBook(ctx, providerID, date, startTime, duration, exclude)
	s.metrics.ObserveConflictCheck(adm.Code)
	if err != nil {
		return err
	}
	if adm.Allowed {
		return nil
	}
	if adm.Code == scheduling.CodeSlotConflict {
		return apperr.Conflict(op, "%s", adm.Reason)
	}
	return apperr.Validation(op, "%s", adm.Reason)
}

func (s *Service) activeProvider(ctx context.Context, op string, providerID int64) (*scheduling.Provider, error) {
	if providerID <= 0 {
		return nil, apperr.Validation(op, "provider_id is required")
	}
	p, err := s.repo.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, apperr.Validation(op, "provider %d is not accepting appointments", providerID)
	}
	return p, nil
}

func (s *Service) activeType(ctx context.Context, op string, typeID int64) (*scheduling.AppointmentType, error) {
	t, err := s.repo.GetAppointmentType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, apperr.Validation(op, "appointment type %d is no longer offered", typeID)
	}
	return t, nil
}

// typeDuration is the type's duration, or 0 for the default when typeID is
// 0.
func (s *Service) typeDuration(ctx context.Context, op string, typeID int64) (int, error) {
	if typeID == 0 {
		return 0, nil
	}
	t, err := s.activeType(ctx, op, typeID)
	if err != nil {
		return 0, err
	}
	return t.DurationMinutes, nil
}

func (s *Service) defaultDuration() int {
	if d := s.detector.Policy().DefaultDuration; d > 0 {
		return d
	}
	return scheduling.DefaultDurationMinutes
}

func minutes(iv scheduling.Interval) int {
	return int(iv.End.Sub(iv.Start) / time.Minute)
}

// -- Intake forms --

// GetIntakeForm returns one of the patient's forms.
func (s *Service) GetIntakeForm(ctx context.Context, formID, patientID int64) (f *intake.Form, err error) {
	ctx, end := s.start(ctx, "get_intake_form", attribute.Int64("form.id", formID))
	defer end(&err)
	return s.ownedForm(ctx, "get intake form", formID, patientID)
}

// GetLatestIntakeVersion returns the current form of an appointment.
func (s *Service) GetLatestIntakeVersion(ctx context.Context, patientID, appointmentID int64) (f *intake.Form, err error) {
	const op = "get latest intake form"
	ctx, end := s.start(ctx, "latest_intake_form", attribute.Int64("appointment.id", appointmentID))
	defer end(&err)

	if _, err := s.ownedAppointment(ctx, op, appointmentID, patientID); err != nil {
		return nil, err
	}
	form, err := s.repo.LatestForm(ctx, patientID, appointmentID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, apperr.NotFound(op, "appointment %d has no intake form", appointmentID)
	}
	return form, nil
}

// SaveIntakeSection replaces one section of an editable form.
func (s *Service) SaveIntakeSection(ctx context.Context, formID, patientID int64, section string, data json.RawMessage) (f *intake.Form, err error) {
	const op = "save intake section"
	ctx, end := s.start(ctx, "save_intake_section",
		attribute.Int64("form.id", formID), attribute.String("form.section", section))
	defer end(&err)

	sec, err := intake.ParseSection(section)
	if err != nil {
		return nil, err
	}
	form, err := s.ownedForm(ctx, op, formID, patientID)
	if err != nil {
		return nil, err
	}
	next, err := intake.SaveSection(*form, sec, data, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateForm(ctx, &next); err != nil {
		return nil, err
	}
	if next.Status != form.Status {
		s.metrics.ObserveFormTransition(string(form.Status), string(next.Status))
	}
	return &next, nil
}

type finalizeFunc func(intake.Form, *intake.Payload, time.Time) (intake.Form, error)

// CompleteAppointmentIntake submits a form. final, when given, replaces the
// saved payload first.
func (s *Service) CompleteAppointmentIntake(ctx context.Context, formID, patientID int64, final *intake.Payload) (f *intake.Form, err error) {
	ctx, end := s.start(ctx, "complete_intake", attribute.Int64("form.id", formID))
	defer end(&err)
	return s.finalize(ctx, "complete intake form", formID, patientID, final, intake.Submit)
}

// ResubmitIntakeForm submits a form again after revision.
func (s *Service) ResubmitIntakeForm(ctx context.Context, formID, patientID int64, final *intake.Payload) (f *intake.Form, err error) {
	ctx, end := s.start(ctx, "resubmit_intake", attribute.Int64("form.id", formID))
	defer end(&err)
	return s.finalize(ctx, "resubmit intake form", formID, patientID, final, intake.Resubmit)
}

// finalize syncs the dependent history rows before the form is marked
// submitted, so a failed run can simply be retried.
func (s *Service) finalize(ctx context.Context, op string, formID, patientID int64, final *intake.Payload, fn finalizeFunc) (*intake.Form, error) {
	form, err := s.ownedForm(ctx, op, formID, patientID)
	if err != nil {
		return nil, err
	}
	next, err := fn(*form, final, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.syncHistory(ctx, patientID, next.FormData); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateForm(ctx, &next); err != nil {
		return nil, err
	}
	s.metrics.ObserveFormTransition(string(form.Status), string(next.Status))
	return &next, nil
}

// ReopenIntakeFormForEditing sends a submitted form back for revision.
func (s *Service) ReopenIntakeFormForEditing(ctx context.Context, formID, patientID int64, reason string) (f *intake.Form, err error) {
	const op = "reopen intake form"
	ctx, end := s.start(ctx, "reopen_intake", attribute.Int64("form.id", formID))
	defer end(&err)

	form, err := s.ownedForm(ctx, op, formID, patientID)
	if err != nil {
		return nil, err
	}
	next, err := intake.Reopen(*form, reason, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateForm(ctx, &next); err != nil {
		return nil, err
	}
	s.metrics.ObserveFormTransition(string(form.Status), string(next.Status))
	return &next, nil
}

func (s *Service) syncHistory(ctx context.Context, patientID int64, p intake.Payload) error {
	h, err := s.repo.LoadHistory(ctx, patientID)
	if err != nil {
		return err
	}
	plan := intake.PlanSync(patientID, h, p)
	if plan.Empty() {
		return nil
	}
	return s.repo.ApplySync(ctx, plan)
}

// GetMedicalHistory returns the patient's active allergies, medications,
// emergency contacts and insurance.
func (s *Service) GetMedicalHistory(ctx context.Context, patientID int64) (v *MedicalHistoryView, err error) {
	ctx, end := s.start(ctx, "medical_history")
	defer end(&err)

	h, err := s.repo.LoadHistory(ctx, patientID)
	if err != nil {
		return nil, err
	}
	v = &MedicalHistoryView{PatientID: patientID, MedicalHistory: h.Current()}
	if h.Insurance != nil {
		v.Insurance = &intake.Insurance{
			Provider:     h.Insurance.Provider,
			PolicyNumber: h.Insurance.PolicyNumber,
			GroupNumber:  h.Insurance.GroupNumber,
		}
	}
	return v, nil
}

// -- Ownership --

// ownedAppointment hides other patients' appointments behind NotFound.
func (s *Service) ownedAppointment(ctx context.Context, op string, appointmentID, patientID int64) (*scheduling.Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.PatientID != patientID {
		return nil, apperr.NotFound(op, "appointment %d not found", appointmentID)
	}
	return appt, nil
}

func (s *Service) ownedForm(ctx context.Context, op string, formID, patientID int64) (*intake.Form, error) {
	form, err := s.repo.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if form.PatientID != patientID {
		return nil, apperr.NotFound(op, "intake form %d not found", formID)
	}
	return form, nil
}
