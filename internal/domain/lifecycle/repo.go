package lifecycle

import (
	"context"

	"github.com/team-bethany-and-thomas/healthapp/internal/domain/intake"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/scheduling"
)

// AppointmentRepository persists appointments. Lookups that find nothing
// return an apperr NotFound error.
type AppointmentRepository interface {
	scheduling.AppointmentLister
	GetAppointment(ctx context.Context, appointmentID int64) (*scheduling.Appointment, error)
	AppointmentExists(ctx context.Context, appointmentID int64) (bool, error)
	CreateAppointment(ctx context.Context, a *scheduling.Appointment) error
	UpdateAppointment(ctx context.Context, a *scheduling.Appointment) error
	DeleteAppointment(ctx context.Context, a *scheduling.Appointment) error
	ListByPatient(ctx context.Context, patientID int64, status scheduling.AppointmentStatus) ([]scheduling.Appointment, error)
}

// LookupRepository resolves providers and appointment types by their
// canonical numeric ids.
type LookupRepository interface {
	scheduling.TypeLookup
	GetProvider(ctx context.Context, providerID int64) (*scheduling.Provider, error)
}

// FormRepository persists intake forms. The Find and Latest methods return
// nil without error when nothing matches.
type FormRepository interface {
	GetForm(ctx context.Context, patientFormID int64) (*intake.Form, error)
	FormExists(ctx context.Context, patientFormID int64) (bool, error)
	FindForm(ctx context.Context, patientID, appointmentID, templateID int64) (*intake.Form, error)
	LatestForm(ctx context.Context, patientID, appointmentID int64) (*intake.Form, error)
	LatestFinishedForm(ctx context.Context, patientID int64) (*intake.Form, error)
	CreateForm(ctx context.Context, f *intake.Form) error
	UpdateForm(ctx context.Context, f *intake.Form) error
}

// HistoryRepository persists the rows derived from submitted forms.
type HistoryRepository interface {
	LoadHistory(ctx context.Context, patientID int64) (intake.History, error)
	ApplySync(ctx context.Context, plan intake.SyncPlan) error
}

// Repository is everything the Service persists.
type Repository interface {
	AppointmentRepository
	LookupRepository
	FormRepository
	HistoryRepository
}
