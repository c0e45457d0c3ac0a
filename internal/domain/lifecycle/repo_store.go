package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/team-bethany-and-thomas/healthapp/internal/domain/intake"
	"github.com/team-bethany-and-thomas/healthapp/internal/domain/scheduling"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/store"
)

// Collection names.
const (
	CollectionAppointments     = "appointments"
	CollectionAppointmentTypes = "appointment_types"
	CollectionProviders        = "providers"
	CollectionForms            = "patient_forms"
	CollectionAllergies        = "patient_allergies"
	CollectionMedications      = "patient_medications"
	CollectionInsurance        = "patient_insurance"
	CollectionContacts         = "emergency_contacts"
	CollectionAttachments      = "form_attachments"
)

// LookupCollections change rarely and are safe to cache.
var LookupCollections = []string{CollectionProviders, CollectionAppointmentTypes}

// Indexes are the unique constraints the store must enforce. The
// PostgreSQL migrations create the same indexes by name.
func Indexes() []store.UniqueIndex {
	return []store.UniqueIndex{
		{Name: "uq_appointments_appointment_id", Collection: CollectionAppointments, Fields: []string{"appointment_id"}},
		{
			Name:       "uq_appointments_provider_slot",
			Collection: CollectionAppointments,
			Fields:     []string{"provider_id", "start_at"},
			Where:      map[string]any{"holds_slot": true},
		},
		{Name: "uq_patient_forms_patient_form_id", Collection: CollectionForms, Fields: []string{"patient_form_id"}},
		{
			Name:       "uq_patient_forms_appointment",
			Collection: CollectionForms,
			Fields:     []string{"patient_id", "appointment_id", "form_template_id"},
		},
		{Name: "uq_patient_insurance_patient", Collection: CollectionInsurance, Fields: []string{"patient_id"}},
	}
}

// StoreRepository implements Repository over a document store.
type StoreRepository struct {
	db store.Store
}

func NewStoreRepository(db store.Store) *StoreRepository {
	return &StoreRepository{db: db}
}

// storeErr classifies a store failure. The cause stays in the chain so
// callers can still match store.ErrDuplicate.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, err, "record not found")
	case errors.Is(err, store.ErrDuplicate):
		return apperr.Wrap(apperr.KindConflict, op, err, "record already exists")
	}
	return apperr.Dependency(op, err)
}

// -- Appointments --

func (r *StoreRepository) ListSlotHolding(ctx context.Context, providerID int64, dates []string) ([]scheduling.Appointment, error) {
	recs, err := r.db.ListWhere(ctx, CollectionAppointments, store.Query{
		Where: []store.Predicate{
			store.Eq("provider_id", providerID),
			store.In("appointment_date", dates),
			store.Eq("holds_slot", true),
		},
		Order: []store.Order{{Field: "start_at"}},
	})
	if err != nil {
		return nil, storeErr("list slot-holding appointments", err)
	}
	return decodeAppointments(recs)
}

func (r *StoreRepository) GetAppointment(ctx context.Context, appointmentID int64) (*scheduling.Appointment, error) {
	const op = "get appointment"
	recs, err := r.db.ListWhere(ctx, CollectionAppointments, store.Query{
		Where: []store.Predicate{store.Eq("appointment_id", appointmentID)},
		Limit: 2,
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	switch len(recs) {
	case 0:
		return nil, apperr.NotFound(op, "appointment %d not found", appointmentID)
	case 1:
	default:
		return nil, apperr.Dependency(op, fmt.Errorf("%d records share appointment_id %d", len(recs), appointmentID))
	}
	appts, err := decodeAppointments(recs)
	if err != nil {
		return nil, err
	}
	return &appts[0], nil
}

func (r *StoreRepository) AppointmentExists(ctx context.Context, appointmentID int64) (bool, error) {
	return r.exists(ctx, CollectionAppointments, "appointment_id", appointmentID)
}

func (r *StoreRepository) CreateAppointment(ctx context.Context, a *scheduling.Appointment) error {
	fields, err := store.Encode(a)
	if err != nil {
		return apperr.Dependency("create appointment", err)
	}
	if a.RecordID == "" {
		a.RecordID = uuid.NewString()
	}
	rec, err := r.db.Create(ctx, CollectionAppointments, a.RecordID, fields, permissionsFor(a.PatientID))
	if err != nil {
		return storeErr("create appointment", err)
	}
	a.CreatedAt, a.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

func (r *StoreRepository) UpdateAppointment(ctx context.Context, a *scheduling.Appointment) error {
	fields, err := store.Encode(a)
	if err != nil {
		return apperr.Dependency("update appointment", err)
	}
	rec, err := r.db.Update(ctx, CollectionAppointments, a.RecordID, fields)
	if err != nil {
		return storeErr("update appointment", err)
	}
	a.UpdatedAt = rec.UpdatedAt
	return nil
}

func (r *StoreRepository) DeleteAppointment(ctx context.Context, a *scheduling.Appointment) error {
	if err := r.db.Delete(ctx, CollectionAppointments, a.RecordID); err != nil {
		return storeErr("delete appointment", err)
	}
	return nil
}

func (r *StoreRepository) ListByPatient(ctx context.Context, patientID int64, status scheduling.AppointmentStatus) ([]scheduling.Appointment, error) {
	where := []store.Predicate{store.Eq("patient_id", patientID)}
	if status != "" {
		where = append(where, store.Eq("status", string(status)))
	}
	recs, err := r.db.ListWhere(ctx, CollectionAppointments, store.Query{
		Where: where,
		Order: []store.Order{{Field: "start_at", Desc: true}},
	})
	if err != nil {
		return nil, storeErr("list patient appointments", err)
	}
	return decodeAppointments(recs)
}

func decodeAppointments(recs []store.Record) ([]scheduling.Appointment, error) {
	out := make([]scheduling.Appointment, 0, len(recs))
	for i := range recs {
		var a scheduling.Appointment
		if err := store.Decode(&recs[i], &a); err != nil {
			return nil, apperr.Dependency("decode appointment", err)
		}
		a.RecordID = recs[i].ID
		a.CreatedAt, a.UpdatedAt = recs[i].CreatedAt, recs[i].UpdatedAt
		out = append(out, a)
	}
	return out, nil
}

// -- Lookups --

func (r *StoreRepository) GetAppointmentType(ctx context.Context, typeID int64) (*scheduling.AppointmentType, error) {
	var t scheduling.AppointmentType
	if err := r.lookup(ctx, "get appointment type", CollectionAppointmentTypes, "appointment_type_id", typeID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetProvider matches the canonical provider_id only. More than one record
// with the same id is reported as a dependency failure.
func (r *StoreRepository) GetProvider(ctx context.Context, providerID int64) (*scheduling.Provider, error) {
	var p scheduling.Provider
	if err := r.lookup(ctx, "get provider", CollectionProviders, "provider_id", providerID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *StoreRepository) lookup(ctx context.Context, op, collection, field string, id int64, dst any) error {
	recs, err := r.db.ListWhere(ctx, collection, store.Query{
		Where: []store.Predicate{store.Eq(field, id)},
		Limit: 2,
	})
	if err != nil {
		return storeErr(op, err)
	}
	switch len(recs) {
	case 0:
		return apperr.NotFound(op, "%s %d not found", field, id)
	case 1:
	default:
		return apperr.Dependency(op, fmt.Errorf("%s %d is ambiguous: %d records match", field, id, len(recs)))
	}
	if err := store.Decode(&recs[0], dst); err != nil {
		return apperr.Dependency(op, err)
	}
	return nil
}

// -- Forms --

func (r *StoreRepository) GetForm(ctx context.Context, patientFormID int64) (*intake.Form, error) {
	const op = "get intake form"
	forms, err := r.listForms(ctx, op, store.Eq("patient_form_id", patientFormID))
	if err != nil {
		return nil, err
	}
	switch len(forms) {
	case 0:
		return nil, apperr.NotFound(op, "intake form %d not found", patientFormID)
	case 1:
		return &forms[0], nil
	}
	return nil, apperr.Dependency(op, fmt.Errorf("%d records share patient_form_id %d", len(forms), patientFormID))
}

func (r *StoreRepository) FormExists(ctx context.Context, patientFormID int64) (bool, error) {
	return r.exists(ctx, CollectionForms, "patient_form_id", patientFormID)
}

func (r *StoreRepository) FindForm(ctx context.Context, patientID, appointmentID, templateID int64) (*intake.Form, error) {
	forms, err := r.listForms(ctx, "find intake form",
		store.Eq("patient_id", patientID),
		store.Eq("appointment_id", appointmentID),
		store.Eq("form_template_id", templateID),
	)
	if err != nil || len(forms) == 0 {
		return nil, err
	}
	return latest(forms), nil
}

func (r *StoreRepository) LatestForm(ctx context.Context, patientID, appointmentID int64) (*intake.Form, error) {
	forms, err := r.listForms(ctx, "find intake form",
		store.Eq("patient_id", patientID),
		store.Eq("appointment_id", appointmentID),
	)
	if err != nil || len(forms) == 0 {
		return nil, err
	}
	return latest(forms), nil
}

// LatestFinishedForm returns the most recently submitted form of the
// patient that is submitted or completed.
func (r *StoreRepository) LatestFinishedForm(ctx context.Context, patientID int64) (*intake.Form, error) {
	forms, err := r.listForms(ctx, "find finished intake form",
		store.Eq("patient_id", patientID),
		store.In("status", []string{string(intake.StatusSubmitted), string(intake.StatusCompleted)}),
	)
	if err != nil || len(forms) == 0 {
		return nil, err
	}
	sort.SliceStable(forms, func(i, j int) bool {
		return submittedAt(forms[i]).After(submittedAt(forms[j]))
	})
	return &forms[0], nil
}

func (r *StoreRepository) CreateForm(ctx context.Context, f *intake.Form) error {
	fields, err := store.Encode(f)
	if err != nil {
		return apperr.Dependency("create intake form", err)
	}
	if f.RecordID == "" {
		f.RecordID = uuid.NewString()
	}
	rec, err := r.db.Create(ctx, CollectionForms, f.RecordID, fields, permissionsFor(f.PatientID))
	if err != nil {
		return storeErr("create intake form", err)
	}
	f.CreatedAt, f.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return nil
}

func (r *StoreRepository) UpdateForm(ctx context.Context, f *intake.Form) error {
	fields, err := store.Encode(f)
	if err != nil {
		return apperr.Dependency("update intake form", err)
	}
	rec, err := r.db.Update(ctx, CollectionForms, f.RecordID, fields)
	if err != nil {
		return storeErr("update intake form", err)
	}
	f.UpdatedAt = rec.UpdatedAt
	return nil
}

func (r *StoreRepository) listForms(ctx context.Context, op string, where ...store.Predicate) ([]intake.Form, error) {
	recs, err := r.db.ListWhere(ctx, CollectionForms, store.Query{Where: where})
	if err != nil {
		return nil, storeErr(op, err)
	}
	forms := make([]intake.Form, 0, len(recs))
	for i := range recs {
		var f intake.Form
		if err := store.Decode(&recs[i], &f); err != nil {
			return nil, apperr.Dependency(op, err)
		}
		f.RecordID = recs[i].ID
		f.CreatedAt, f.UpdatedAt = recs[i].CreatedAt, recs[i].UpdatedAt
		forms = append(forms, f)
	}
	return forms, nil
}

// latest picks the most recently written form.
func latest(forms []intake.Form) *intake.Form {
	best := 0
	for i := 1; i < len(forms); i++ {
		if forms[i].UpdatedAt.After(forms[best].UpdatedAt) {
			best = i
		}
	}
	return &forms[best]
}

func submittedAt(f intake.Form) time.Time {
	if f.SubmittedAt != nil {
		return *f.SubmittedAt
	}
	return f.UpdatedAt
}

// -- Medical history --

func (r *StoreRepository) LoadHistory(ctx context.Context, patientID int64) (intake.History, error) {
	const op = "load medical history"
	var h intake.History
	byPatient := store.Query{Where: []store.Predicate{store.Eq("patient_id", patientID)}}

	err := r.eachRecord(ctx, op, CollectionAllergies, byPatient, func(rec *store.Record) error {
		var row intake.AllergyRow
		if err := store.Decode(rec, &row); err != nil {
			return err
		}
		row.RecordID = rec.ID
		h.Allergies = append(h.Allergies, row)
		return nil
	})
	if err != nil {
		return h, err
	}
	err = r.eachRecord(ctx, op, CollectionMedications, byPatient, func(rec *store.Record) error {
		var row intake.MedicationRow
		if err := store.Decode(rec, &row); err != nil {
			return err
		}
		row.RecordID = rec.ID
		h.Medications = append(h.Medications, row)
		return nil
	})
	if err != nil {
		return h, err
	}
	err = r.eachRecord(ctx, op, CollectionInsurance, byPatient, func(rec *store.Record) error {
		var row intake.InsuranceRow
		if err := store.Decode(rec, &row); err != nil {
			return err
		}
		row.RecordID = rec.ID
		h.Insurance = &row
		return nil
	})
	if err != nil {
		return h, err
	}
	err = r.eachRecord(ctx, op, CollectionContacts, byPatient, func(rec *store.Record) error {
		var row intake.ContactRow
		if err := store.Decode(rec, &row); err != nil {
			return err
		}
		row.RecordID = rec.ID
		h.Contacts = append(h.Contacts, row)
		return nil
	})
	return h, err
}

func (r *StoreRepository) eachRecord(ctx context.Context, op, collection string, q store.Query, fn func(*store.Record) error) error {
	recs, err := r.db.ListWhere(ctx, collection, q)
	if err != nil {
		return storeErr(op, err)
	}
	for i := range recs {
		if err := fn(&recs[i]); err != nil {
			return apperr.Dependency(op, err)
		}
	}
	return nil
}

// ApplySync writes a sync plan. Writes are independent; the first failure
// stops the run and a later re-plan picks up whatever is left.
func (r *StoreRepository) ApplySync(ctx context.Context, plan intake.SyncPlan) error {
	const op = "sync medical history"
	for _, row := range plan.AddAllergies {
		if err := r.createRow(ctx, op, CollectionAllergies, row.PatientID, row); err != nil {
			return err
		}
	}
	for _, row := range append(plan.UpdateAllergies, plan.DeactivateAllergies...) {
		if err := r.updateRow(ctx, op, CollectionAllergies, row.RecordID, row); err != nil {
			return err
		}
	}
	for _, row := range plan.AddMedications {
		if err := r.createRow(ctx, op, CollectionMedications, row.PatientID, row); err != nil {
			return err
		}
	}
	for _, row := range append(plan.UpdateMedications, plan.DeactivateMedications...) {
		if err := r.updateRow(ctx, op, CollectionMedications, row.RecordID, row); err != nil {
			return err
		}
	}
	if row := plan.InsertInsurance; row != nil {
		if err := r.createRow(ctx, op, CollectionInsurance, row.PatientID, row); err != nil {
			return err
		}
	}
	if row := plan.UpdateInsurance; row != nil {
		if err := r.updateRow(ctx, op, CollectionInsurance, row.RecordID, row); err != nil {
			return err
		}
	}
	for _, row := range plan.UpdateContacts {
		if err := r.updateRow(ctx, op, CollectionContacts, row.RecordID, row); err != nil {
			return err
		}
	}
	for _, row := range plan.AddContacts {
		if err := r.createRow(ctx, op, CollectionContacts, row.PatientID, row); err != nil {
			return err
		}
	}
	for _, row := range plan.DeleteContacts {
		if err := r.db.Delete(ctx, CollectionContacts, row.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeErr(op, err)
		}
	}
	return nil
}

func (r *StoreRepository) createRow(ctx context.Context, op, collection string, patientID int64, row any) error {
	fields, err := store.Encode(row)
	if err != nil {
		return apperr.Dependency(op, err)
	}
	if _, err := r.db.Create(ctx, collection, uuid.NewString(), fields, permissionsFor(patientID)); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (r *StoreRepository) updateRow(ctx context.Context, op, collection, recordID string, row any) error {
	fields, err := store.Encode(row)
	if err != nil {
		return apperr.Dependency(op, err)
	}
	if _, err := r.db.Update(ctx, collection, recordID, fields); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (r *StoreRepository) exists(ctx context.Context, collection, field string, key int64) (bool, error) {
	recs, err := r.db.ListWhere(ctx, collection, store.Query{
		Where: []store.Predicate{store.Eq(field, key)},
		Limit: 1,
	})
	if err != nil {
		return false, storeErr("check "+field, err)
	}
	return len(recs) > 0, nil
}

// permissionsFor grants the owning patient read and write access.
func permissionsFor(patientID int64) []string {
	user := fmt.Sprintf("patient:%d", patientID)
	return []string{"read(" + user + ")", "write(" + user + ")"}
}
