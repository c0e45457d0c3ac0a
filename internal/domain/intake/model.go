package intake

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
)

// FormStatus is the closed set of intake form states.
type FormStatus string

const (
	StatusNotStarted FormStatus = "not_started"
	StatusInProgress FormStatus = "in_progress"
	StatusSubmitted  FormStatus = "submitted"
	StatusCompleted  FormStatus = "completed"
	StatusRevision   FormStatus = "revision"
)

var formStatuses = []FormStatus{
	StatusNotStarted, StatusInProgress, StatusSubmitted, StatusCompleted, StatusRevision,
}

// ParseFormStatus matches input case-insensitively and accepts dashes or
// spaces in place of underscores.
func ParseFormStatus(s string) (FormStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for _, st := range formStatuses {
		if string(st) == norm {
			return st, nil
		}
	}
	return "", apperr.Validation("parse form status", "unknown form status %q", s)
}

func (s *FormStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseFormStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Form is a patient's intake form for one appointment.
type Form struct {
	RecordID             string     `json:"-"`
	PatientFormID        int64      `json:"patient_form_id"`
	PatientID            int64      `json:"patient_id"`
	AppointmentID        int64      `json:"appointment_id"`
	FormTemplateID       int64      `json:"form_template_id"`
	FormData             Payload    `json:"form_data"`
	Status               FormStatus `json:"status"`
	CompletionPercentage int        `json:"completion_percentage"`
	SubmittedAt          *time.Time `json:"submitted_at"`
	RevisionReason       *string    `json:"revision_reason"`
	ReopenedAt           *time.Time `json:"reopened_at"`
	RevisionCount        int        `json:"revision_count"`
	LastSavedAt          *time.Time `json:"last_saved_at,omitempty"`
	CreatedAt            time.Time  `json:"-"`
	UpdatedAt            time.Time  `json:"-"`
}

// NewDraft returns an empty form bound to an appointment.
func NewDraft(patientFormID, patientID, appointmentID, templateID int64) Form {
	return Form{
		PatientFormID:  patientFormID,
		PatientID:      patientID,
		AppointmentID:  appointmentID,
		FormTemplateID: templateID,
		Status:         StatusNotStarted,
	}
}

// Clone deep-copies f.
func (f Form) Clone() Form {
	f.FormData = f.FormData.Clone()
	f.SubmittedAt = cloneTime(f.SubmittedAt)
	f.ReopenedAt = cloneTime(f.ReopenedAt)
	f.LastSavedAt = cloneTime(f.LastSavedAt)
	if f.RevisionReason != nil {
		r := *f.RevisionReason
		f.RevisionReason = &r
	}
	return f
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Payload is the structured questionnaire content.
type Payload struct {
	Demographics   Demographics   `json:"demographics"`
	Address        Address        `json:"address"`
	Insurance      Insurance      `json:"insurance"`
	MedicalHistory MedicalHistory `json:"medical_history"`
	Consent        Consent        `json:"consent"`
}

type Demographics struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
}

type Insurance struct {
	Provider     string `json:"provider"`
	PolicyNumber string `json:"policy_number"`
	GroupNumber  string `json:"group_number,omitempty"`
}

// IsZero reports whether no insurance detail was entered.
func (i Insurance) IsZero() bool {
	return blank(i.Provider) && blank(i.PolicyNumber) && blank(i.GroupNumber)
}

type MedicalHistory struct {
	Allergies         []Allergy          `json:"allergies"`
	Medications       []Medication       `json:"medications"`
	Conditions        string             `json:"conditions"`
	EmergencyContacts []EmergencyContact `json:"emergency_contacts"`
}

type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
	Severity string `json:"severity,omitempty"`
}

type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

type Consent struct {
	HIPAA     bool `json:"hipaa"`
	Treatment bool `json:"treatment"`
	Financial bool `json:"financial"`
}

// Clone deep-copies p.
func (p Payload) Clone() Payload {
	mh := p.MedicalHistory
	p.MedicalHistory = MedicalHistory{
		Allergies:         append([]Allergy(nil), mh.Allergies...),
		Medications:       append([]Medication(nil), mh.Medications...),
		Conditions:        mh.Conditions,
		EmergencyContacts: append([]EmergencyContact(nil), mh.EmergencyContacts...),
	}
	return p
}

// Section names a payload section that can be saved on its own.
type Section string

const (
	SectionDemographics   Section = "demographics"
	SectionAddress        Section = "address"
	SectionInsurance      Section = "insurance"
	SectionMedicalHistory Section = "medical_history"
	SectionConsent        Section = "consent"
)

var sections = []Section{
	SectionDemographics, SectionAddress, SectionInsurance, SectionMedicalHistory, SectionConsent,
}

// ParseSection matches a section name case-insensitively. Dashes are
// accepted in place of underscores.
func ParseSection(s string) (Section, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, sec := range sections {
		if string(sec) == norm {
			return sec, nil
		}
	}
	return "", apperr.Validation("parse section", "unknown form section %q", s)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
