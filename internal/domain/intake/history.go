package intake

import (
	"sort"
	"strings"
)

// AllergyRow is a persisted allergy of a patient.
type AllergyRow struct {
	RecordID  string `json:"-"`
	PatientID int64  `json:"patient_id"`
	Allergen  string `json:"allergen"`
	Reaction  string `json:"reaction"`
	Severity  string `json:"severity"`
	IsActive  bool   `json:"is_active"`
}

// MedicationRow is a persisted medication of a patient.
type MedicationRow struct {
	RecordID  string `json:"-"`
	PatientID int64  `json:"patient_id"`
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	IsActive  bool   `json:"is_active"`
}

// InsuranceRow is the persisted primary insurance of a patient.
type InsuranceRow struct {
	RecordID     string `json:"-"`
	PatientID    int64  `json:"patient_id"`
	Provider     string `json:"provider"`
	PolicyNumber string `json:"policy_number"`
	GroupNumber  string `json:"group_number"`
}

// ContactRow is a persisted emergency contact. Position keeps the order
// the patient entered them in.
type ContactRow struct {
	RecordID     string `json:"-"`
	PatientID    int64  `json:"patient_id"`
	Position     int    `json:"position"`
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

// History is everything persisted for a patient outside the form itself.
type History struct {
	Allergies   []AllergyRow
	Medications []MedicationRow
	Insurance   *InsuranceRow
	Contacts    []ContactRow
}

// Current returns the active medical history.
func (h History) Current() MedicalHistory {
	mh := MedicalHistory{
		Allergies:         []Allergy{},
		Medications:       []Medication{},
		EmergencyContacts: []EmergencyContact{},
	}
	for _, a := range h.Allergies {
		if a.IsActive {
			mh.Allergies = append(mh.Allergies, Allergy{Allergen: a.Allergen, Reaction: a.Reaction, Severity: a.Severity})
		}
	}
	for _, m := range h.Medications {
		if m.IsActive {
			mh.Medications = append(mh.Medications, Medication{Name: m.Name, Dosage: m.Dosage, Frequency: m.Frequency})
		}
	}
	for _, c := range sortedContacts(h.Contacts) {
		mh.EmergencyContacts = append(mh.EmergencyContacts, EmergencyContact{Name: c.Name, Relationship: c.Relationship, Phone: c.Phone})
	}
	return mh
}

// SyncPlan lists the row writes that bring History in line with a
// payload. Applying a plan and planning again yields an empty plan.
type SyncPlan struct {
	AddAllergies        []AllergyRow
	UpdateAllergies     []AllergyRow
	DeactivateAllergies []AllergyRow

	AddMedications        []MedicationRow
	UpdateMedications     []MedicationRow
	DeactivateMedications []MedicationRow

	InsertInsurance *InsuranceRow
	UpdateInsurance *InsuranceRow

	AddContacts    []ContactRow
	UpdateContacts []ContactRow
	DeleteContacts []ContactRow
}

// Empty reports whether the plan has no writes.
func (p SyncPlan) Empty() bool {
	return len(p.AddAllergies)+len(p.UpdateAllergies)+len(p.DeactivateAllergies)+
		len(p.AddMedications)+len(p.UpdateMedications)+len(p.DeactivateMedications)+
		len(p.AddContacts)+len(p.UpdateContacts)+len(p.DeleteContacts) == 0 &&
		p.InsertInsurance == nil && p.UpdateInsurance == nil
}

// PlanSync diffs the stored rows against the submitted payload.
//
// Allergies and medications match by case-insensitive name: new names are
// added, missing names are deactivated, changed details or inactive matches
// are updated in place. Emergency contacts match by position. Insurance is
// upserted when the payload carries any; an empty insurance section keeps
// the stored row.
func PlanSync(patientID int64, h History, p Payload) SyncPlan {
	var plan SyncPlan

	// Allergies.
	existingA := make(map[string]AllergyRow)
	var keysA []string
	for _, row := range h.Allergies {
		k := nameKey(row.Allergen)
		if prev, dup := existingA[k]; dup && prev.IsActive {
			// Keep the active one; extra duplicates are deactivated.
			if row.IsActive {
				row.IsActive = false
				plan.DeactivateAllergies = append(plan.DeactivateAllergies, row)
			}
			continue
		}
		if _, seen := existingA[k]; !seen {
			keysA = append(keysA, k)
		}
		existingA[k] = row
	}
	wantA := make(map[string]bool)
	for _, a := range p.MedicalHistory.Allergies {
		k := nameKey(a.Allergen)
		if k == "" || wantA[k] {
			continue
		}
		wantA[k] = true
		row, ok := existingA[k]
		if !ok {
			plan.AddAllergies = append(plan.AddAllergies, AllergyRow{
				PatientID: patientID, Allergen: strings.TrimSpace(a.Allergen),
				Reaction: a.Reaction, Severity: a.Severity, IsActive: true,
			})
			continue
		}
		if !row.IsActive || row.Reaction != a.Reaction || row.Severity != a.Severity {
			row.Reaction, row.Severity, row.IsActive = a.Reaction, a.Severity, true
			plan.UpdateAllergies = append(plan.UpdateAllergies, row)
		}
	}
	for _, k := range keysA {
		if row := existingA[k]; row.IsActive && !wantA[k] {
			row.IsActive = false
			plan.DeactivateAllergies = append(plan.DeactivateAllergies, row)
		}
	}

	// Medications.
	existingM := make(map[string]MedicationRow)
	var keysM []string
	for _, row := range h.Medications {
		k := nameKey(row.Name)
		if prev, dup := existingM[k]; dup && prev.IsActive {
			if row.IsActive {
				row.IsActive = false
				plan.DeactivateMedications = append(plan.DeactivateMedications, row)
			}
			continue
		}
		if _, seen := existingM[k]; !seen {
			keysM = append(keysM, k)
		}
		existingM[k] = row
	}
	wantM := make(map[string]bool)
	for _, m := range p.MedicalHistory.Medications {
		k := nameKey(m.Name)
		if k == "" || wantM[k] {
			continue
		}
		wantM[k] = true
		row, ok := existingM[k]
		if !ok {
			plan.AddMedications = append(plan.AddMedications, MedicationRow{
				PatientID: patientID, Name: strings.TrimSpace(m.Name),
				Dosage: m.Dosage, Frequency: m.Frequency, IsActive: true,
			})
			continue
		}
		if !row.IsActive || row.Dosage != m.Dosage || row.Frequency != m.Frequency {
			row.Dosage, row.Frequency, row.IsActive = m.Dosage, m.Frequency, true
			plan.UpdateMedications = append(plan.UpdateMedications, row)
		}
	}
	for _, k := range keysM {
		if row := existingM[k]; row.IsActive && !wantM[k] {
			row.IsActive = false
			plan.DeactivateMedications = append(plan.DeactivateMedications, row)
		}
	}

	// Insurance.
	if !p.Insurance.IsZero() {
		want := InsuranceRow{
			PatientID:    patientID,
			Provider:     p.Insurance.Provider,
			PolicyNumber: p.Insurance.PolicyNumber,
			GroupNumber:  p.Insurance.GroupNumber,
		}
		switch {
		case h.Insurance == nil:
			plan.InsertInsurance = &want
		case h.Insurance.Provider != want.Provider || h.Insurance.PolicyNumber != want.PolicyNumber || h.Insurance.GroupNumber != want.GroupNumber:
			want.RecordID = h.Insurance.RecordID
			plan.UpdateInsurance = &want
		}
	}

	// Emergency contacts.
	var desired []EmergencyContact
	for _, c := range p.MedicalHistory.EmergencyContacts {
		if !blank(c.Name) || !blank(c.Phone) {
			desired = append(desired, c)
		}
	}
	current := sortedContacts(h.Contacts)
	for i, c := range desired {
		if i < len(current) {
			row := current[i]
			if row.Position != i || row.Name != c.Name || row.Relationship != c.Relationship || row.Phone != c.Phone {
				row.Position, row.Name, row.Relationship, row.Phone = i, c.Name, c.Relationship, c.Phone
				plan.UpdateContacts = append(plan.UpdateContacts, row)
			}
			continue
		}
		plan.AddContacts = append(plan.AddContacts, ContactRow{
			PatientID: patientID, Position: i, Name: c.Name, Relationship: c.Relationship, Phone: c.Phone,
		})
	}
	if len(current) > len(desired) {
		plan.DeleteContacts = append(plan.DeleteContacts, current[len(desired):]...)
	}

	return plan
}

func nameKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// sortedContacts orders contacts by Position, then RecordID.
func sortedContacts(rows []ContactRow) []ContactRow {
	out := append([]ContactRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out
}
