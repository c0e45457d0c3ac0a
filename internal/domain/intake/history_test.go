package intake

import (
	"fmt"
	"testing"
)

var applySeq int

// apply executes a plan against an in-memory History the way the lifecycle
// repository does against the store.
func apply(h History, plan SyncPlan) History {
	nextID := func(prefix string) string {
		applySeq++
		return fmt.Sprintf("%s-new-%d", prefix, applySeq)
	}

	out := History{Insurance: h.Insurance}
	byID := func(id string, rows []AllergyRow) int {
		for i, r := range rows {
			if r.RecordID == id {
				return i
			}
		}
		return -1
	}
	out.Allergies = append(out.Allergies, h.Allergies...)
	for _, r := range append(plan.UpdateAllergies, plan.DeactivateAllergies...) {
		out.Allergies[byID(r.RecordID, out.Allergies)] = r
	}
	for _, r := range plan.AddAllergies {
		r.RecordID = nextID("a")
		out.Allergies = append(out.Allergies, r)
	}

	out.Medications = append(out.Medications, h.Medications...)
	for _, r := range append(plan.UpdateMedications, plan.DeactivateMedications...) {
		for i := range out.Medications {
			if out.Medications[i].RecordID == r.RecordID {
				out.Medications[i] = r
			}
		}
	}
	for _, r := range plan.AddMedications {
		r.RecordID = nextID("m")
		out.Medications = append(out.Medications, r)
	}

	if plan.InsertInsurance != nil {
		ins := *plan.InsertInsurance
		ins.RecordID = nextID("i")
		out.Insurance = &ins
	}
	if plan.UpdateInsurance != nil {
		ins := *plan.UpdateInsurance
		out.Insurance = &ins
	}

	deleted := map[string]bool{}
	for _, r := range plan.DeleteContacts {
		deleted[r.RecordID] = true
	}
	for _, r := range h.Contacts {
		if deleted[r.RecordID] {
			continue
		}
		for _, u := range plan.UpdateContacts {
			if u.RecordID == r.RecordID {
				r = u
			}
		}
		out.Contacts = append(out.Contacts, r)
	}
	for _, r := range plan.AddContacts {
		r.RecordID = nextID("c")
		out.Contacts = append(out.Contacts, r)
	}
	return out
}

func TestPlanSync_FromEmpty(t *testing.T) {
	p := completePayload()
	plan := PlanSync(7, History{}, p)

	if len(plan.AddAllergies) != 1 || plan.AddAllergies[0].Allergen != "Penicillin" || !plan.AddAllergies[0].IsActive {
		t.Errorf("allergies: %+v", plan.AddAllergies)
	}
	if len(plan.AddMedications) != 1 || plan.AddMedications[0].PatientID != 7 {
		t.Errorf("medications: %+v", plan.AddMedications)
	}
	if plan.InsertInsurance == nil || plan.InsertInsurance.PolicyNumber != "P-123" {
		t.Errorf("insurance: %+v", plan.InsertInsurance)
	}
	if len(plan.AddContacts) != 1 || plan.AddContacts[0].Position != 0 {
		t.Errorf("contacts: %+v", plan.AddContacts)
	}
}

func TestPlanSync_Idempotent(t *testing.T) {
	payloads := []Payload{completePayload()}

	second := completePayload()
	second.MedicalHistory.Allergies = []Allergy{
		{Allergen: "penicillin", Reaction: "hives"},
		{Allergen: "Latex"},
		{Allergen: "LATEX"},
	}
	second.MedicalHistory.Medications = nil
	second.MedicalHistory.EmergencyContacts = append(second.MedicalHistory.EmergencyContacts,
		EmergencyContact{Name: "Dana", Relationship: "sister", Phone: "555-0111"})
	second.Insurance.GroupNumber = "G-7"
	payloads = append(payloads, second)

	third := completePayload()
	third.MedicalHistory.EmergencyContacts = nil
	third.Insurance = Insurance{}
	payloads = append(payloads, third)

	var h History
	for i, p := range payloads {
		h = apply(h, PlanSync(7, h, p))
		if again := PlanSync(7, h, p); !again.Empty() {
			t.Fatalf("payload %d: second sync not empty: %+v", i, again)
		}
	}
}

func TestPlanSync_Transitions(t *testing.T) {
	var h History
	h = apply(h, PlanSync(7, h, completePayload()))
	allergyID := h.Allergies[0].RecordID

	next := completePayload()
	next.MedicalHistory.Allergies = []Allergy{{Allergen: " PENICILLIN ", Reaction: "anaphylaxis", Severity: "severe"}}
	next.MedicalHistory.Medications = nil
	plan := PlanSync(7, h, next)

	if len(plan.AddAllergies) != 0 || len(plan.UpdateAllergies) != 1 {
		t.Fatalf("expected an in-place allergy update, got %+v", plan)
	}
	if plan.UpdateAllergies[0].RecordID != allergyID || plan.UpdateAllergies[0].Severity != "severe" {
		t.Errorf("update = %+v", plan.UpdateAllergies[0])
	}
	if len(plan.DeactivateMedications) != 1 || plan.DeactivateMedications[0].IsActive {
		t.Errorf("medication should be deactivated: %+v", plan.DeactivateMedications)
	}
	if plan.InsertInsurance != nil || plan.UpdateInsurance != nil {
		t.Errorf("unchanged insurance must not be written")
	}

	h = apply(h, plan)
	if cur := h.Current(); len(cur.Medications) != 0 || len(cur.Allergies) != 1 {
		t.Errorf("current = %+v", cur)
	}

	// Bringing a deactivated medication back reactivates the same row.
	back := PlanSync(7, h, completePayload())
	if len(back.UpdateMedications) != 1 || !back.UpdateMedications[0].IsActive || len(back.AddMedications) != 0 {
		t.Errorf("reactivation: %+v", back)
	}
}

func TestPlanSync_EmptyInsuranceKeepsRow(t *testing.T) {
	h := History{Insurance: &InsuranceRow{RecordID: "i-1", PatientID: 7, Provider: "Acme", PolicyNumber: "P"}}
	p := completePayload()
	p.Insurance = Insurance{}
	plan := PlanSync(7, h, p)
	if plan.InsertInsurance != nil || plan.UpdateInsurance != nil {
		t.Errorf("insurance written: %+v %+v", plan.InsertInsurance, plan.UpdateInsurance)
	}
}

func TestPlanSync_ContactsByPosition(t *testing.T) {
	h := History{Contacts: []ContactRow{
		{RecordID: "c-2", Position: 1, Name: "Second", Phone: "2"},
		{RecordID: "c-1", Position: 0, Name: "First", Phone: "1"},
	}}
	p := Payload{MedicalHistory: MedicalHistory{EmergencyContacts: []EmergencyContact{
		{Name: "First", Phone: "1"},
	}}}
	plan := PlanSync(7, h, p)
	if len(plan.UpdateContacts) != 0 || len(plan.AddContacts) != 0 {
		t.Errorf("unexpected writes: %+v", plan)
	}
	if len(plan.DeleteContacts) != 1 || plan.DeleteContacts[0].RecordID != "c-2" {
		t.Errorf("delete = %+v", plan.DeleteContacts)
	}

	cur := History{Contacts: h.Contacts}.Current()
	if cur.EmergencyContacts[0].Name != "First" {
		t.Errorf("contacts not ordered by position: %+v", cur.EmergencyContacts)
	}
}
