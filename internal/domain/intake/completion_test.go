package intake

import "testing"

func TestPercentage(t *testing.T) {
	full := completePayload()

	tests := []struct {
		name string
		p    Payload
		want int
	}{
		{"empty", Payload{}, 0},
		{"complete", full, 100},
		// 6/18, 3/18 and 1/19 rounded.
		{"demographics only", Payload{Demographics: full.Demographics}, 33},
		{"consent only", Payload{Consent: full.Consent}, 17},
		{"group number counted", Payload{Insurance: Insurance{GroupNumber: "G"}}, 5},
		{"whitespace is empty", Payload{Demographics: Demographics{FirstName: "  "}}, 0},
	}
	for _, tt := range tests {
		if got := Percentage(tt.p); got != tt.want {
			t.Errorf("%s: Percentage = %d, want %d", tt.name, got, tt.want)
		}
	}

	withGroup := full
	withGroup.Insurance.GroupNumber = "G-1"
	if got := Percentage(withGroup); got != 100 {
		t.Errorf("complete with group number = %d", got)
	}
}

func TestPercentage_OnlyFirstContactCounts(t *testing.T) {
	p := Payload{MedicalHistory: MedicalHistory{EmergencyContacts: []EmergencyContact{
		{},
		{Name: "B", Relationship: "sibling", Phone: "555"},
	}}}
	if got := Percentage(p); got != 0 {
		t.Errorf("Percentage = %d, want 0", got)
	}
}

// setters fill one counted field each.
var setters = []func(*Payload){
	func(p *Payload) { p.Demographics.FirstName = "A" },
	func(p *Payload) { p.Demographics.LastName = "B" },
	func(p *Payload) { p.Demographics.DateOfBirth = "2000-01-01" },
	func(p *Payload) { p.Demographics.Gender = "x" },
	func(p *Payload) { p.Demographics.Phone = "555" },
	func(p *Payload) { p.Demographics.Email = "a@b.c" },
	func(p *Payload) { p.Address.Street = "s" },
	func(p *Payload) { p.Address.City = "c" },
	func(p *Payload) { p.Address.State = "st" },
	func(p *Payload) { p.Address.ZipCode = "z" },
	func(p *Payload) { p.Insurance.Provider = "p" },
	func(p *Payload) { p.Insurance.PolicyNumber = "n" },
	func(p *Payload) { p.Insurance.GroupNumber = "g" },
	func(p *Payload) { emergency(p).Name = "n" },
	func(p *Payload) { emergency(p).Relationship = "r" },
	func(p *Payload) { emergency(p).Phone = "1" },
	func(p *Payload) { p.Consent.HIPAA = true },
	func(p *Payload) { p.Consent.Treatment = true },
	func(p *Payload) { p.Consent.Financial = true },
}

func emergency(p *Payload) *EmergencyContact {
	if len(p.MedicalHistory.EmergencyContacts) == 0 {
		p.MedicalHistory.EmergencyContacts = []EmergencyContact{{}}
	}
	return &p.MedicalHistory.EmergencyContacts[0]
}

func TestPercentage_Monotonic(t *testing.T) {
	// Walk every subset of counted fields and check that filling one more
	// field never lowers the score.
	n := len(setters)
	for mask := 0; mask < 1<<n; mask += 7 {
		var p Payload
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				setters[i](&p)
			}
		}
		base := Percentage(p)
		if base < 0 || base > 100 {
			t.Fatalf("mask %b: out of range %d", mask, base)
		}
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				continue
			}
			next := p.Clone()
			setters[i](&next)
			if got := Percentage(next); got < base {
				t.Fatalf("mask %b + field %d: %d < %d", mask, i, got, base)
			}
		}
	}
}

func TestPercentage_Deterministic(t *testing.T) {
	p := completePayload()
	p.Address = Address{}
	first := Percentage(p)
	for i := 0; i < 10; i++ {
		if Percentage(p) != first {
			t.Fatal("Percentage is not deterministic")
		}
	}
}
