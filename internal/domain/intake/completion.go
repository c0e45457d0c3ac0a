package intake

import "math"

// Percentage scores how much of the payload is filled in, 0 to 100.
//
// Counted fields: six demographics, four address, insurance provider and
// policy number (group number only when present), name, relationship and
// phone of the first emergency contact, and the three consents.
func Percentage(p Payload) int {
	var filled, total int
	count := func(ok bool) {
		total++
		if ok {
			filled++
		}
	}

	d := p.Demographics
	for _, v := range []string{d.FirstName, d.LastName, d.DateOfBirth, d.Gender, d.Phone, d.Email} {
		count(!blank(v))
	}

	a := p.Address
	for _, v := range []string{a.Street, a.City, a.State, a.ZipCode} {
		count(!blank(v))
	}

	count(!blank(p.Insurance.Provider))
	count(!blank(p.Insurance.PolicyNumber))
	if !blank(p.Insurance.GroupNumber) {
		count(true)
	}

	var first EmergencyContact
	if len(p.MedicalHistory.EmergencyContacts) > 0 {
		first = p.MedicalHistory.EmergencyContacts[0]
	}
	for _, v := range []string{first.Name, first.Relationship, first.Phone} {
		count(!blank(v))
	}

	count(p.Consent.HIPAA)
	count(p.Consent.Treatment)
	count(p.Consent.Financial)

	return int(math.Round(100 * float64(filled) / float64(total)))
}
