package intake

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/apperr"
)

// CanEdit reports whether the patient may change the form's content.
func CanEdit(s FormStatus) bool {
	return s == StatusNotStarted || s == StatusInProgress || s == StatusRevision
}

// CanReopen reports whether a finished form may be sent back for revision.
func CanReopen(s FormStatus) bool {
	return s == StatusSubmitted || s == StatusCompleted
}

// The transition functions below take the form by value and return the
// new value only on success. A failed transition never changes the input.

// SaveSection replaces one section of the payload and recomputes the
// completion score. Forms in revision stay in revision; drafts move to
// in_progress even when the score reaches 100.
func SaveSection(f Form, section Section, data json.RawMessage, now time.Time) (Form, error) {
	const op = "save intake section"
	if !CanEdit(f.Status) {
		return f, apperr.FormNotEditable(op, "form is %s and cannot be edited", f.Status)
	}

	next := f.Clone()
	if err := decodeSection(&next.FormData, section, data); err != nil {
		return f, err
	}
	next.CompletionPercentage = Percentage(next.FormData)
	if next.Status != StatusRevision {
		next.Status = StatusInProgress
	}
	next.LastSavedAt = &now
	return next, nil
}

// ApplyImport fills a fresh draft with carried-over sections. Consent is
// never imported.
func ApplyImport(f Form, from Payload, now time.Time) (Form, bool) {
	if f.Status != StatusNotStarted {
		return f, false
	}
	src := from.Clone()
	next := f.Clone()
	next.FormData.Demographics = src.Demographics
	next.FormData.Address = src.Address
	next.FormData.Insurance = src.Insurance
	next.FormData.MedicalHistory = src.MedicalHistory
	next.FormData.Consent = Consent{}

	next.CompletionPercentage = Percentage(next.FormData)
	if next.CompletionPercentage == 0 {
		return f, false
	}
	next.Status = StatusInProgress
	next.LastSavedAt = &now
	return next, true
}

// Submit finalizes an editable form. When final is non-nil it replaces the
// stored payload first. The payload must score 100.
func Submit(f Form, final *Payload, now time.Time) (Form, error) {
	return submit("submit intake form", f, final, now)
}

// Resubmit finalizes a form after revision. Guards match Submit.
func Resubmit(f Form, final *Payload, now time.Time) (Form, error) {
	return submit("resubmit intake form", f, final, now)
}

func submit(op string, f Form, final *Payload, now time.Time) (Form, error) {
	if !CanEdit(f.Status) {
		return f, apperr.FormNotEditable(op, "form is %s and cannot be submitted", f.Status)
	}
	next := f.Clone()
	if final != nil {
		next.FormData = final.Clone()
	}
	if pct := Percentage(next.FormData); pct < 100 {
		return f, apperr.Validation(op, "form is %d%% complete; every required field must be filled before submitting", pct)
	}
	next.Status = StatusSubmitted
	next.CompletionPercentage = 100
	next.SubmittedAt = &now
	next.LastSavedAt = &now
	return next, nil
}

// Reopen sends a submitted or completed form back for revision. The
// original submitted_at is kept.
func Reopen(f Form, reason string, now time.Time) (Form, error) {
	const op = "reopen intake form"
	if !CanReopen(f.Status) {
		if CanEdit(f.Status) {
			return f, apperr.Conflict(op, "form is already open for editing")
		}
		return f, apperr.Conflict(op, "form is %s and cannot be reopened", f.Status)
	}
	next := f.Clone()
	next.Status = StatusRevision
	next.RevisionReason = nil
	if r := strings.TrimSpace(reason); r != "" {
		next.RevisionReason = &r
	}
	next.ReopenedAt = &now
	next.RevisionCount++
	return next, nil
}

// MarkReviewed closes a submitted form once its visit has happened.
func MarkReviewed(f Form) (Form, error) {
	if f.Status != StatusSubmitted {
		return f, apperr.Conflict("mark intake reviewed", "only submitted forms can be marked reviewed, form is %s", f.Status)
	}
	next := f.Clone()
	next.Status = StatusCompleted
	return next, nil
}

func decodeSection(p *Payload, section Section, data json.RawMessage) error {
	const op = "save intake section"
	var target any
	switch section {
	case SectionDemographics:
		target = &p.Demographics
	case SectionAddress:
		target = &p.Address
	case SectionInsurance:
		target = &p.Insurance
	case SectionMedicalHistory:
		target = &p.MedicalHistory
	case SectionConsent:
		target = &p.Consent
	default:
		return apperr.Validation(op, "unknown form section %q", section)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return apperr.Validation(op, "section %s has no content", section)
	}

	// Sections are replaced wholesale, not merged.
	switch t := target.(type) {
	case *Demographics:
		*t = Demographics{}
	case *Address:
		*t = Address{}
	case *Insurance:
		*t = Insurance{}
	case *MedicalHistory:
		*t = MedicalHistory{}
	case *Consent:
		*t = Consent{}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err, "section "+string(section)+" is malformed")
	}
	return nil
}
