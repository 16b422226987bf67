// Package adapter translates raw FHIR resources into the normalized internal
// schema. Every function here is pure: no I/O, no clocks other than the
// caller-supplied reference time. A malformed resource degrades to documented
// defaults instead of failing the batch it arrived in.
package adapter

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/clinsync/dashboard/internal/fhir"
	"github.com/clinsync/dashboard/internal/model"
)

// Defaults applied when an expected field is missing from a resource.
const (
	DefaultPatientName = "Unknown Patient"
	DefaultDepartment  = "General"
)

// ErrNoID is returned when a resource cannot be identified at all; callers
// skip such resources rather than aborting the batch.
var ErrNoID = errors.New("resource has no id")

// NormalizePatient converts a raw FHIR Patient into a PatientSummary. Fields
// the payload does not carry fall back to named defaults; status, priority,
// department and wait time are refined later from the patient's encounters.
func NormalizePatient(raw json.RawMessage, now time.Time) (model.PatientSummary, error) {
	var p fhir.Patient
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return model.PatientSummary{}, ErrNoID
	}

	return model.PatientSummary{
		ID:         p.ID,
		Name:       displayName(p.Name),
		Age:        AgeFromBirthDate(p.BirthDate, now),
		Gender:     p.Gender,
		Status:     model.StatusInTreatment,
		Priority:   model.PriorityNormal,
		Department: DefaultDepartment,
	}, nil
}

// AgeFromBirthDate computes exact calendar age: whole-year subtraction,
// decremented by one when the birthday has not yet occurred this year. An
// unparseable date yields 0.
func AgeFromBirthDate(birthDate string, now time.Time) int {
	born, err := time.Parse("2006-01-02", birthDate)
	if err != nil {
		return 0
	}
	age := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// NormalizeEncounter converts a raw FHIR Encounter. Duration runs to the
// period end, or to now while the encounter is ongoing, floored at zero.
func NormalizeEncounter(raw json.RawMessage, now time.Time) (model.EncounterRecord, error) {
	var e fhir.Encounter
	if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
		return model.EncounterRecord{}, ErrNoID
	}

	rec := model.EncounterRecord{
		ID:         e.ID,
		Status:     e.Status,
		Priority:   priorityFromConcept(e.Priority),
		Department: DefaultDepartment,
	}
	if e.Subject != nil {
		rec.PatientID = fhir.ReferenceID(e.Subject.Reference)
	}
	if e.Class != nil {
		rec.Class = e.Class.Code
	}
	if e.ServiceType != nil {
		if dept := conceptText(*e.ServiceType); dept != "" {
			rec.Department = dept
		}
	}
	if len(e.ReasonCode) > 0 {
		rec.Reason = conceptText(e.ReasonCode[0])
	}
	if e.Period != nil && e.Period.Start != nil {
		rec.StartTime = *e.Period.Start
		end := now
		if e.Period.End != nil {
			rec.EndTime = e.Period.End
			end = *e.Period.End
		}
		if minutes := int(end.Sub(rec.StartTime).Minutes()); minutes > 0 {
			rec.DurationMinutes = minutes
		}
	}
	return rec, nil
}

// NormalizeObservationsToVitals folds a patient's observations into a vitals
// snapshot. Observations whose code is not in the vitals table are ignored;
// a vital with no backing observation stays "N/A". Later observations win
// over earlier entries for the same code.
func NormalizeObservationsToVitals(raws []json.RawMessage, patientID string) model.VitalsSnapshot {
	vs := model.VitalsSnapshot{}
	var systolic, diastolic *float64

	for _, raw := range raws {
		var obs fhir.Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			continue
		}
		if obs.Subject != nil && patientID != "" && fhir.ReferenceID(obs.Subject.Reference) != patientID {
			continue
		}

		applyValue := func(code string, q *fhir.Quantity) {
			if q == nil || q.Value == nil {
				return
			}
			switch code {
			case fhir.CodeHeartRate:
				vs.HeartRate = model.NewVital(*q.Value, q.Unit)
			case fhir.CodeBodyTemperature:
				vs.TemperatureC = model.NewVital(*q.Value, q.Unit)
			case fhir.CodeRespiratoryRate:
				vs.RespiratoryRate = model.NewVital(*q.Value, q.Unit)
			case fhir.CodeSpO2, fhir.CodeSpO2Pulse:
				vs.SpO2Percent = model.NewVital(*q.Value, q.Unit)
			case fhir.CodeSystolicBP:
				v := *q.Value
				systolic = &v
			case fhir.CodeDiastolicBP:
				v := *q.Value
				diastolic = &v
			}
		}

		applyValue(primaryCode(obs.Code), obs.ValueQuantity)
		for _, comp := range obs.Component {
			applyValue(primaryCode(comp.Code), comp.ValueQuantity)
		}
	}

	// Both legs must be present for the pair to count.
	if systolic != nil && diastolic != nil {
		vs.BloodPressure = model.BloodPressure{Systolic: *systolic, Diastolic: *diastolic, Valid: true}
	}
	return vs
}

// NormalizeDiagnosticReport converts a raw FHIR DiagnosticReport into a
// DiagnosticEvent. Turnaround is only derived when both the request and the
// report timestamps are present.
func NormalizeDiagnosticReport(raw json.RawMessage) (model.DiagnosticEvent, error) {
	var r fhir.DiagnosticReport
	if err := json.Unmarshal(raw, &r); err != nil || r.ID == "" {
		return model.DiagnosticEvent{}, ErrNoID
	}

	ev := model.DiagnosticEvent{
		ID:          r.ID,
		Category:    classifyDiagnostic(r),
		Description: conceptText(r.Code),
	}
	if ev.Description == "" {
		ev.Description = string(ev.Category)
	}
	if r.Encounter != nil {
		ev.EncounterID = fhir.ReferenceID(r.Encounter.Reference)
	}
	if r.EffectiveDateTime != nil {
		ev.RequestedAt = *r.EffectiveDateTime
	}
	if r.Issued != nil {
		ev.ReportedAt = r.Issued
		if !ev.RequestedAt.IsZero() {
			if minutes := int(r.Issued.Sub(ev.RequestedAt).Minutes()); minutes > 0 {
				ev.TurnaroundMinutes = minutes
			}
		}
	}
	return ev, nil
}

// StatusFromEncounter maps a clinical encounter state to the dashboard
// workflow state. Inpatient-class encounters in progress count as admitted.
func StatusFromEncounter(enc model.EncounterRecord) model.PatientStatus {
	switch enc.Status {
	case "planned", "arrived", "triaged":
		return model.StatusWaiting
	case "in-progress", "onleave":
		if enc.Class == "IMP" || enc.Class == "ACUTE" || enc.Class == "NONAC" {
			return model.StatusAdmitted
		}
		return model.StatusInTreatment
	case "finished", "cancelled", "completed":
		return model.StatusCompleted
	default:
		return model.StatusInTreatment
	}
}

func displayName(names []fhir.HumanName) string {
	for _, n := range names {
		if n.Text != "" {
			return n.Text
		}
		parts := append([]string{}, n.Given...)
		if n.Family != "" {
			parts = append(parts, n.Family)
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return DefaultPatientName
}

func primaryCode(c fhir.CodeableConcept) string {
	for _, coding := range c.Coding {
		if coding.Code != "" {
			return coding.Code
		}
	}
	return ""
}

func conceptText(c fhir.CodeableConcept) string {
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return ""
}

func priorityFromConcept(c *fhir.CodeableConcept) model.Priority {
	if c == nil {
		return model.PriorityNormal
	}
	token := strings.ToLower(primaryCode(*c) + " " + conceptText(*c))
	switch {
	case strings.Contains(token, "stat"), strings.Contains(token, "asap"),
		strings.Contains(token, "urgent"), strings.Contains(token, "emergency"),
		strings.Contains(token, "ur "):
		return model.PriorityUrgent
	case strings.Contains(token, "routine"), strings.Contains(token, "normal"):
		return model.PriorityNormal
	case strings.Contains(token, "deferred"), strings.Contains(token, "elective"),
		strings.Contains(token, "low"):
		return model.PriorityLow
	default:
		return model.PriorityNormal
	}
}

func classifyDiagnostic(r fhir.DiagnosticReport) model.DiagnosticCategory {
	var tokens []string
	for _, cat := range r.Category {
		tokens = append(tokens, conceptText(cat))
		for _, coding := range cat.Coding {
			tokens = append(tokens, coding.Code)
		}
	}
	tokens = append(tokens, conceptText(r.Code))
	probe := strings.ToLower(strings.Join(tokens, " "))

	switch {
	case strings.Contains(probe, "lab"), strings.Contains(probe, "chemistry"),
		strings.Contains(probe, "hematology"), strings.Contains(probe, "blood"):
		return model.CategoryLab
	case strings.Contains(probe, "rad"), strings.Contains(probe, "imaging"),
		strings.Contains(probe, "x-ray"), strings.Contains(probe, "xray"),
		strings.Contains(probe, "ct"), strings.Contains(probe, "mri"),
		strings.Contains(probe, "ultrasound"):
		return model.CategoryImaging
	default:
		return model.CategoryOther
	}
}
