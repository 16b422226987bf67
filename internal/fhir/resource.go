// Package fhir holds the raw FHIR R4 wire shapes this layer consumes. Only
// the fields the sync layer reads are modeled; everything else in a payload
// is ignored by json decoding. These types never leak above internal/adapter.
package fhir

import "time"

// Resource types recognized by the sync layer.
const (
	TypePatient          = "Patient"
	TypeEncounter        = "Encounter"
	TypeObservation      = "Observation"
	TypeDiagnosticReport = "DiagnosticReport"
)

// LOINC codes for the vitals the dashboard renders.
const (
	CodeHeartRate       = "8867-4"
	CodeSystolicBP      = "8480-6"
	CodeDiastolicBP     = "8462-4"
	CodeBodyTemperature = "8310-5"
	CodeRespiratoryRate = "9279-1"
	CodeSpO2            = "2708-6"
	CodeSpO2Pulse       = "59408-5"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Quantity struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
	Code  string   `json:"code,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Patient is the subset of a FHIR Patient the adapter reads.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
}

// EncounterLocation carries the location leg of a FHIR Encounter.
type EncounterLocation struct {
	Location Reference `json:"location"`
	Status   string    `json:"status,omitempty"`
}

// Encounter is the subset of a FHIR Encounter the adapter reads.
type Encounter struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id"`
	Status       string              `json:"status,omitempty"`
	Class        *Coding             `json:"class,omitempty"`
	Type         []CodeableConcept   `json:"type,omitempty"`
	Subject      *Reference          `json:"subject,omitempty"`
	Priority     *CodeableConcept    `json:"priority,omitempty"`
	Period       *Period             `json:"period,omitempty"`
	ReasonCode   []CodeableConcept   `json:"reasonCode,omitempty"`
	ServiceType  *CodeableConcept    `json:"serviceType,omitempty"`
	Location     []EncounterLocation `json:"location,omitempty"`
}

// ObservationComponent carries one leg of a multi-component observation,
// e.g. the systolic and diastolic legs of a blood pressure panel.
type ObservationComponent struct {
	Code          CodeableConcept `json:"code"`
	ValueQuantity *Quantity       `json:"valueQuantity,omitempty"`
}

// Observation is the subset of a FHIR Observation the adapter reads.
type Observation struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id"`
	Status            string                 `json:"status,omitempty"`
	Code              CodeableConcept        `json:"code"`
	Subject           *Reference             `json:"subject,omitempty"`
	Encounter         *Reference             `json:"encounter,omitempty"`
	EffectiveDateTime *time.Time             `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity              `json:"valueQuantity,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
	Category          []CodeableConcept      `json:"category,omitempty"`
}

// DiagnosticReport is the subset of a FHIR DiagnosticReport the adapter reads.
type DiagnosticReport struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id"`
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           *Reference        `json:"subject,omitempty"`
	Encounter         *Reference        `json:"encounter,omitempty"`
	EffectiveDateTime *time.Time        `json:"effectiveDateTime,omitempty"`
	Issued            *time.Time        `json:"issued,omitempty"`
}

// ReferenceID extracts the bare id out of a "ResourceType/id" reference
// string. It returns the input unchanged when there is no type prefix.
func ReferenceID(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			return ref[i+1:]
		}
	}
	return ref
}
