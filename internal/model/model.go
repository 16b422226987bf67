// Package model defines the normalized internal schema consumed by the
// dashboard display components. Raw FHIR payloads are converted into these
// tagged types at the adapter boundary; nothing above the adapter ever sees
// the external wire shape.
package model

import (
	"encoding/json"
	"time"
)

// PatientStatus is the workflow state of a patient on the dashboard.
type PatientStatus string

const (
	StatusWaiting     PatientStatus = "waiting"
	StatusInTreatment PatientStatus = "in-treatment"
	StatusAdmitted    PatientStatus = "admitted"
	StatusCompleted   PatientStatus = "completed"
)

// Priority is the triage priority of a patient.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Vital is a single vitals measurement that is either a parsed value or the
// "N/A" sentinel, never a mix of the two. It marshals as a JSON number when
// valid and as the string "N/A" otherwise.
type Vital struct {
	Value float64
	Unit  string
	Valid bool
}

// NA is the sentinel for a vitals field with no backing observation.
func NA() Vital { return Vital{} }

// NewVital returns a valid measurement.
func NewVital(value float64, unit string) Vital {
	return Vital{Value: value, Unit: unit, Valid: true}
}

func (v Vital) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return json.Marshal("N/A")
	}
	return json.Marshal(v.Value)
}

func (v *Vital) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*v = Vital{Value: num, Valid: true}
		return nil
	}
	*v = Vital{}
	return nil
}

// String renders the measurement for display, "N/A" when absent.
func (v Vital) String() string {
	if !v.Valid {
		return "N/A"
	}
	b, _ := json.Marshal(v.Value)
	return string(b)
}

// BloodPressure is a systolic/diastolic pair. Both legs must be present for
// the pair to be valid; a lone systolic reading stays "N/A".
type BloodPressure struct {
	Systolic  float64
	Diastolic float64
	Valid     bool
}

func (bp BloodPressure) MarshalJSON() ([]byte, error) {
	if !bp.Valid {
		return json.Marshal("N/A")
	}
	return json.Marshal(map[string]float64{
		"systolic":  bp.Systolic,
		"diastolic": bp.Diastolic,
	})
}

func (bp *BloodPressure) UnmarshalJSON(data []byte) error {
	var pair struct {
		Systolic  float64 `json:"systolic"`
		Diastolic float64 `json:"diastolic"`
	}
	if err := json.Unmarshal(data, &pair); err == nil && (pair.Systolic != 0 || pair.Diastolic != 0) {
		*bp = BloodPressure{Systolic: pair.Systolic, Diastolic: pair.Diastolic, Valid: true}
		return nil
	}
	*bp = BloodPressure{}
	return nil
}

func (bp BloodPressure) String() string {
	if !bp.Valid {
		return "N/A"
	}
	b, _ := json.Marshal(bp)
	return string(b)
}

// VitalsSnapshot holds the most recent vitals for a patient. Every field is
// independently optional but always present in serialized form.
type VitalsSnapshot struct {
	HeartRate       Vital         `json:"hr"`
	BloodPressure   BloodPressure `json:"bp"`
	TemperatureC    Vital         `json:"temp"`
	RespiratoryRate Vital         `json:"rr"`
	SpO2Percent     Vital         `json:"spo2"`
}

// PatientSummary is one row of the dashboard patient list.
type PatientSummary struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Age             int             `json:"age"`
	Gender          string          `json:"gender"`
	Status          PatientStatus   `json:"status"`
	Priority        Priority        `json:"priority"`
	Department      string          `json:"department"`
	WaitTimeMinutes int             `json:"wait_time_minutes"`
	Vitals          *VitalsSnapshot `json:"vitals,omitempty"`
}

// EncounterRecord is a normalized clinical encounter. EndTime is nil while
// the encounter is ongoing.
type EncounterRecord struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patient_id"`
	Status          string     `json:"status"`
	Class           string     `json:"class,omitempty"`
	Priority        Priority   `json:"priority,omitempty"`
	Department      string     `json:"department,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
}

// DiagnosticCategory classifies a diagnostic event.
type DiagnosticCategory string

const (
	CategoryLab     DiagnosticCategory = "lab"
	CategoryImaging DiagnosticCategory = "imaging"
	CategoryOther   DiagnosticCategory = "other"
)

// DiagnosticEvent is a normalized diagnostic request/report pair. ReportedAt
// is nil until the report lands; TurnaroundMinutes is meaningful only then.
type DiagnosticEvent struct {
	ID                string             `json:"id"`
	EncounterID       string             `json:"encounter_id"`
	Category          DiagnosticCategory `json:"category"`
	Description       string             `json:"description,omitempty"`
	RequestedAt       time.Time          `json:"requested_at"`
	ReportedAt        *time.Time         `json:"reported_at,omitempty"`
	TurnaroundMinutes int                `json:"turnaround_minutes"`
}

// KPISet is the dashboard header roll-up.
type KPISet struct {
	TotalPatients  int     `json:"total_patients"`
	Waiting        int     `json:"waiting"`
	InTreatment    int     `json:"in_treatment"`
	Admitted       int     `json:"admitted"`
	Critical       int     `json:"critical"`
	AvgWaitMinutes float64 `json:"avg_wait_minutes"`
}

// DepartmentStats is the per-department census roll-up.
type DepartmentStats struct {
	Name           string  `json:"name"`
	Patients       int     `json:"patients"`
	Waiting        int     `json:"waiting"`
	AvgWaitMinutes float64 `json:"avg_wait_minutes"`
}

// AlertSeverity grades a derived alert.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
)

// Alert is a display-level warning derived from a patient summary during a
// load cycle. Alerts carry no clinical authority.
type Alert struct {
	ID        string        `json:"id"`
	PatientID string        `json:"patient_id"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// AdmittedPatient pairs an admitted patient with the minutes they waited for
// a bed.
type AdmittedPatient struct {
	ID             string `json:"id"`
	BedWaitMinutes int    `json:"bed_wait_minutes"`
}

// JourneyStatus classifies the summed journey turnaround against the
// 240-minute target.
type JourneyStatus string

const (
	JourneyOnTarget  JourneyStatus = "on-target"
	JourneyAtRisk    JourneyStatus = "at-risk"
	JourneyOffTarget JourneyStatus = "off-target"
)

// LengthOfStay reports encounter duration statistics in hours.
type LengthOfStay struct {
	AverageHours float64 `json:"average_hours"`
	MedianHours  float64 `json:"median_hours"`
}

// AnalyticsSnapshot holds the derived workflow metrics for one load cycle.
// Turnaround keys are the fixed journey step names.
type AnalyticsSnapshot struct {
	Turnaround            map[string]int    `json:"turnaround"`
	LengthOfStay          LengthOfStay      `json:"length_of_stay"`
	AdmittedPatients      []AdmittedPatient `json:"admitted_patients"`
	JourneyTotalMinutes   int               `json:"journey_total_minutes"`
	JourneyClassification JourneyStatus     `json:"journey_classification"`
}

// DashboardSnapshot is one complete, internally consistent view of the
// dashboard. A new snapshot always replaces the previous one whole; it is
// never patched in place.
type DashboardSnapshot struct {
	KPIs        KPISet             `json:"kpis"`
	Patients    []PatientSummary   `json:"patients"`
	Departments []DepartmentStats  `json:"departments"`
	Alerts      []Alert            `json:"alerts"`
	Analytics   *AnalyticsSnapshot `json:"analytics,omitempty"`
	Source      string             `json:"source"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// TimelineEventKind distinguishes observed clinical events from
// AI-enrichment events.
type TimelineEventKind string

const (
	KindClinical   TimelineEventKind = "clinical"
	KindEnrichment TimelineEventKind = "enrichment"
)

// TimelineEvent is a single entry on a patient's timeline. Confidence is
// only meaningful for enrichment events.
type TimelineEvent struct {
	ID          string            `json:"id"`
	PatientID   string            `json:"patient_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        TimelineEventKind `json:"kind"`
	Description string            `json:"description"`
	Priority    Priority          `json:"priority"`
	Confidence  float64           `json:"confidence,omitempty"`
	Status      string            `json:"status"`
}
