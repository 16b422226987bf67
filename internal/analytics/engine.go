// Package analytics derives workflow metrics from normalized encounter and
// diagnostic data: turnaround times per journey step, length-of-stay
// statistics, admission bed waits, and a journey-time classification against
// the 240-minute door-to-decision target.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/clinsync/dashboard/internal/model"
)

// Journey step names, in patient-flow order. These are the fixed keys of
// AnalyticsSnapshot.Turnaround.
const (
	StepRegistration = "registration"
	StepTriage       = "triage"
	StepLab          = "lab"
	StepImaging      = "imaging"
	StepTreatment    = "treatment"
)

// JourneySteps is the ordered journey-step list.
var JourneySteps = []string{StepRegistration, StepTriage, StepLab, StepImaging, StepTreatment}

// Journey classification boundaries, minutes. Both are inclusive on the
// lower side of their band.
const (
	JourneyTargetMinutes = 240
	JourneyRiskMinutes   = 300
)

// Defaults reported for a step when no valid samples exist. Reporting zero
// would read as "instant", which is worse than an honest baseline.
var defaultStepMinutes = map[string]int{
	StepRegistration: 10,
	StepTriage:       15,
	StepLab:          45,
	StepImaging:      90,
	StepTreatment:    60,
}

// Engine computes analytics snapshots. The zero value is not usable; use
// NewEngine.
type Engine struct {
	stepDefaults map[string]int
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithStepDefault overrides the fallback turnaround for one journey step.
func WithStepDefault(step string, minutes int) Option {
	return func(e *Engine) {
		e.stepDefaults[step] = minutes
	}
}

// WithClock injects the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an analytics engine with the standard step defaults.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		stepDefaults: make(map[string]int, len(defaultStepMinutes)),
		now:          time.Now,
	}
	for step, minutes := range defaultStepMinutes {
		e.stepDefaults[step] = minutes
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ComputeAnalytics derives the full analytics snapshot from normalized
// encounters and diagnostic events.
func (e *Engine) ComputeAnalytics(encounters []model.EncounterRecord, events []model.DiagnosticEvent) model.AnalyticsSnapshot {
	now := e.now()

	turnaround := make(map[string]int, len(JourneySteps))
	for _, step := range JourneySteps {
		turnaround[step] = e.stepDefaults[step]
	}
	if lab, ok := meanTurnaround(events, model.CategoryLab); ok {
		turnaround[StepLab] = lab
	}
	if imaging, ok := meanTurnaround(events, model.CategoryImaging); ok {
		turnaround[StepImaging] = imaging
	}

	total := 0
	for _, step := range JourneySteps {
		total += turnaround[step]
	}

	return model.AnalyticsSnapshot{
		Turnaround:            turnaround,
		LengthOfStay:          lengthOfStay(encounters, now),
		AdmittedPatients:      admittedPatients(encounters, now),
		JourneyTotalMinutes:   total,
		JourneyClassification: ClassifyJourney(total),
	}
}

// ClassifyJourney places a summed journey turnaround into one of three
// bands. Exactly 240 minutes is on target, exactly 300 is at risk.
func ClassifyJourney(totalMinutes int) model.JourneyStatus {
	switch {
	case totalMinutes <= JourneyTargetMinutes:
		return model.JourneyOnTarget
	case totalMinutes <= JourneyRiskMinutes:
		return model.JourneyAtRisk
	default:
		return model.JourneyOffTarget
	}
}

// meanTurnaround averages the valid turnaround samples for one category.
// A sample is valid when both timestamps were present and the duration is
// non-negative; the mean is floored at 1 minute. ok is false when the
// category has no valid samples.
func meanTurnaround(events []model.DiagnosticEvent, category model.DiagnosticCategory) (int, bool) {
	sum, n := 0, 0
	for _, ev := range events {
		if ev.Category != category || ev.ReportedAt == nil || ev.RequestedAt.IsZero() {
			continue
		}
		minutes := int(ev.ReportedAt.Sub(ev.RequestedAt).Minutes())
		if minutes < 0 {
			continue
		}
		sum += minutes
		n++
	}
	if n == 0 {
		return 0, false
	}
	mean := sum / n
	if mean < 1 {
		mean = 1
	}
	return mean, true
}

// lengthOfStay reports stay duration over all encounters, open encounters
// running to now, in hours rounded to one decimal.
func lengthOfStay(encounters []model.EncounterRecord, now time.Time) model.LengthOfStay {
	var minutes []float64
	for _, enc := range encounters {
		if enc.StartTime.IsZero() {
			continue
		}
		end := now
		if enc.EndTime != nil {
			end = *enc.EndTime
		}
		m := end.Sub(enc.StartTime).Minutes()
		if m < 0 {
			m = 0
		}
		minutes = append(minutes, m)
	}
	if len(minutes) == 0 {
		return model.LengthOfStay{}
	}

	sort.Float64s(minutes)
	sum := 0.0
	for _, m := range minutes {
		sum += m
	}
	mean := sum / float64(len(minutes))

	var median float64
	mid := len(minutes) / 2
	if len(minutes)%2 == 1 {
		median = minutes[mid]
	} else {
		median = (minutes[mid-1] + minutes[mid]) / 2
	}

	return model.LengthOfStay{
		AverageHours: roundHours(mean),
		MedianHours:  roundHours(median),
	}
}

// admittedPatients lists ongoing inpatient encounters with the minutes the
// patient has waited since admission started, ordered by wait descending.
func admittedPatients(encounters []model.EncounterRecord, now time.Time) []model.AdmittedPatient {
	var out []model.AdmittedPatient
	for _, enc := range encounters {
		if enc.EndTime != nil || enc.StartTime.IsZero() {
			continue
		}
		if enc.Class != "IMP" && enc.Class != "ACUTE" && enc.Class != "NONAC" {
			continue
		}
		wait := int(now.Sub(enc.StartTime).Minutes())
		if wait < 0 {
			wait = 0
		}
		out = append(out, model.AdmittedPatient{ID: enc.PatientID, BedWaitMinutes: wait})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BedWaitMinutes != out[j].BedWaitMinutes {
			return out[i].BedWaitMinutes > out[j].BedWaitMinutes
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func roundHours(minutes float64) float64 {
	return math.Round(minutes/60*10) / 10
}
