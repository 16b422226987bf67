package source

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinsync/dashboard/internal/fhir"
)

//go:embed fixtures/*.json
var fixtureFS embed.FS

// dashboardFixture is the shape of fixtures/dashboard.json.
type dashboardFixture struct {
	Patients     []json.RawMessage `json:"patients"`
	Observations []json.RawMessage `json:"observations"`
}

// analyticsFixture is the shape of fixtures/analytics.json.
type analyticsFixture struct {
	Encounters        []json.RawMessage `json:"encounters"`
	DiagnosticReports []json.RawMessage `json:"diagnosticReports"`
}

// encounterFixture is the shape of fixtures/encounters_NNN.json.
type encounterFixture struct {
	Encounters []json.RawMessage `json:"encounters"`
}

// MockClient serves the embedded fixture documents, reshaped into the same
// envelope the remote client returns. It is always reachable.
type MockClient struct {
	logger       zerolog.Logger
	patients     []json.RawMessage
	observations []json.RawMessage
	encounters   []json.RawMessage
	reports      []json.RawMessage
	// per-patient encounter documents keyed by zero-padded id suffix
	patientEncounters map[string][]json.RawMessage
}

// NewMockClient loads the embedded fixtures. Loading only fails when the
// embedded documents themselves are malformed, which is a build defect.
func NewMockClient(logger zerolog.Logger) (*MockClient, error) {
	c := &MockClient{
		logger:            logger.With().Str("component", "source").Str("source", NameMock).Logger(),
		patientEncounters: make(map[string][]json.RawMessage),
	}

	var dash dashboardFixture
	if err := loadFixture("fixtures/dashboard.json", &dash); err != nil {
		return nil, err
	}
	c.patients = dash.Patients
	c.observations = dash.Observations

	var ana analyticsFixture
	if err := loadFixture("fixtures/analytics.json", &ana); err != nil {
		return nil, err
	}
	c.encounters = ana.Encounters
	c.reports = ana.DiagnosticReports

	entries, err := fixtureFS.ReadDir("fixtures")
	if err != nil {
		return nil, fmt.Errorf("read fixtures dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "encounters_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, "encounters_"), ".json")
		var doc encounterFixture
		if err := loadFixture("fixtures/"+name, &doc); err != nil {
			return nil, err
		}
		c.patientEncounters[key] = doc.Encounters
	}

	return c, nil
}

func loadFixture(path string, dst any) error {
	data, err := fixtureFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return nil
}

func (c *MockClient) Name() string { return NameMock }

// TestConnection always succeeds; the fixtures are compiled in.
func (c *MockClient) TestConnection(context.Context) bool { return true }

// Search filters the fixture documents by the same parameters the remote
// surface recognizes. Unknown resource types yield an empty result.
func (c *MockClient) Search(_ context.Context, resourceType string, params Params) []json.RawMessage {
	switch resourceType {
	case fhir.TypePatient:
		return c.patients
	case fhir.TypeObservation:
		return filterBySubject(c.observations, params[ParamPatient])
	case fhir.TypeEncounter:
		if patientID := params[ParamPatient]; patientID != "" {
			if encs, ok := c.patientEncounters[PatientFixtureKey(patientID)]; ok {
				return encs
			}
			return filterBySubject(c.encounters, patientID)
		}
		return c.encounters
	case fhir.TypeDiagnosticReport:
		if encounterID := params[ParamEncounter]; encounterID != "" {
			return filterByEncounter(c.reports, encounterID)
		}
		return c.reports
	default:
		c.logger.Debug().Str("resource_type", resourceType).Msg("unrecognized resource type")
		return nil
	}
}

// GetResource scans the fixture set for a resource by id.
func (c *MockClient) GetResource(_ context.Context, resourceType, id string) json.RawMessage {
	var pool []json.RawMessage
	switch resourceType {
	case fhir.TypePatient:
		pool = c.patients
	case fhir.TypeObservation:
		pool = c.observations
	case fhir.TypeEncounter:
		pool = c.encounters
		for _, encs := range c.patientEncounters {
			pool = append(pool, encs...)
		}
	case fhir.TypeDiagnosticReport:
		pool = c.reports
	}
	for _, raw := range pool {
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.ID == id {
			return raw
		}
	}
	return nil
}

// PatientFixtureKey derives the zero-padded numeric suffix that keys the
// per-patient encounter fixture documents, e.g. "pat-17" -> "017".
func PatientFixtureKey(patientID string) string {
	i := len(patientID)
	for i > 0 && patientID[i-1] >= '0' && patientID[i-1] <= '9' {
		i--
	}
	digits := patientID[i:]
	if digits == "" {
		return patientID
	}
	for len(digits) < 3 {
		digits = "0" + digits
	}
	return digits
}

func filterBySubject(resources []json.RawMessage, patientID string) []json.RawMessage {
	if patientID == "" {
		return resources
	}
	var out []json.RawMessage
	for _, raw := range resources {
		var probe struct {
			Subject *fhir.Reference `json:"subject"`
		}
		if json.Unmarshal(raw, &probe) != nil || probe.Subject == nil {
			continue
		}
		if fhir.ReferenceID(probe.Subject.Reference) == patientID {
			out = append(out, raw)
		}
	}
	return out
}

func filterByEncounter(resources []json.RawMessage, encounterID string) []json.RawMessage {
	var out []json.RawMessage
	for _, raw := range resources {
		var probe struct {
			Encounter *fhir.Reference `json:"encounter"`
		}
		if json.Unmarshal(raw, &probe) != nil || probe.Encounter == nil {
			continue
		}
		if fhir.ReferenceID(probe.Encounter.Reference) == encounterID {
			out = append(out, raw)
		}
	}
	return out
}
