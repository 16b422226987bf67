// Package source provides the two interchangeable backends the sync layer
// reads from: a live FHIR REST server and an embedded mock fixture set. Both
// return raw resource payloads in the same envelope so the adapter never
// knows which one was active.
package source

import (
	"context"
	"encoding/json"
)

// Source names reported in snapshots and sync status.
const (
	NameRemote = "remote"
	NameMock   = "mock"
)

// Params carries FHIR search query parameters.
type Params map[string]string

// Standard FHIR query parameter names used by the sync layer.
const (
	ParamCount     = "_count"
	ParamSort      = "_sort"
	ParamPatient   = "patient"
	ParamEncounter = "encounter"
	ParamCategory  = "category"
	ParamClass     = "class"
)

// Client is the capability surface shared by both backends.
//
// Failures never propagate: a client that cannot reach its backend logs the
// cause and returns an empty result (or nil resource). The coordinator reads
// emptiness as a cue to evaluate fallback, not as a hard error.
type Client interface {
	// Name identifies the backend ("remote" or "mock").
	Name() string

	// TestConnection reports whether the backend is reachable.
	TestConnection(ctx context.Context) bool

	// Search returns the raw resources matching the query, empty on failure.
	Search(ctx context.Context, resourceType string, params Params) []json.RawMessage

	// GetResource returns a single raw resource by id, nil when absent.
	GetResource(ctx context.Context, resourceType, id string) json.RawMessage
}
