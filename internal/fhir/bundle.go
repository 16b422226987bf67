package fhir

import (
	"encoding/json"
	"time"
)

// Bundle is the FHIR search-set envelope returned by the remote server.
// Only the entry resources are consumed; the envelope metadata is decoded
// and dropped.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// Resources returns the raw resource payloads of every entry, skipping
// entries with no resource body.
func (b *Bundle) Resources() []json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}
