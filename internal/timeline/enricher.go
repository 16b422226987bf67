// Package timeline merges a patient's observed clinical timeline with
// supplementary events produced by the external narrative-generation
// collaborator. The enricher only imposes the shared event shape and sort
// order; it never invents clinical content, and a collaborator failure
// degrades to an un-enriched timeline.
package timeline

import (
	"sort"

	"github.com/clinsync/dashboard/internal/model"
)

// Merge combines clinical and enrichment events into one sequence sorted
// descending by timestamp. The sort is stable for equal timestamps, with
// clinical events ordered before enrichment events on ties.
func Merge(clinical, enrichment []model.TimelineEvent) []model.TimelineEvent {
	merged := make([]model.TimelineEvent, 0, len(clinical)+len(enrichment))
	for _, ev := range clinical {
		ev.Kind = model.KindClinical
		merged = append(merged, ev)
	}
	for _, ev := range enrichment {
		ev.Kind = model.KindEnrichment
		merged = append(merged, ev)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}
