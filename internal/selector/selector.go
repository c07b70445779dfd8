// Package selector implements the Candidate Selector (spec.md §4.D) as a
// pure function over a registry snapshot, so it can be property-tested
// without any registry or network dependency.
package selector

import (
	"sort"

	"github.com/ollamafleet/gateway/internal/registry"
)

// Select filters nodes to those online and advertising model, then sorts
// ascending by (active_jobs − 0.1·priority, cpu_load, failure_count) and
// returns their ids in that order. The priority bias never skips the load
// gate: it only breaks ties within an otherwise-comparable ordering, since
// the primary sort key already embeds it.
func Select(nodes []registry.NodeState, model string, priority int) []string {
	type scored struct {
		id    string
		bias  float64
		cpu   float64
		fails int
	}

	candidates := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != registry.StatusOnline {
			continue
		}
		if !n.AdvertisesModel(model) {
			continue
		}
		candidates = append(candidates, scored{
			id:    n.NodeID,
			bias:  float64(n.ActiveJobs) - 0.1*float64(priority),
			cpu:   n.CPULoad(),
			fails: n.FailureCount,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.bias != b.bias {
			return a.bias < b.bias
		}
		if a.cpu != b.cpu {
			return a.cpu < b.cpu
		}
		return a.fails < b.fails
	})

	out := make([]string, len(candidates))
	for idx, c := range candidates {
		out[idx] = c.id
	}
	return out
}
