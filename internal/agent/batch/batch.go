// Package batch implements the Batch Primitives (C8): bounded-concurrency
// fan-out helpers over the record store, consumed as sandbox globals (C9);
// they are not registered as tools (C7).
package batch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sbayer2/medster-agent/internal/store"
)

// Workers is the fixed worker-pool size spec.md §4.8 and §5 specify for
// every batch operation.
const Workers = 8

// LoadPatientsBatch loads ids concurrently with a bounded worker pool,
// preserving id association. A missing id maps to a nil bundle rather than
// being omitted from the result (spec.md §4.8 "missing ids map to empty"),
// and any per-patient load failure is treated identically to a missing id
// (spec.md §4.8 "silently treated as 'no bundle'... keeping batch
// operations total").
func LoadPatientsBatch(ctx context.Context, s store.Store, ids []string) map[string]*store.PatientBundle {
	out := make(map[string]*store.PatientBundle, len(ids))
	var mu sync.Mutex
	forEachBounded(ids, func(id string) {
		bundle, err := s.LoadBundle(ctx, id)
		if err != nil {
			bundle = nil
		}
		mu.Lock()
		out[id] = bundle
		mu.Unlock()
	})
	return out
}

// ResourceAggregate is the shape every batch_* resource-extraction
// operation returns (spec.md §4.8).
type ResourceAggregate struct {
	PatientsAnalyzed   int              `json:"patients_analyzed"`
	PatientsWithMatches int             `json:"patients_with_matches"`
	CountsSortedDesc   []NamedCount     `json:"counts_sorted_desc"`
	PerPatientLists    map[string][]map[string]any `json:"per_patient_lists"`
	NumericStats       *NumericStats    `json:"numeric_stats,omitempty"`
}

// NamedCount is one entry of a descending frequency count, keyed by
// whatever discriminator field the extraction used (a condition code, an
// observation category, ...).
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// NumericStats summarizes a numeric series extracted across all matched
// resources (spec.md §4.8 "numeric stats are {count, min, max, mean, sum}").
type NumericStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Sum   float64 `json:"sum"`
}

// extractor pulls the candidate resource list out of a bundle (Conditions,
// Observations, Medications, or an arbitrary resource type).
type extractor func(*store.PatientBundle) []map[string]any

// textFilter matches a resource when filterText is empty or is found
// case-insensitively in the resource's rendered text fields.
func textFilter(filterText string) func(map[string]any) bool {
	if filterText == "" {
		return func(map[string]any) bool { return true }
	}
	needle := strings.ToLower(filterText)
	return func(res map[string]any) bool {
		return strings.Contains(strings.ToLower(renderText(res)), needle)
	}
}

// renderText flattens every nested string value of a resource (at any depth
// of maps and lists) into one lowercase-searchable string.
func renderText(res map[string]any) string {
	var sb strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			sb.WriteString(t)
			sb.WriteString(" ")
		case map[string]any:
			for _, vv := range t {
				walk(vv)
			}
		case []any:
			for _, vv := range t {
				walk(vv)
			}
		}
	}
	walk(res)
	return sb.String()
}

// aggregate runs extract+filter over the bundles in ids (loaded via
// LoadPatientsBatch), building the per-patient lists, the descending name
// counts, and optional numeric stats.
func aggregate(ctx context.Context, s store.Store, ids []string, extract extractor, filter func(map[string]any) bool, countKey func(map[string]any) string, numericKey func(map[string]any) (float64, bool)) ResourceAggregate {
	bundles := LoadPatientsBatch(ctx, s, ids)

	perPatient := make(map[string][]map[string]any, len(ids))
	counts := map[string]int{}
	var numbers []float64
	matched := 0

	for _, id := range ids {
		bundle := bundles[id]
		if bundle == nil {
			continue
		}
		var matchesForPatient []map[string]any
		for _, res := range extract(bundle) {
			if !filter(res) {
				continue
			}
			matchesForPatient = append(matchesForPatient, res)
			if countKey != nil {
				counts[countKey(res)]++
			}
			if numericKey != nil {
				if v, ok := numericKey(res); ok {
					numbers = append(numbers, v)
				}
			}
		}
		if len(matchesForPatient) > 0 {
			perPatient[id] = matchesForPatient
			matched++
		}
	}

	return ResourceAggregate{
		PatientsAnalyzed:    len(ids),
		PatientsWithMatches: matched,
		CountsSortedDesc:    sortedCounts(counts),
		PerPatientLists:     perPatient,
		NumericStats:        numericStats(numbers),
	}
}

func sortedCounts(counts map[string]int) []NamedCount {
	out := make([]NamedCount, 0, len(counts))
	for name, c := range counts {
		if name == "" {
			continue
		}
		out = append(out, NamedCount{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func numericStats(values []float64) *NumericStats {
	if len(values) == 0 {
		return nil
	}
	stats := NumericStats{Count: len(values), Min: values[0], Max: values[0]}
	for _, v := range values {
		stats.Sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = stats.Sum / float64(len(values))
	return &stats
}

// BatchConditions extracts Condition resources, optionally filtered by
// free text matched against the condition's rendered fields, and counts by
// condition code/text.
func BatchConditions(ctx context.Context, s store.Store, ids []string, filterText string) ResourceAggregate {
	return aggregate(ctx, s, ids, (*store.PatientBundle).Conditions, textFilter(filterText), codeOrTextKey, nil)
}

// BatchObservations extracts Observation resources, optionally filtered by
// category and/or a code free-text filter, with numeric stats over any
// valueQuantity.value fields present.
func BatchObservations(ctx context.Context, s store.Store, ids []string, category, codeFilter string) ResourceAggregate {
	filter := func(res map[string]any) bool {
		if category != "" && !categoryMatches(res, category) {
			return false
		}
		return textFilter(codeFilter)(res)
	}
	return aggregate(ctx, s, ids, (*store.PatientBundle).Observations, filter, codeOrTextKey, observationValue)
}

// BatchMedications extracts MedicationRequest resources, optionally
// filtered by free text.
func BatchMedications(ctx context.Context, s store.Store, ids []string, filterText string) ResourceAggregate {
	return aggregate(ctx, s, ids, (*store.PatientBundle).Medications, textFilter(filterText), codeOrTextKey, nil)
}

// BatchResources extracts an arbitrary resource type by name, optionally
// filtered by free text. Used when no dedicated batch_* helper covers the
// requested resource (spec.md §4.2 "act" role decision tree).
func BatchResources(ctx context.Context, s store.Store, ids []string, resourceType, filterText string) ResourceAggregate {
	extract := func(b *store.PatientBundle) []map[string]any { return b.Resources(resourceType) }
	return aggregate(ctx, s, ids, extract, textFilter(filterText), codeOrTextKey, nil)
}

func codeOrTextKey(res map[string]any) string {
	if code, ok := res["code"].(map[string]any); ok {
		if text, ok := code["text"].(string); ok && text != "" {
			return text
		}
	}
	if rt, ok := res["resourceType"].(string); ok {
		return rt
	}
	return ""
}

func categoryMatches(res map[string]any, category string) bool {
	cats, ok := res["category"].([]any)
	if !ok {
		return false
	}
	needle := strings.ToLower(category)
	for _, c := range cats {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := cm["text"].(string); ok && strings.Contains(strings.ToLower(text), needle) {
			return true
		}
	}
	return false
}

func observationValue(res map[string]any) (float64, bool) {
	vq, ok := res["valueQuantity"].(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := vq["value"].(float64)
	return v, ok
}

// forEachBounded calls fn for each id with at most Workers concurrent
// invocations in flight.
func forEachBounded(ids []string, fn func(id string)) {
	sem := make(chan struct{}, Workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(id)
		}(id)
	}
	wg.Wait()
}
