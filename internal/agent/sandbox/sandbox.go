// Package sandbox implements the Code Sandbox (C9): it parses and runs a
// model-authored analytic script against a fixed, whitelisted set of
// globals, never against the host Go runtime's full capabilities (spec.md
// §4.9, Design Note "Sandbox").
package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/sbayer2/medster-agent/internal/agent/batch"
	"github.com/sbayer2/medster-agent/internal/store"
)

// VisionOracle is the narrow capability injected into the sandbox at
// construction to break the cyclic reference back into the LLM Gateway
// (spec.md Design Note "Cyclic-ish references"): the sandbox never imports
// package llm, it only ever sees this interface.
type VisionOracle interface {
	// AnalyzeImage asks the vision-capable backend to describe or answer a
	// question about the given image. prompt may be empty for a generic
	// description.
	AnalyzeImage(ctx context.Context, pngBase64, prompt string) (string, error)
}

// Result is the structured outcome of Run (spec.md §4.9 "{status,
// result|error, traceback?}").
type Result struct {
	Status     string `json:"status"` // "ok" or "error"
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Traceback  string `json:"traceback,omitempty"`
}

// Sandbox executes analytic scripts against store s, using vision for image
// analysis helpers. log receives progress messages the script emits via
// log_progress; it may be nil.
type Sandbox struct {
	store  store.Store
	vision VisionOracle
	log    func(msg string)
}

// New constructs a Sandbox.
func New(s store.Store, vision VisionOracle, log func(msg string)) *Sandbox {
	if log == nil {
		log = func(string) {}
	}
	return &Sandbox{store: s, vision: vision, log: log}
}

// Run parses source, requires it define a zero-argument `analyze` function,
// executes it with patient_limit patients available via get_patients(), and
// returns a structured Result. Syntax errors, a missing analyze function, and
// runtime errors are all captured here rather than propagated (spec.md
// §4.9 "they never crash the agent loop").
func (s *Sandbox) Run(ctx context.Context, description, source string, patientLimit int) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Status: "error", Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	prog, err := parseProgram(source)
	if err != nil {
		return Result{Status: "error", Error: err.Error()}
	}
	if _, ok := prog.Funcs["analyze"]; !ok {
		return Result{Status: "error", Error: "sandbox: script must define a zero-argument function named 'analyze'"}
	}

	globals := s.globals(ctx, patientLimit)
	it := newInterpreter(prog, globals)
	value, err := it.callFunc("analyze")
	if err != nil {
		return Result{Status: "error", Error: err.Error(), Traceback: fmt.Sprintf("running %q: %s", description, err.Error())}
	}
	return Result{Status: "ok", Result: value}
}

// globals builds the fixed whitelist of sandbox globals (spec.md §4.9):
// batch primitives, resource accessors, filtering/aggregation helpers,
// vision helpers, and log_progress. No I/O or dynamic-import primitive is
// ever exposed.
func (s *Sandbox) globals(ctx context.Context, patientLimit int) map[string]any {
	return map[string]any{
		"get_patients": hostFunc(func(args []any) (any, error) {
			limit := patientLimit
			ids, err := s.store.ListIDs(ctx, limit)
			if err != nil {
				return nil, err
			}
			return toAnySlice(ids), nil
		}),
		"load_patients_batch": hostFunc(func(args []any) (any, error) {
			ids, err := stringList(args, 0)
			if err != nil {
				return nil, err
			}
			bundles := batch.LoadPatientsBatch(ctx, s.store, ids)
			out := make(map[string]any, len(bundles))
			for id, b := range bundles {
				out[id] = bundleToMap(b)
			}
			return out, nil
		}),
		"batch_conditions": hostFunc(func(args []any) (any, error) {
			ids, err := stringList(args, 0)
			if err != nil {
				return nil, err
			}
			filter := stringArgOr(args, 1, "")
			return aggregateToMap(batch.BatchConditions(ctx, s.store, ids, filter)), nil
		}),
		"batch_observations": hostFunc(func(args []any) (any, error) {
			ids, err := stringList(args, 0)
			if err != nil {
				return nil, err
			}
			category := stringArgOr(args, 1, "")
			codeFilter := stringArgOr(args, 2, "")
			return aggregateToMap(batch.BatchObservations(ctx, s.store, ids, category, codeFilter)), nil
		}),
		"batch_medications": hostFunc(func(args []any) (any, error) {
			ids, err := stringList(args, 0)
			if err != nil {
				return nil, err
			}
			filter := stringArgOr(args, 1, "")
			return aggregateToMap(batch.BatchMedications(ctx, s.store, ids, filter)), nil
		}),
		"batch_resources": hostFunc(func(args []any) (any, error) {
			ids, err := stringList(args, 0)
			if err != nil {
				return nil, err
			}
			resourceType := stringArgOr(args, 1, "")
			filter := stringArgOr(args, 2, "")
			return aggregateToMap(batch.BatchResources(ctx, s.store, ids, resourceType, filter)), nil
		}),
		"filter_by_text": hostFunc(func(args []any) (any, error) {
			return filterByText(args)
		}),
		"filter_by_value": hostFunc(func(args []any) (any, error) {
			return filterByValue(args)
		}),
		"count_by_field": hostFunc(func(args []any) (any, error) {
			return countByField(args)
		}),
		"group_by_field": hostFunc(func(args []any) (any, error) {
			return groupByField(args)
		}),
		"aggregate_numeric": hostFunc(func(args []any) (any, error) {
			return aggregateNumeric(args)
		}),
		"load_ecg_base64": hostFunc(func(args []any) (any, error) {
			id, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			raw, err := s.store.LoadECG(ctx, id)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, nil
			}
			return base64.StdEncoding.EncodeToString(raw), nil
		}),
		"list_dicom_paths": hostFunc(func(args []any) (any, error) {
			refs, err := s.store.ListDICOMPaths(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(refs))
			for i, r := range refs {
				out[i] = map[string]any{"path": r.Path, "patient_id_hint": r.PatientIDHint}
			}
			return out, nil
		}),
		"analyze_image": hostFunc(func(args []any) (any, error) {
			if s.vision == nil {
				return nil, fmt.Errorf("sandbox: no vision oracle configured")
			}
			pngBase64, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			prompt := stringArgOr(args, 1, "")
			return s.vision.AnalyzeImage(ctx, pngBase64, prompt)
		}),
		"log_progress": hostFunc(func(args []any) (any, error) {
			if len(args) > 0 {
				if msg, ok := args[0].(string); ok {
					s.log(msg)
				}
			}
			return nil, nil
		}),
	}
}

func bundleToMap(b *store.PatientBundle) any {
	if b == nil {
		return nil
	}
	entries := make([]any, len(b.Entries))
	for i, e := range b.Entries {
		entries[i] = map[string]any{"resourceType": e.ResourceType, "resource": e.Resource}
	}
	return map[string]any{"id": b.ID, "resourceType": b.ResourceType, "entries": entries}
}

func aggregateToMap(a batch.ResourceAggregate) map[string]any {
	counts := make([]any, len(a.CountsSortedDesc))
	for i, c := range a.CountsSortedDesc {
		counts[i] = map[string]any{"name": c.Name, "count": float64(c.Count)}
	}
	perPatient := make(map[string]any, len(a.PerPatientLists))
	for id, list := range a.PerPatientLists {
		items := make([]any, len(list))
		for i, m := range list {
			items[i] = m
		}
		perPatient[id] = items
	}
	out := map[string]any{
		"patients_analyzed":    float64(a.PatientsAnalyzed),
		"patients_with_matches": float64(a.PatientsWithMatches),
		"counts_sorted_desc":   counts,
		"per_patient_lists":    perPatient,
	}
	if a.NumericStats != nil {
		out["numeric_stats"] = map[string]any{
			"count": float64(a.NumericStats.Count),
			"min":   a.NumericStats.Min,
			"max":   a.NumericStats.Max,
			"mean":  a.NumericStats.Mean,
			"sum":   a.NumericStats.Sum,
		}
	}
	return out
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("sandbox: missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("sandbox: argument %d must be a string, got %T", i, args[i])
	}
	return s, nil
}

func stringArgOr(args []any, i int, def string) string {
	if i >= len(args) {
		return def
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return def
}

func stringList(args []any, i int) ([]string, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("sandbox: missing argument %d", i)
	}
	list, ok := args[i].([]any)
	if !ok {
		return nil, fmt.Errorf("sandbox: argument %d must be a list, got %T", i, args[i])
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("sandbox: argument %d must be a list of strings", i)
		}
		out = append(out, s)
	}
	return out, nil
}

// filterByText keeps every element of a list of maps whose field value
// contains needle case-insensitively.
func filterByText(args []any) (any, error) {
	items, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sandbox: filter_by_text: first argument must be a list")
	}
	field, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	needle, err := stringArg(args, 2)
	if err != nil {
		return nil, err
	}
	needle = strings.ToLower(needle)

	var out []any
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := m[field].(string); ok && strings.Contains(strings.ToLower(s), needle) {
			out = append(out, it)
		}
	}
	return out, nil
}

// filterByValue keeps every element of a list of maps whose field equals
// value exactly.
func filterByValue(args []any) (any, error) {
	items, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sandbox: filter_by_value: first argument must be a list")
	}
	field, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	if len(args) < 3 {
		return nil, fmt.Errorf("sandbox: filter_by_value: missing value argument")
	}
	value := args[2]

	var out []any
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if deepEqual(m[field], value) {
			out = append(out, it)
		}
	}
	return out, nil
}

// countByField counts list elements by the string value of field, returning
// a map<field value, count>.
func countByField(args []any) (any, error) {
	items, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sandbox: count_by_field: first argument must be a list")
	}
	field, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	counts := map[string]float64{}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := m[field].(string); ok {
			counts[s]++
		}
	}
	out := make(map[string]any, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}

// groupByField partitions list elements into a map<field value, []element>.
func groupByField(args []any) (any, error) {
	items, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sandbox: group_by_field: first argument must be a list")
	}
	field, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	groups := map[string][]any{}
	var order []string
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		key, _ := m[field].(string)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}
	sort.Strings(order)
	out := make(map[string]any, len(groups))
	for k, v := range groups {
		out[k] = v
	}
	return out, nil
}

// aggregateNumeric extracts field from every element and returns
// {count, min, max, mean, sum}, matching the Batch Primitives' NumericStats
// shape.
func aggregateNumeric(args []any) (any, error) {
	items, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sandbox: aggregate_numeric: first argument must be a list")
	}
	field, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	var values []float64
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := m[field].(float64); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	stats := map[string]any{"count": float64(len(values)), "min": values[0], "max": values[0]}
	sum := 0.0
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	stats["min"] = min
	stats["max"] = max
	stats["sum"] = sum
	stats["mean"] = sum / float64(len(values))
	return stats, nil
}
