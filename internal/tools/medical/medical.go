// Package medical implements the single-patient record-store tools: direct
// lookups against one patient's bundle, as opposed to the cross-patient
// fan-out the batch primitives (C8) provide. Grounded in
// original_source/src/medster/tools/medical/api.py, which exposes the same
// lookups as thin wrappers over the FHIR-ish bundle shapes (SPEC_FULL.md §5).
package medical

import (
	"context"
	"fmt"
	"strings"

	"github.com/sbayer2/medster-agent/internal/agent/tools"
	"github.com/sbayer2/medster-agent/internal/store"
)

// Tools returns the registered set of single-patient tools backed by s:
// list_patients, get_patient_conditions, get_patient_observations,
// get_patient_medications, get_patient_resources.
func Tools(s store.Store) []tools.Tool {
	return []tools.Tool{
		listPatients(s),
		getConditions(s),
		getObservations(s),
		getMedications(s),
		getResources(s),
	}
}

func listPatients(s store.Store) tools.Tool {
	return tools.Tool{
		Name:        "list_patients",
		Description: "List known patient ids, optionally capped to a limit.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"limit": {Type: "integer", Description: "Maximum number of ids to return; 0 or omitted means no cap."},
			},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			limit := intArg(args, "limit", 0)
			ids, err := s.ListIDs(ctx, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"patient_ids": ids, "count": len(ids)}, nil
		},
	}
}

func getConditions(s store.Store) tools.Tool {
	return tools.Tool{
		Name:        "get_patient_conditions",
		Description: "Return one patient's Condition resources, optionally filtered by free text.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"patient_id":  {Type: "string", Description: "Patient id."},
				"filter_text": {Type: "string", Description: "Optional case-insensitive text filter."},
			},
			Required: []string{"patient_id"},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return loadAndFilter(ctx, s, args, (*store.PatientBundle).Conditions)
		},
	}
}

func getObservations(s store.Store) tools.Tool {
	return tools.Tool{
		Name:        "get_patient_observations",
		Description: "Return one patient's Observation resources, optionally filtered by free text.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"patient_id":  {Type: "string", Description: "Patient id."},
				"filter_text": {Type: "string", Description: "Optional case-insensitive text filter."},
			},
			Required: []string{"patient_id"},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return loadAndFilter(ctx, s, args, (*store.PatientBundle).Observations)
		},
	}
}

func getMedications(s store.Store) tools.Tool {
	return tools.Tool{
		Name:        "get_patient_medications",
		Description: "Return one patient's MedicationRequest resources, optionally filtered by free text.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"patient_id":  {Type: "string", Description: "Patient id."},
				"filter_text": {Type: "string", Description: "Optional case-insensitive text filter."},
			},
			Required: []string{"patient_id"},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return loadAndFilter(ctx, s, args, (*store.PatientBundle).Medications)
		},
	}
}

func getResources(s store.Store) tools.Tool {
	return tools.Tool{
		Name:        "get_patient_resources",
		Description: "Return one patient's resources of an arbitrary FHIR-ish resourceType, optionally filtered by free text.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"patient_id":    {Type: "string", Description: "Patient id."},
				"resource_type": {Type: "string", Description: "Resource type, e.g. \"Patient\" or \"Encounter\"."},
				"filter_text":   {Type: "string", Description: "Optional case-insensitive text filter."},
			},
			Required: []string{"patient_id", "resource_type"},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			resourceType, _ := args["resource_type"].(string)
			if resourceType == "" {
				return nil, fmt.Errorf("medical: resource_type is required")
			}
			extract := func(b *store.PatientBundle) []map[string]any { return b.Resources(resourceType) }
			return loadAndFilter(ctx, s, args, extract)
		},
	}
}

// loadAndFilter loads the named patient's bundle, extracts the requested
// resource list, and applies args["filter_text"] case-insensitively against
// each resource's rendered text (same semantics as the batch primitives'
// single-patient case, spec.md §4.8).
func loadAndFilter(ctx context.Context, s store.Store, args map[string]any, extract func(*store.PatientBundle) []map[string]any) (any, error) {
	id, _ := args["patient_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("medical: patient_id is required")
	}
	bundle, err := s.LoadBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return map[string]any{"patient_id": id, "found": false, "resources": []any{}}, nil
	}

	filterText, _ := args["filter_text"].(string)
	matches := filterResources(extract(bundle), filterText)
	return map[string]any{"patient_id": id, "found": true, "resources": matches, "count": len(matches)}, nil
}

func filterResources(resources []map[string]any, filterText string) []map[string]any {
	if filterText == "" {
		return resources
	}
	needle := strings.ToLower(filterText)
	var out []map[string]any
	for _, r := range resources {
		if strings.Contains(strings.ToLower(renderText(r)), needle) {
			out = append(out, r)
		}
	}
	return out
}

// renderText flattens a resource's nested string fields into one
// lowercase-searchable string, mirroring package batch's rendering so
// single-patient and cross-patient text filters agree on semantics.
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

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
