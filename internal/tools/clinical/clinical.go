// Package clinical implements the clinical score tool family (SPEC_FULL.md
// §6, grounded in original_source/src/medster/tools/clinical/scores.py):
// a `clinical_score` tool backed by a small registry of named scoring
// formulas. spec.md §1 scopes formulas themselves out ("specified only at
// the contract level"); this package defines the contract
// (ClinicalScoreInput/Result, SPEC_FULL.md §5) and one worked example,
// qSOFA, plus the extension point (Register) for adding the rest.
package clinical

import (
	"context"
	"fmt"
	"sort"

	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// Result is the ClinicalScoreInput/Result contract (SPEC_FULL.md §5):
// {score, interpretation, inputs_used}.
type Result struct {
	Score          float64        `json:"score"`
	Interpretation string         `json:"interpretation"`
	InputsUsed     map[string]any `json:"inputs_used"`
}

// Formula computes a Result from a feature set extracted by the caller
// (typically the model, via the clinical_score tool's arguments). Formulas
// never read the store themselves; the model is expected to have already
// pulled the relevant observations/conditions via the medical or batch
// tools and passed the derived features in.
type Formula func(features map[string]any) (Result, error)

// registry is the fixed, closed set of named formulas the clinical_score
// tool dispatches to. It is package-level because the set of known clinical
// scores is a property of the domain, not of any one Tool Registry
// instance (mirrors how package sandbox's globals are a fixed whitelist).
var registry = map[string]Formula{
	"qsofa": qSOFA,
}

// Register adds or overrides a named formula. Intended for the
// documented extension point spec.md §1 leaves open: additional scores
// (CHA2DS2-VASc, MELD, ...) register themselves here the same way qSOFA
// does, without changing the clinical_score tool's schema or dispatch.
func Register(name string, f Formula) { registry[name] = f }

// Names returns the currently registered score names, sorted, for
// diagnostics and the tool's enum schema.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tools returns the single clinical_score tool.
func Tools() []tools.Tool {
	return []tools.Tool{scoreTool()}
}

func scoreTool() tools.Tool {
	return tools.Tool{
		Name:        "clinical_score",
		Description: "Compute a named clinical score (e.g. qsofa) from a feature set the caller has already extracted.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"score_name": {Type: "string", Description: "Registered score name, e.g. \"qsofa\".", Enum: Names()},
				"features":   {Type: "object", Description: "Named feature values the formula needs."},
			},
			Required: []string{"score_name", "features"},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["score_name"].(string)
			formula, ok := registry[name]
			if !ok {
				return nil, fmt.Errorf("clinical: unknown score %q (known: %v)", name, Names())
			}
			features, _ := args["features"].(map[string]any)
			if features == nil {
				features = map[string]any{}
			}
			result, err := formula(features)
			if err != nil {
				return nil, err
			}
			return result, nil
		},
	}
}

// qSOFA computes the quick Sequential Organ Failure Assessment score: one
// point each for respiratory rate >= 22/min, altered mentation, and
// systolic blood pressure <= 100 mmHg (SPEC_FULL.md §6). A score >= 2
// flags increased risk of poor outcome from suspected infection.
func qSOFA(features map[string]any) (Result, error) {
	respRate, haveResp := numericFeature(features, "respiratory_rate")
	alteredMentation, _ := features["altered_mentation"].(bool)
	sbp, haveSBP := numericFeature(features, "systolic_bp")
	if !haveResp || !haveSBP {
		return Result{}, fmt.Errorf("clinical: qsofa requires respiratory_rate and systolic_bp features")
	}

	var score float64
	used := map[string]any{
		"respiratory_rate":  respRate,
		"altered_mentation": alteredMentation,
		"systolic_bp":       sbp,
	}
	if respRate >= 22 {
		score++
	}
	if alteredMentation {
		score++
	}
	if sbp <= 100 {
		score++
	}

	interpretation := "low risk"
	if score >= 2 {
		interpretation = "high risk: qSOFA >= 2 is associated with increased risk of in-hospital mortality from suspected infection"
	}
	return Result{Score: score, Interpretation: interpretation, InputsUsed: used}, nil
}

func numericFeature(features map[string]any, key string) (float64, bool) {
	v, ok := features[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
