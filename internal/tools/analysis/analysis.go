// Package analysis implements the vision analyzer tool (SPEC_FULL.md §6,
// grounded in original_source/src/medster/tools/analysis/vision_analyzer.py):
// a GatewayOracle that backs the sandbox's vision helpers (spec.md §4.9,
// Design Note "Cyclic-ish references") over a real vision-capable LLM
// Gateway backend, plus a directly-dispatchable analyze_image tool for the
// same capability outside the sandbox.
package analysis

import (
	"context"
	"fmt"

	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/sandbox"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// GatewayOracle implements sandbox.VisionOracle over an llm.Gateway,
// fulfilling the cyclic-reference break spec.md's Design Note prescribes:
// the sandbox only ever sees the narrow VisionOracle interface, never
// package llm itself.
type GatewayOracle struct {
	gateway   *llm.Gateway
	modelName string
}

// NewGatewayOracle constructs a GatewayOracle that issues every
// AnalyzeImage call against modelName, which must name a capability entry
// with Vision == true.
func NewGatewayOracle(gateway *llm.Gateway, modelName string) *GatewayOracle {
	return &GatewayOracle{gateway: gateway, modelName: modelName}
}

var _ sandbox.VisionOracle = (*GatewayOracle)(nil)

// AnalyzeImage asks the configured vision-capable model to describe or
// answer a question about pngBase64. An empty prompt requests a generic
// clinical description, matching the sandbox's default analyze_image
// usage (spec.md §4.9).
func (o *GatewayOracle) AnalyzeImage(ctx context.Context, pngBase64, prompt string) (string, error) {
	if prompt == "" {
		prompt = "Describe any clinically relevant findings visible in this image."
	}
	req := llm.Request{
		ModelName: o.modelName,
		Role:      llm.RoleAct,
		Messages: []llm.Message{
			{
				Role: "user",
				Parts: []llm.Part{
					llm.TextPart{Text: prompt},
					llm.ImagePart{MediaType: "image/png", Base64: pngBase64},
				},
			},
		},
	}
	outcome := o.gateway.Call(ctx, req)
	if !outcome.IsOK() {
		return "", fmt.Errorf("analysis: vision call failed: %w", outcome.Err())
	}
	resp := outcome.Response()
	if resp.Content == "" {
		return "", fmt.Errorf("analysis: vision backend returned empty content")
	}
	return resp.Content, nil
}

// Tools returns the analyze_image tool, a direct (non-sandbox) entry point
// to the same vision capability for tasks that just need one image
// described without writing a sandbox script.
func Tools(oracle *GatewayOracle) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "analyze_image",
			Description: "Ask the vision-capable model to describe or answer a question about a base64-encoded PNG image (e.g. an ECG waveform render).",
			Schema: tools.Schema{
				Properties: map[string]tools.Property{
					"png_base64": {Type: "string", Description: "Base64-encoded PNG image data."},
					"prompt":     {Type: "string", Description: "Optional question to ask about the image; defaults to a general clinical description."},
				},
				Required: []string{"png_base64"},
			},
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				pngBase64, _ := args["png_base64"].(string)
				if pngBase64 == "" {
					return nil, fmt.Errorf("analysis: png_base64 is required")
				}
				prompt, _ := args["prompt"].(string)
				text, err := oracle.AnalyzeImage(ctx, pngBase64, prompt)
				if err != nil {
					return nil, err
				}
				return map[string]any{"description": text}, nil
			},
		},
	}
}

// SandboxTools returns the run_code tool, the registry-level entry point to
// the Code Sandbox (C9): a model-authored `analyze()` script run against sb's
// fixed global whitelist. Grounded in
// original_source/src/medster/tools/analysis/code_generator.py's
// `generate_and_run_analysis`, which this tool replaces structurally (the
// sandbox itself, package sandbox, does the restricted execution; this is
// just its Tool Registry binding, spec.md §4.9/§4.7).
func SandboxTools(sb *sandbox.Sandbox) []tools.Tool {
	return []tools.Tool{
		{
			Name: "run_code",
			Description: "Generate and execute custom analysis code against the patient corpus and vision primitives. " +
				"The code must define a zero-argument function named 'analyze' returning a serializable result. " +
				"Use this when no existing tool covers the needed analysis pattern.",
			Schema: tools.Schema{
				Properties: map[string]tools.Property{
					"description":   {Type: "string", Description: "Short human-readable description of what the analysis computes."},
					"source":        {Type: "string", Description: "The analysis source code, defining analyze()."},
					"patient_limit": {Type: "integer", Description: "Maximum number of patients get_patients() returns by default inside the script."},
				},
				Required: []string{"description", "source"},
			},
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				description, _ := args["description"].(string)
				source, _ := args["source"].(string)
				if source == "" {
					return nil, fmt.Errorf("analysis: source is required")
				}
				limit := 50
				if v, ok := args["patient_limit"].(float64); ok {
					limit = int(v)
				}
				return sb.Run(ctx, description, source, limit), nil
			},
		},
	}
}
