// Package prompt implements the Prompt Composer (C2): it assembles the
// system-prompt string for each of the six agent roles from a base block, a
// model-specific formatting override, and an optional vision addon.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sbayer2/medster-agent/internal/agent/capability"
	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// Composer assembles system prompts. It holds no session state and is safe
// to share across concurrent sessions (spec.md §5 "Shared resources").
type Composer struct{}

// New constructs a Composer.
func New() *Composer { return &Composer{} }

// Compose returns the system prompt for role, built for a model with the
// given Capability and tool Catalogue, adding the vision addon when
// hasImages is set (spec.md §4.2: "base + model_specific +
// (vision_addon if has_images)").
func (c *Composer) Compose(role llm.Role, cap capability.Capability, catalogue tools.Catalogue, hasImages bool) string {
	var sb strings.Builder
	sb.WriteString(baseBlock(role, catalogue))
	sb.WriteString("\n\n")
	sb.WriteString(modelSpecificBlock(role, cap, catalogue))
	if hasImages && cap.Vision {
		sb.WriteString("\n\n")
		sb.WriteString(visionAddon)
	}
	return sb.String()
}

const visionAddon = `This query may require visual interpretation of medical imagery ` +
	`(radiographs, ECG waveforms, DICOM frames). When a tool returns an image ` +
	`reference rather than image bytes, you may request visual analysis via the ` +
	`designated imaging tool instead of guessing from the reference alone.`

func baseBlock(role llm.Role, catalogue tools.Catalogue) string {
	switch role {
	case llm.RolePlan:
		return fmt.Sprintf(`You are a clinical data assistant breaking a user's question into atomic,
sequential tasks. Emit a structured object of the form:
  {"tasks": [{"id": <int>, "description": <string>, "done": false}, ...]}
The list MAY be empty, which signals "answer directly without using any tool."
Each task must be small enough to be satisfied by a single tool call or a
short sequence of tool calls. Tasks execute in order; do not plan tasks that
depend on information you don't yet have.

%s`, catalogueBlock(catalogue))

	case llm.RoleAct:
		return fmt.Sprintf(`You are selecting exactly one tool call (or none) to make progress on the
current task. Prefer a dedicated tool over generative analysis whenever one
exists for the requested resource type. Fall back to generative/sandboxed
analysis only when:
  - no dedicated tool covers the requested resource type, or
  - the task requires compound AND/OR filtering logic no single tool exposes, or
  - the task requires joining results across more than one resource type.
Respond with a single tool selection and its arguments.

%s`, catalogueBlock(catalogue))

	case llm.RoleTaskDone:
		return `You are validating whether the current task has been satisfied by the tool
output gathered so far. Respond with a structured object:
  {"done": <bool>}
Mark done only when the task's stated goal is clearly satisfied by the
accumulated output; prefer false when in doubt, since the loop will try again.`

	case llm.RoleGoalDone:
		return `You are validating whether the user's overall question has been fully
answered by the accumulated task outputs. Respond with a structured object:
  {"done": <bool>}`

	case llm.RoleOptimizeArgs:
		return `You are rewriting a tool call's initial arguments to fully exploit the
tool's available filtering parameters (date ranges, status filters, resource
codes, pagination limits) so the call returns the smallest sufficient result
set. Respond with a structured object:
  {"arguments": {...}}
Preserve the original intent; only add or tighten filters the schema
supports.`

	case llm.RoleAnswer:
		return `You are producing the final answer to the user's clinical question. Follow
this structured report template exactly:

  Summary: <one or two sentence direct answer>
  Findings: <bulleted clinical findings drawn only from accumulated tool output>
  Caveats: <data limitations, missing records, or ambiguity worth flagging>

Do not introduce facts not present in the accumulated tool output. If the
output is insufficient to answer, say so in Summary rather than guessing.`

	default:
		return ""
	}
}

func catalogueBlock(catalogue tools.Catalogue) string {
	if len(catalogue) == 0 {
		return "No tools are currently available."
	}
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, t := range catalogue {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
		if len(t.Schema.Properties) > 0 {
			if raw, err := json.Marshal(tools.ToJSONSchema(t.Schema)); err == nil {
				sb.WriteString(fmt.Sprintf("  arguments: %s\n", raw))
			}
		}
	}
	return sb.String()
}

// modelSpecificBlock overrides output-format instructions only, never
// semantics (spec.md §4.2): native-tool models get looser directives,
// prompt-JSON models get a strict JSON-only directive and, when the
// capability says they need it, two-shot examples of the protocol.
func modelSpecificBlock(role llm.Role, cap capability.Capability, catalogue tools.Catalogue) string {
	if cap.Strategy == capability.StrategyNative {
		return "Use the provided tool-calling interface directly; you do not need to format a tool call as JSON text."
	}

	var sb strings.Builder
	sb.WriteString(`Output ONLY a single JSON object and nothing else: no prose before or after
it, no markdown fences unless the object itself is fenced in a `)
	sb.WriteString("```json")
	sb.WriteString(` block.`)

	if role == llm.RoleAct && len(catalogue) > 0 {
		sb.WriteString(`
The JSON object must have exactly these keys: {"reasoning": <string>,
"tool_name": <string or null>, "tool_args": <object>}. A null tool_name means
no tool is needed.`)
		if cap.NeedsToolExamples {
			sb.WriteString("\n\n" + toolProtocolExamples(catalogue))
		}
	}
	return sb.String()
}

func toolProtocolExamples(catalogue tools.Catalogue) string {
	first := catalogue[0]
	return fmt.Sprintf(`Example 1:
`+"```json"+`
{"reasoning": "The task needs patient demographics for the cohort.", "tool_name": %q, "tool_args": {}}
`+"```"+`

Example 2:
`+"```json"+`
{"reasoning": "No further tool call is needed; accumulated output already answers the task.", "tool_name": null, "tool_args": {}}
`+"```", string(first.Name))
}
