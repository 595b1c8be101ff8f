// Package parser implements the Tool Call Parser (C4): it extracts a
// {tool_name, tool_args, reasoning} record from free-form model text when
// the model speaks the prompt-JSON protocol instead of native function
// calling.
package parser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// toolCallNamespace is the fixed namespace UUIDv5 synthetic tool-call ids
// are derived from (SPEC_FULL.md §3: "a UUIDv5 over the tool name + step
// index").
var toolCallNamespace = uuid.MustParse("9b1f5e9e-6c2b-4e7a-9f4e-5a2e4b7c6d1a")

// Parsed is the recovered tool call, or the signal that no tool call was
// present. ToolName == "" with Found == true and NoTool == true means "the
// task is complete without further tool use" (spec.md §4.4).
type Parsed struct {
	Found      bool
	NoTool     bool
	ToolName   string
	ToolArgs   map[string]any
	Reasoning  string
	ToolCallID string
}

// Parse runs the three-step ordered extraction spec.md §4.4 describes:
// a fenced ```json block, then any fenced block, then the first balanced
// {...} substring. The first step that yields an object containing a
// tool_name key wins. stepIndex is the current task step, folded into the
// synthetic call id so a repeated identical call at a later step still gets
// a distinct id.
func Parse(text string, stepIndex int) Parsed {
	for _, candidate := range candidates(text) {
		if p, ok := tryParse(candidate, stepIndex); ok {
			return p
		}
	}
	return Parsed{Found: false}
}

// ExtractJSONObject recovers any top-level JSON object embedded in text,
// trying the same ordered candidates as Parse (fenced ```json block, any
// fenced block, first balanced {...}) but without requiring a tool_name
// key. Used to decode plan/validator/answer replies from models that don't
// support native structured output.
func ExtractJSONObject(text string) (map[string]any, bool) {
	for _, candidate := range candidates(text) {
		var raw map[string]any
		if err := json.Unmarshal([]byte(candidate), &raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}

// candidates yields, in priority order, the substrings Parse should attempt
// to json.Unmarshal.
func candidates(text string) []string {
	var out []string
	if block, ok := fencedBlock(text, "json"); ok {
		out = append(out, block)
	}
	if block, ok := fencedBlock(text, ""); ok {
		out = append(out, block)
	}
	if obj, ok := firstBalancedObject(text); ok {
		out = append(out, obj)
	}
	return out
}

func tryParse(candidate string, stepIndex int) (Parsed, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return Parsed{}, false
	}
	rawName, hasKey := raw["tool_name"]
	if !hasKey {
		return Parsed{}, false
	}

	reasoning, _ := raw["reasoning"].(string)
	args, _ := raw["tool_args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	if rawName == nil {
		return Parsed{Found: true, NoTool: true, Reasoning: reasoning, ToolArgs: args}, true
	}
	name, ok := rawName.(string)
	if !ok {
		return Parsed{}, false
	}
	return Parsed{
		Found:      true,
		NoTool:     false,
		ToolName:   name,
		ToolArgs:   args,
		Reasoning:  reasoning,
		ToolCallID: syntheticCallID(name, stepIndex),
	}, true
}

// fencedBlock extracts the first ``` or ```lang fenced code block. When lang
// is non-empty only a block whose opening fence names that language
// matches.
func fencedBlock(text, lang string) (string, bool) {
	const fence = "```"
	start := 0
	for {
		open := strings.Index(text[start:], fence)
		if open == -1 {
			return "", false
		}
		open += start
		afterFence := open + len(fence)
		lineEnd := strings.IndexByte(text[afterFence:], '\n')
		if lineEnd == -1 {
			return "", false
		}
		tag := strings.TrimSpace(text[afterFence : afterFence+lineEnd])
		bodyStart := afterFence + lineEnd + 1
		close := strings.Index(text[bodyStart:], fence)
		if close == -1 {
			return "", false
		}
		body := text[bodyStart : bodyStart+close]
		if lang == "" || strings.EqualFold(tag, lang) {
			return strings.TrimSpace(body), true
		}
		start = bodyStart + close + len(fence)
	}
}

// firstBalancedObject scans for the first top-level {...} substring with
// balanced braces, ignoring braces embedded in string literals.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// syntheticCallID mints a deterministic UUIDv5 call id from the tool name
// and step index so downstream protocols that expect a stable id (e.g.
// correlating ToolCallUpdated events) get one even though prompt-JSON tool
// calls have no native id (spec.md §4.4).
func syntheticCallID(toolName string, stepIndex int) string {
	name := toolName + "#" + strconv.Itoa(stepIndex)
	return uuid.NewSHA1(toolCallNamespace, []byte(name)).String()
}
