package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a jsonschema.Schema compiled from a Schema
// declaration, used to validate ToolCall.Args before dispatch (spec.md
// §4.7 step 1, §3 "validated against the named tool's schema before
// dispatch").
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compile renders s as a JSON Schema document and compiles it with
// santhosh-tekuri/jsonschema/v6. Compilation failures are a registration-time
// programmer error (a malformed Tool.Schema), not a runtime condition, so
// they are returned rather than panicked, and registration fails loudly.
func compile(name string, s Schema) (*compiledSchema, error) {
	doc := ToJSONSchema(s)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for tool %s: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode schema for tool %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	url := "mem://tools/" + name + ".json"
	if err := c.AddResource(url, decoded); err != nil {
		return nil, fmt.Errorf("add schema resource for tool %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
	}
	return &compiledSchema{schema: compiled}, nil
}

// ToJSONSchema renders s as a plain JSON Schema document (draft 2020-12
// compatible object schema). Used both to compile the dispatch-time
// validator here and by the LLM backend adapters (package llm) to encode a
// tool's schema into each provider's native function-calling wire format.
func ToJSONSchema(s Schema) map[string]any {
	doc := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
	props := doc["properties"].(map[string]any)
	for propName, prop := range s.Properties {
		props[propName] = propertyToJSONSchema(prop)
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	return doc
}

func propertyToJSONSchema(p Property) map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		enum := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			enum[i] = v
		}
		out["enum"] = enum
	}
	if p.Type == "array" && p.Items != nil {
		out["items"] = propertyToJSONSchema(*p.Items)
	}
	return out
}

// Validate checks args against the compiled schema, returning a list of
// human-readable violation strings (empty when args is valid).
func (c *compiledSchema) Validate(args map[string]any) []string {
	if c == nil || c.schema == nil {
		return nil
	}
	if err := c.schema.Validate(args); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenValidationError(ve)
		}
		return []string{err.Error()}
	}
	return nil
}

func flattenValidationError(ve *jsonschema.ValidationError) []string {
	var msgs []string
	if len(ve.Causes) == 0 {
		return []string{ve.Error()}
	}
	for _, c := range ve.Causes {
		msgs = append(msgs, flattenValidationError(c)...)
	}
	return msgs
}
