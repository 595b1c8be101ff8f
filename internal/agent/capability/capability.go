// Package capability is the static, side-effect-free lookup table mapping a
// model name to the behavior the rest of the agent must adapt to: whether it
// exposes native function calling, whether it accepts images, which
// tool-selection strategy to drive it with, its context window, and its
// retry budget on transient backend failure.
//
// The registry is immutable after construction and freely shared across
// sessions (spec.md §3 Ownership, §5 Shared resources).
package capability

// Strategy identifies how the LLM Gateway (C3) should obtain a tool call from
// a given model.
type Strategy string

const (
	// StrategyNative means the backend's function-calling interface returns
	// a structured tool_calls array directly.
	StrategyNative Strategy = "native"
	// StrategyPromptJSON means the tool catalogue and protocol are appended
	// to the prompt and the reply is recovered by the Tool Call Parser (C4).
	StrategyPromptJSON Strategy = "prompt-json"
)

// Capability is the static record keyed by model name (spec.md §3
// ModelCapability).
type Capability struct {
	// ModelName is the canonical name this record was registered under.
	ModelName string
	// Backend names the LLM Gateway backend that serves this model:
	// "openai" (local OpenAI-compatible inference server), "anthropic", or
	// "bedrock".
	Backend string
	// NativeTools indicates the backend returns tool_calls directly.
	NativeTools bool
	// Vision indicates the backend accepts interleaved image message parts.
	Vision bool
	// Strategy is the tool-selection strategy to drive this model with.
	Strategy Strategy
	// ContextWindow is the model's token budget, consumed by the Context
	// Manager (C6) to size truncation.
	ContextWindow int
	// MaxRetriesOnFailure bounds C3's exponential-backoff retry loop on
	// transient backend failures.
	MaxRetriesOnFailure int
	// SkipArgOptimization disables the C7 dispatch step that asks the model
	// to refine tool arguments before invocation (cheap, reliable models
	// rarely need it; set true to save a round trip).
	SkipArgOptimization bool
	// NeedsToolExamples indicates the prompt-JSON protocol block should
	// include two-shot examples (spec.md §4.2) because this model otherwise
	// produces unreliable tool-call JSON.
	NeedsToolExamples bool
}

// defaultCapability is returned for any model name not present in the
// registry: conservative in every dimension (spec.md §4.1, §8 "Capability
// default").
var defaultCapability = Capability{
	ModelName:           "",
	Backend:             "openai",
	NativeTools:         false,
	Vision:              false,
	Strategy:            StrategyPromptJSON,
	ContextWindow:       8192,
	MaxRetriesOnFailure: 2,
	SkipArgOptimization: false,
	NeedsToolExamples:   true,
}

// Registry is an immutable, in-memory table of Capability records.
type Registry struct {
	entries map[string]Capability
}

// NewRegistry builds a Registry from the given entries, keyed by their
// ModelName field. Later entries with a duplicate name overwrite earlier
// ones; callers should not rely on that, it exists only to keep
// construction total.
func NewRegistry(entries ...Capability) *Registry {
	m := make(map[string]Capability, len(entries))
	for _, e := range entries {
		m[e.ModelName] = e
	}
	return &Registry{entries: m}
}

// Lookup returns the Capability for modelName, or the conservative default
// if the model is unknown. Never returns an error: an unknown model is a
// normal, expected input (spec.md §8 "no lookup raises").
func (r *Registry) Lookup(modelName string) Capability {
	if r == nil {
		d := defaultCapability
		d.ModelName = modelName
		return d
	}
	if c, ok := r.entries[modelName]; ok {
		return c
	}
	d := defaultCapability
	d.ModelName = modelName
	return d
}

// Default mirrors the corpus's local-inference deployment: two
// OpenAI-compatible models served by the local backend (one driven through
// the prompt-JSON protocol with native tool calling disabled, one with
// native tool calling), and two hosted fallbacks reachable through Anthropic
// and Bedrock for vision/native-tool work.
func Default() *Registry {
	return NewRegistry(
		Capability{
			ModelName:           "local-llama-3.1-8b-instruct",
			Backend:             "openai",
			NativeTools:         false,
			Vision:              false,
			Strategy:            StrategyPromptJSON,
			ContextWindow:       8192,
			MaxRetriesOnFailure: 3,
			SkipArgOptimization: false,
			NeedsToolExamples:   true,
		},
		Capability{
			ModelName:           "local-qwen2.5-14b-instruct",
			Backend:             "openai",
			NativeTools:         true,
			Vision:              false,
			Strategy:            StrategyNative,
			ContextWindow:       32768,
			MaxRetriesOnFailure: 3,
			SkipArgOptimization: false,
			NeedsToolExamples:   false,
		},
		Capability{
			ModelName:           "claude-sonnet-4-5",
			Backend:             "anthropic",
			NativeTools:         true,
			Vision:              true,
			Strategy:            StrategyNative,
			ContextWindow:       200000,
			MaxRetriesOnFailure: 5,
			SkipArgOptimization: true,
			NeedsToolExamples:   false,
		},
		Capability{
			ModelName:           "bedrock-claude-vision",
			Backend:             "bedrock",
			NativeTools:         true,
			Vision:              true,
			Strategy:            StrategyNative,
			ContextWindow:       200000,
			MaxRetriesOnFailure: 5,
			SkipArgOptimization: true,
			NeedsToolExamples:   false,
		},
	)
}
