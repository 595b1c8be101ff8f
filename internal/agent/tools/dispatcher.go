package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sbayer2/medster-agent/internal/agent/toolerrors"
)

// ArgOptimizer rewrites a tool call's initial arguments to fully leverage
// filtering parameters (spec.md §4.7 step 2, role "optimize_args"). On
// failure the dispatcher keeps the original arguments.
type ArgOptimizer func(ctx context.Context, tool Ident, args map[string]any) (map[string]any, error)

// EmptinessClassifier decides whether a tool result carries no useful data
// (C5). Implemented by package emptiness; threaded in rather than imported
// directly so this package has no dependency on the classifier's internals.
type EmptinessClassifier func(v any) bool

// Dispatcher validates, optimizes, invokes, and classifies tool calls. It
// never returns an error from Dispatch: every failure mode (unknown tool,
// schema violation, tool panic, tool error) is folded into the returned
// Outcome so the Agent Loop can record it in history and continue (spec.md
// §7 "no exception crosses the Agent Loop boundary").
type Dispatcher struct {
	registry  *Registry
	optimize  ArgOptimizer
	isEmpty   EmptinessClassifier
}

// NewDispatcher builds a Dispatcher over registry. optimize and isEmpty may
// be nil; a nil optimize disables argument optimization and a nil isEmpty
// treats every result as usable.
func NewDispatcher(registry *Registry, optimize ArgOptimizer, isEmpty EmptinessClassifier) *Dispatcher {
	return &Dispatcher{registry: registry, optimize: optimize, isEmpty: isEmpty}
}

// OutcomeKind discriminates the shape of a dispatch Outcome.
type OutcomeKind string

const (
	// OutcomeInvalidTool: the call named a tool that isn't registered.
	OutcomeInvalidTool OutcomeKind = "invalid_tool"
	// OutcomeLoopDetected: the action ring held four identical signatures.
	OutcomeLoopDetected OutcomeKind = "loop_detected"
	// OutcomeToolError: the tool was invoked and returned/panicked an error.
	OutcomeToolError OutcomeKind = "tool_error"
	// OutcomeEmpty: the tool succeeded but C5 classified the result empty.
	OutcomeEmpty OutcomeKind = "empty"
	// OutcomeSuccess: the tool succeeded with a usable result.
	OutcomeSuccess OutcomeKind = "success"
)

// Outcome is the result of one Dispatch call.
type Outcome struct {
	Kind        OutcomeKind
	HistoryLine string // formatted text to append to tool-output history; empty for loop/empty outcomes that aren't recorded
	Result      any
	RawJSON     json.RawMessage
}

// Signature computes the canonical action signature "name|canonicalized_args"
// used by the loop-detection ring buffer (spec.md §4.7 step 3). Args are
// rendered with sorted keys so equivalent maps always produce the same
// signature regardless of iteration order.
func Signature(call Call) string {
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canon := make(map[string]any, len(call.Args))
	for _, k := range keys {
		canon[k] = call.Args[k]
	}
	b, err := json.Marshal(canon)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", call.Args))
	}
	return string(call.Name) + "|" + string(b)
}

// Dispatch resolves, optimizes, and invokes call. ringRecentlyLooped reports
// whether the ring already holds four entries identical to the action
// signature about to be pushed (so it would be the fifth); the Agent Loop owns the actual ring buffer (Session
// State) and supplies this verdict plus the push side effect via
// recordSignature.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, ringRecentlyLooped func(signature string) bool, recordSignature func(signature string)) Outcome {
	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		return Outcome{Kind: OutcomeInvalidTool, HistoryLine: toolerrors.InvalidTool(string(call.Name))}
	}

	if violations := d.registry.validate(call); len(violations) > 0 {
		msg := fmt.Sprintf("Invalid arguments for %s: %v", call.Name, violations)
		return Outcome{Kind: OutcomeToolError, HistoryLine: msg}
	}

	args := call.Args
	if d.optimize != nil {
		if optimized, err := d.optimize(ctx, call.Name, args); err == nil && optimized != nil {
			args = optimized
		}
		// On failure, keep originals (spec.md §4.7 step 2).
	}

	sig := Signature(Call{Name: call.Name, Args: args})
	if ringRecentlyLooped != nil && ringRecentlyLooped(sig) {
		return Outcome{Kind: OutcomeLoopDetected}
	}
	if recordSignature != nil {
		recordSignature(sig)
	}

	result, err := invokeSafely(ctx, tool, args)
	if err != nil {
		return Outcome{Kind: OutcomeToolError, HistoryLine: toolerrors.ForTool(string(call.Name), args, err)}
	}

	raw, encErr := json.Marshal(result)
	if encErr != nil {
		raw = []byte("null")
	}

	if d.isEmpty != nil && d.isEmpty(result) {
		return Outcome{Kind: OutcomeEmpty, Result: result, RawJSON: raw}
	}

	line := formatHistoryLine(string(call.Name), raw)
	return Outcome{Kind: OutcomeSuccess, HistoryLine: line, Result: result, RawJSON: raw}
}

// invokeSafely calls tool.Invoke, converting a panic raised by a buggy tool
// implementation into a regular error so no single tool crash can take down
// the loop (spec.md §4.8 "Individual patient failures are silently treated
// as... rather than propagated" generalizes to tools overall).
func invokeSafely(ctx context.Context, tool Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Invoke(ctx, args)
}

func formatHistoryLine(toolName string, raw json.RawMessage) string {
	return fmt.Sprintf("Result from %s: %s", toolName, string(raw))
}
