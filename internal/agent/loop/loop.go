// Package loop implements the Agent Loop (C10): the scheduler that turns a
// natural-language query into plan → (act → execute → validate) cycles per
// task, a goal check, and a final synthesized answer. It is the only
// component that owns Session State (spec.md §3 Ownership) and the only one
// that wires every other component (C1-C9) together.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbayer2/medster-agent/internal/agent/capability"
	"github.com/sbayer2/medster-agent/internal/agent/contextmgr"
	"github.com/sbayer2/medster-agent/internal/agent/emptiness"
	"github.com/sbayer2/medster-agent/internal/agent/events"
	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/parser"
	"github.com/sbayer2/medster-agent/internal/agent/prompt"
	"github.com/sbayer2/medster-agent/internal/agent/session"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
	"github.com/sbayer2/medster-agent/internal/telemetry"
)

// Config bounds every termination condition the loop enforces (spec.md
// §4.10 "Bounded parameters").
type Config struct {
	MaxSteps           int
	MaxStepsPerTask    int
	MaxRetriesOnNoData int
	TaskTimeoutSeconds int
	MaxAgentErrors     int
}

// DefaultConfig matches the bounds the corpus's own agent loops use for a
// single-session, locally-served deployment.
func DefaultConfig() Config {
	return Config{
		MaxSteps:           200,
		MaxStepsPerTask:    20,
		MaxRetriesOnNoData: 3,
		TaskTimeoutSeconds: 120,
		MaxAgentErrors:     3,
	}
}

// Agent is the C10 scheduler for one model. It is safe to call Run
// concurrently from multiple goroutines: each Run builds its own
// session.State and shares only the immutable collaborators (spec.md §5
// "Shared resources").
type Agent struct {
	ModelName    string
	Gateway      *llm.Gateway
	Capabilities *capability.Registry
	Composer     *prompt.Composer
	Registry     *tools.Registry
	ContextMgr   *contextmgr.Manager
	Config       Config
	Sink         events.Sink
	Telemetry    telemetry.Set

	dispatcher *tools.Dispatcher
}

// New wires C1-C9 into a single Agent for modelName. Argument optimization
// (role optimize_args) is enabled unless the resolved Capability opts out
// via SkipArgOptimization. A zero-value telem discards every metric and
// span, same as telemetry.Noop().
func New(modelName string, gw *llm.Gateway, caps *capability.Registry, composer *prompt.Composer, registry *tools.Registry, ctxMgr *contextmgr.Manager, cfg Config, sink events.Sink, telem telemetry.Set) *Agent {
	if sink == nil {
		sink = noopSink{}
	}
	if telem.Log == nil || telem.Metrics == nil || telem.Trace == nil {
		noop := telemetry.Noop()
		if telem.Log == nil {
			telem.Log = noop.Log
		}
		if telem.Metrics == nil {
			telem.Metrics = noop.Metrics
		}
		if telem.Trace == nil {
			telem.Trace = noop.Trace
		}
	}
	a := &Agent{
		ModelName:    modelName,
		Gateway:      gw,
		Capabilities: caps,
		Composer:     composer,
		Registry:     registry,
		ContextMgr:   ctxMgr,
		Config:       cfg,
		Sink:         sink,
		Telemetry:    telem,
	}
	var optimizer tools.ArgOptimizer
	if !a.cap().SkipArgOptimization {
		optimizer = a.optimizeArgs
	}
	a.dispatcher = tools.NewDispatcher(registry, optimizer, emptiness.IsEmpty)
	return a
}

type noopSink struct{}

func (noopSink) Emit(events.Event) {}

func (a *Agent) cap() capability.Capability { return a.Capabilities.Lookup(a.ModelName) }

// Run executes the full state machine for one query and returns the
// synthesized answer text. No error is ever returned: every failure mode is
// folded into Session State or the answer text itself (spec.md §7
// "Propagation policy: no exception crosses the Agent Loop boundary").
func (a *Agent) Run(ctx context.Context, queryText string) string {
	ctx, span := a.Telemetry.Trace.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("model_name", a.ModelName)))
	defer span.End()
	runStart := time.Now()

	q := session.NewQuery(queryText)
	st := session.New(a.ModelName)
	a.Sink.Emit(events.Start(a.ModelName, queryText))
	a.Telemetry.Log.Info(ctx, "run started", "model_name", a.ModelName)

	a.plan(ctx, st, q)

	abandoned := map[int]bool{}
	for nextTask(st, abandoned) != nil && st.StepCount < a.Config.MaxSteps {
		task := nextTask(st, abandoned)
		st.StartTimePerTask[task.ID] = time.Now()
		a.Sink.Emit(events.TaskStart(task.ID, task.Description))

		forced := a.runTask(ctx, st, q, task)
		if !task.Done {
			abandoned[task.ID] = true
		}
		a.Telemetry.Metrics.IncCounter("agent.tasks_total", 1, "forced", fmt.Sprint(forced))
		a.Sink.Emit(events.TaskComplete(task.ID, forced))

		if task.Done && a.goalReached(ctx, st, q) {
			break
		}
	}

	answer := a.answer(ctx, st, q)
	a.Telemetry.Metrics.RecordTimer("agent.run_duration", time.Since(runStart), "model_name", a.ModelName)
	a.Telemetry.Log.Info(ctx, "run complete", "model_name", a.ModelName, "step_count", st.StepCount)
	a.Sink.Emit(events.Answer(answer))
	a.Sink.Emit(events.Complete())
	return answer
}

// nextTask returns the first task that is neither done nor abandoned
// (timed out, or left incomplete by a backend failure), or nil. Abandoned
// tasks are tracked separately from Task.Done to preserve the monotonicity
// invariant (spec.md §3, §8): a task the loop gives up on stays not-done,
// but the scheduler must still advance past it rather than retrying it
// forever.
func nextTask(st *session.State, abandoned map[int]bool) *session.Task {
	for _, t := range st.Tasks {
		if !t.Done && !abandoned[t.ID] {
			return t
		}
	}
	return nil
}

// plan derives the task list (spec.md §4.10 step 1). On any gateway failure
// or malformed reply it synthesizes a single task whose description is the
// raw query, so the loop always has something to work on.
func (a *Agent) plan(ctx context.Context, st *session.State, q session.Query) {
	capv := a.cap()
	schema := taskListSchema()
	req := llm.Request{
		ModelName:    a.ModelName,
		SystemPrompt: a.Composer.Compose(llm.RolePlan, capv, a.Registry.Catalogue(), q.HasImages),
		Messages:     []llm.Message{llm.Text("user", q.Text)},
		Role:         llm.RolePlan,
		OutputSchema: &schema,
	}
	outcome := a.Gateway.Call(ctx, req)
	if !outcome.IsOK() {
		st.Tasks = []*session.Task{{ID: 0, Description: q.Text}}
		return
	}
	structured := decodeStructured(outcome.Response())
	tasks, ok := decodeTasks(structured)
	if !ok {
		st.Tasks = []*session.Task{{ID: 0, Description: q.Text}}
		return
	}
	st.Tasks = tasks // may legitimately be empty: spec.md §4.10 step 2 "Empty plan"
}

// runTask drives the inner step loop for one task (spec.md §4.10 step 3). It
// returns whether the task was force-completed (loop detection or the
// agent-error budget), purely for event reporting; the task's Done field is
// the authoritative outcome.
func (a *Agent) runTask(ctx context.Context, st *session.State, q session.Query, task *session.Task) bool {
	ctx, span := a.Telemetry.Trace.Start(ctx, "agent.task",
		trace.WithAttributes(attribute.Int("task.id", task.ID), attribute.String("task.description", task.Description)))
	defer span.End()
	a.Telemetry.Log.Info(ctx, "task started", "task_id", task.ID, "description", task.Description)

	capv := a.cap()
	var retryContext *session.RetryContext

	for step := 0; step < a.Config.MaxStepsPerTask; step++ {
		if a.Config.TaskTimeoutSeconds > 0 {
			if elapsed := time.Since(st.StartTimePerTask[task.ID]); elapsed > time.Duration(a.Config.TaskTimeoutSeconds)*time.Second {
				a.Sink.Emit(events.Log(fmt.Sprintf("task %d timed out after %s", task.ID, elapsed.Round(time.Second))))
				return false
			}
		}
		if st.StepCount >= a.Config.MaxSteps {
			return false
		}

		rc := retryContext
		retryContext = nil

		composed := a.ContextMgr.Compose(st.TaskOutputs, capv.ContextWindow)
		userMsg := buildActMessage(task.Description, composed.Text, rc)

		req := llm.Request{
			ModelName:    a.ModelName,
			SystemPrompt: a.Composer.Compose(llm.RoleAct, capv, a.Registry.Catalogue(), q.HasImages),
			Messages:     []llm.Message{llm.Text("user", userMsg)},
			Role:         llm.RoleAct,
		}
		if capv.Strategy == capability.StrategyNative {
			req.Tools = a.Registry.Catalogue()
		}

		outcome := a.Gateway.Call(ctx, req)
		st.StepCount++
		st.PerTaskStepCount[task.ID]++

		switch outcome.Kind() {
		case llm.OutcomeAgentError:
			if a.recordAgentError(ctx, st, task, outcome.Err().Error()) {
				span.SetStatus(codes.Error, "agent error budget exhausted")
				task.MarkDone()
				return true
			}
			continue
		case llm.OutcomeTransient, llm.OutcomeFatal:
			msg := fmt.Sprintf("Error contacting model for task %d: %v", task.ID, outcome.Err())
			st.AppendOutput(msg)
			a.Sink.Emit(events.Error(msg))
			span.RecordError(outcome.Err())
			span.SetStatus(codes.Error, "backend call failed")
			return false
		}

		calls, malformed := a.extractToolCalls(capv, outcome.Response(), step)
		if malformed {
			if a.recordAgentError(ctx, st, task, "model reply contained no recoverable tool call or completion signal") {
				span.SetStatus(codes.Error, "agent error budget exhausted")
				task.MarkDone()
				return true
			}
			continue
		}
		if len(calls) == 0 {
			task.MarkDone()
			return false
		}

		looped, retrySet := a.dispatchCalls(ctx, st, task, calls, &retryContext)
		if looped {
			return true
		}
		if task.Done {
			return false
		}
		if retrySet {
			// spec.md §4.10 step 3: "on empty result and remaining retry
			// budget, set retry_context and continue" — skip the task_done
			// check this round and go straight back to action selection.
			continue
		}

		composedAfter := a.ContextMgr.Compose(st.TaskOutputs, capv.ContextWindow)
		doneMsg := fmt.Sprintf("Task: %s\n\nAccumulated output:\n%s", task.Description, composedAfter.Text)
		if done, ok := a.askBool(ctx, llm.RoleTaskDone, capv, doneMsg, "done"); ok && done {
			task.MarkDone()
			return false
		}
	}
	return false
}

// recordAgentError bumps the agent-error budget (spec.md §4.10 step 3, §7
// error taxonomy) and reports whether it is now exhausted. Called both when
// the Gateway itself classifies a reply as OutcomeAgentError (a backend-
// reported schema violation) and when extractToolCalls finds the parser
// couldn't recover anything usable from a prompt-JSON reply.
func (a *Agent) recordAgentError(ctx context.Context, st *session.State, task *session.Task, msg string) (exhausted bool) {
	st.AgentErrorCount++
	full := fmt.Sprintf("agent error on task %d: %s", task.ID, msg)
	a.Telemetry.Log.Warn(ctx, "agent error", "task_id", task.ID, "count", st.AgentErrorCount, "error", msg)
	a.Telemetry.Metrics.IncCounter("agent.agent_errors_total", 1, "task_id", fmt.Sprint(task.ID))
	a.Sink.Emit(events.Log(full))
	a.Sink.Emit(events.Error(full))
	return st.AgentErrorCount > a.Config.MaxAgentErrors
}

// dispatchCalls dispatches each recovered tool call via C7, updating
// Session State and emitting tool_execution events. The first return value
// is true if loop detection fired (the task has already been marked done);
// the second is true if an empty result set a fresh retryContext, which
// tells the caller to skip this round's task_done check and retry
// immediately (spec.md §4.10 step 3).
func (a *Agent) dispatchCalls(ctx context.Context, st *session.State, task *session.Task, calls []llm.ToolCallRaw, retryContext **session.RetryContext) (looped bool, retrySet bool) {
	for _, call := range calls {
		if st.StepCount >= a.Config.MaxSteps {
			return false, retrySet
		}
		toolCall := tools.Call{Name: tools.Ident(call.Name), Args: call.Args}

		dispatchCtx, span := a.Telemetry.Trace.Start(ctx, "agent.tool_dispatch",
			trace.WithAttributes(attribute.Int("task.id", task.ID), attribute.String("tool.name", call.Name)))
		start := time.Now()
		out := a.dispatcher.Dispatch(dispatchCtx, toolCall,
			func(sig string) bool { return st.LastActions.WouldLoop(sig) },
			func(sig string) { st.LastActions.Push(sig) },
		)
		a.Telemetry.Metrics.RecordTimer("agent.tool_dispatch_duration", time.Since(start), "tool_name", call.Name)
		a.Telemetry.Metrics.IncCounter("agent.tool_dispatch_total", 1, "tool_name", call.Name, "outcome", string(out.Kind))
		span.AddEvent("tool_dispatch.outcome", "kind", string(out.Kind))
		if out.Kind == tools.OutcomeToolError || out.Kind == tools.OutcomeInvalidTool {
			span.SetStatus(codes.Error, string(out.Kind))
		} else {
			span.SetStatus(codes.Ok, string(out.Kind))
		}
		span.End()

		st.StepCount++
		st.PerTaskStepCount[task.ID]++

		switch out.Kind {
		case tools.OutcomeLoopDetected:
			msg := fmt.Sprintf("loop detected on task %d, forcing completion", task.ID)
			a.Telemetry.Log.Warn(ctx, "loop detected", "task_id", task.ID, "tool_name", call.Name)
			a.Sink.Emit(events.Log(msg))
			task.MarkDone()
			return true, retrySet

		case tools.OutcomeEmpty:
			a.Sink.Emit(events.ToolExecution(task.ID, call.Name, call.Args, true))
			if st.RetryCountPerTask[task.ID] < a.Config.MaxRetriesOnNoData {
				st.RetryCountPerTask[task.ID]++
				*retryContext = &session.RetryContext{
					ToolName:        call.Name,
					Args:            call.Args,
					TruncatedResult: truncateJSON(out.RawJSON),
				}
				retrySet = true
			} else {
				st.AppendOutput(fmt.Sprintf("Result from %s: no data after %d retries", call.Name, st.RetryCountPerTask[task.ID]))
			}

		case tools.OutcomeInvalidTool, tools.OutcomeToolError:
			st.AppendOutput(out.HistoryLine)
			a.Sink.Emit(events.ToolExecution(task.ID, call.Name, call.Args, false))

		case tools.OutcomeSuccess:
			st.AppendOutput(out.HistoryLine)
			a.Sink.Emit(events.ToolExecution(task.ID, call.Name, call.Args, false))
		}
	}
	return false, retrySet
}

// goalReached asks the meta-validator whether the overall query has been
// answered. It is only ever invoked once the task-level validator has
// already marked the current task done (spec.md §9 Design Note on
// validator/meta-validator precedence), so its "true" verdict always wins
// ties by construction rather than by an explicit priority rule.
func (a *Agent) goalReached(ctx context.Context, st *session.State, q session.Query) bool {
	capv := a.cap()
	composed := a.ContextMgr.Compose(st.TaskOutputs, capv.ContextWindow)
	msg := fmt.Sprintf("Original question: %s\n\nAccumulated output across all tasks:\n%s", q.Text, composed.Text)
	done, ok := a.askBool(ctx, llm.RoleGoalDone, capv, msg, "done")
	return ok && done
}

// answer synthesizes the final text (spec.md §4.10 step 4). When no tool
// output was ever gathered it steers the model toward the out-of-scope
// notice spec.md's scenario 6 requires, without needing the Prompt Composer
// itself to know whether any task ran.
func (a *Agent) answer(ctx context.Context, st *session.State, q session.Query) string {
	capv := a.cap()
	var userMsg string
	if len(st.TaskOutputs) == 0 {
		userMsg = fmt.Sprintf(`Question: %s

No tool output was gathered for this question; it may fall outside the
scope of the available clinical data. If so, begin your Summary with an
explicit notice that the question is out of scope, then answer from general
knowledge only.`, q.Text)
	} else {
		composed := a.ContextMgr.Compose(st.TaskOutputs, capv.ContextWindow)
		userMsg = fmt.Sprintf("Question: %s\n\nAccumulated tool output:\n%s", q.Text, composed.Text)
	}

	req := llm.Request{
		ModelName:    a.ModelName,
		SystemPrompt: a.Composer.Compose(llm.RoleAnswer, capv, nil, q.HasImages),
		Messages:     []llm.Message{llm.Text("user", userMsg)},
		Role:         llm.RoleAnswer,
	}
	outcome := a.Gateway.Call(ctx, req)
	if !outcome.IsOK() {
		if len(st.TaskOutputs) == 0 {
			return "Unable to generate an answer due to a backend failure; no data was collected."
		}
		return "Unable to generate an answer due to a backend failure; partial data collected: " + strings.Join(st.TaskOutputs, "; ")
	}
	resp := outcome.Response()
	if resp.Content != "" {
		return resp.Content
	}
	return resp.Thinking
}

// optimizeArgs implements tools.ArgOptimizer via role optimize_args
// (spec.md §4.7 step 2). On any failure the Dispatcher keeps the caller's
// original arguments.
func (a *Agent) optimizeArgs(ctx context.Context, name tools.Ident, args map[string]any) (map[string]any, error) {
	capv := a.cap()
	schema := argumentsSchema()
	msg := fmt.Sprintf("Tool: %s\nCurrent arguments: %v", name, args)
	if tool, ok := a.Registry.Lookup(name); ok {
		if raw, err := json.Marshal(tools.ToJSONSchema(tool.Schema)); err == nil {
			msg += "\nArgument schema: " + string(raw)
		}
	}
	req := llm.Request{
		ModelName:    a.ModelName,
		SystemPrompt: a.Composer.Compose(llm.RoleOptimizeArgs, capv, nil, false),
		Messages:     []llm.Message{llm.Text("user", msg)},
		Role:         llm.RoleOptimizeArgs,
		OutputSchema: &schema,
	}
	outcome := a.Gateway.Call(ctx, req)
	if !outcome.IsOK() {
		return args, fmt.Errorf("optimize_args: %w", outcome.Err())
	}
	structured := decodeStructured(outcome.Response())
	if structured == nil {
		return args, fmt.Errorf("optimize_args: no structured reply")
	}
	optimized, ok := structured["arguments"].(map[string]any)
	if !ok {
		return args, fmt.Errorf("optimize_args: missing arguments field")
	}
	return optimized, nil
}

// askBool drives a structured {"<field>": bool} validator role (task_done
// or goal_done), folding every failure into ok=false so callers default to
// "not yet" rather than crashing (spec.md §7 "prefer false when in doubt").
func (a *Agent) askBool(ctx context.Context, role llm.Role, capv capability.Capability, userMsg, field string) (value bool, ok bool) {
	schema := boolSchema(field)
	req := llm.Request{
		ModelName:    a.ModelName,
		SystemPrompt: a.Composer.Compose(role, capv, nil, false),
		Messages:     []llm.Message{llm.Text("user", userMsg)},
		Role:         role,
		OutputSchema: &schema,
	}
	outcome := a.Gateway.Call(ctx, req)
	if !outcome.IsOK() {
		return false, false
	}
	structured := decodeStructured(outcome.Response())
	if structured == nil {
		return false, false
	}
	v, ok := structured[field].(bool)
	return v, ok
}

// extractToolCalls folds native tool_calls and parser-recovered prompt-JSON
// calls into the same shape (spec.md §9 Design Note "Free-form-to-structured
// bridge"). malformed distinguishes a genuine parse failure — no
// tool_name-bearing JSON recoverable at all, a protocol violation bound by
// the agent-error budget (spec.md §4.3, §7) — from the parser's legitimate
// "no further tool use" signal (parsed.NoTool), which marks the task done
// instead. A native-strategy backend can never produce the malformed case:
// it either returns tool calls or it doesn't.
func (a *Agent) extractToolCalls(capv capability.Capability, resp llm.Response, stepIndex int) (calls []llm.ToolCallRaw, malformed bool) {
	if capv.Strategy == capability.StrategyNative {
		return resp.ToolCalls, false
	}
	parsed := parser.Parse(resp.Content, stepIndex)
	if !parsed.Found {
		return nil, true
	}
	if parsed.NoTool {
		return nil, false
	}
	return []llm.ToolCallRaw{{ID: parsed.ToolCallID, Name: parsed.ToolName, Args: parsed.ToolArgs}}, false
}

// decodeStructured returns resp.Structured when the backend populated it
// natively (openaicompat's JSON-schema response format), falling back to
// recovering a JSON object from resp.Content for backends that don't
// support structured output (anthropicapi, bedrock).
func decodeStructured(resp llm.Response) map[string]any {
	if resp.Structured != nil {
		return resp.Structured
	}
	if obj, ok := parser.ExtractJSONObject(resp.Content); ok {
		return obj
	}
	return nil
}

func buildActMessage(taskDescription, historyText string, rc *session.RetryContext) string {
	var sb strings.Builder
	sb.WriteString("Current task: ")
	sb.WriteString(taskDescription)
	sb.WriteString("\n\nAccumulated context:\n")
	sb.WriteString(historyText)
	if rc != nil {
		sb.WriteString(fmt.Sprintf(
			"\n\nHint: the previous call to %s with args %v returned no usable data (%s). "+
				"Consider broader or different arguments, or a different tool.",
			rc.ToolName, rc.Args, rc.TruncatedResult))
	}
	return sb.String()
}

func truncateJSON(raw json.RawMessage) string {
	const max = 300
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func decodeTasks(structured map[string]any) ([]*session.Task, bool) {
	if structured == nil {
		return nil, false
	}
	raw, ok := structured["tasks"]
	if !ok {
		return nil, false
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]*session.Task, 0, len(arr))
	for i, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := i
		if idf, ok := numericField(m["id"]); ok {
			id = int(idf)
		}
		desc, _ := m["description"].(string)
		if desc == "" {
			continue
		}
		out = append(out, &session.Task{ID: id, Description: desc})
	}
	return out, true
}

func numericField(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func taskListSchema() tools.Schema {
	return tools.Schema{
		Properties: map[string]tools.Property{
			"tasks": {
				Type:        "array",
				Description: "ordered list of atomic tasks to execute",
				Items:       &tools.Property{Type: "object"},
			},
		},
		Required: []string{"tasks"},
	}
}

func boolSchema(field string) tools.Schema {
	return tools.Schema{
		Properties: map[string]tools.Property{field: {Type: "boolean"}},
		Required:   []string{field},
	}
}

func argumentsSchema() tools.Schema {
	return tools.Schema{
		Properties: map[string]tools.Property{"arguments": {Type: "object"}},
		Required:   []string{"arguments"},
	}
}
