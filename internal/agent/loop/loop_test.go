package loop_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/agent/capability"
	"github.com/sbayer2/medster-agent/internal/agent/contextmgr"
	"github.com/sbayer2/medster-agent/internal/agent/events"
	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/loop"
	"github.com/sbayer2/medster-agent/internal/agent/prompt"
	"github.com/sbayer2/medster-agent/internal/agent/tools"
	"github.com/sbayer2/medster-agent/internal/telemetry"
)

// fakeBackend replays a scripted queue of replies per role; the last
// enqueued reply for a role repeats once its queue is exhausted, so a test
// can model "the model keeps saying the same thing" without bloating the
// script.
type fakeBackend struct {
	mu     sync.Mutex
	queues map[llm.Role][]llm.Response
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{queues: map[llm.Role][]llm.Response{}}
}

func (f *fakeBackend) enqueue(role llm.Role, resp llm.Response) {
	f.queues[role] = append(f.queues[role], resp)
}

func (f *fakeBackend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[req.Role]
	if len(q) == 0 {
		return llm.Response{}, nil
	}
	next := q[0]
	if len(q) > 1 {
		f.queues[req.Role] = q[1:]
	}
	return next, nil
}

type recordingSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *recordingSink) Emit(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func listPatientsTool(ids []string) tools.Tool {
	return tools.Tool{
		Name:        "list_patients",
		Description: "list known patient ids",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{"limit": {Type: "integer"}},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			limit := len(ids)
			if l, ok := args["limit"].(float64); ok && int(l) < limit {
				limit = int(l)
			}
			return map[string]any{"patients": toAnySlice(ids[:limit])}, nil
		},
	}
}

func newAgent(backend llm.Backend, capv capability.Capability, registry *tools.Registry, cfg loop.Config, sink events.Sink) *loop.Agent {
	caps := capability.NewRegistry(capv)
	gw := llm.New(backend, 0, llm.RetryPolicy{MaxAttempts: 1}, nil)
	return loop.New(capv.ModelName, gw, caps, prompt.New(), registry, contextmgr.New(0), cfg, sink, telemetry.Noop())
}

func nativeCapability(name string) capability.Capability {
	return capability.Capability{
		ModelName:           name,
		Backend:             "anthropic",
		NativeTools:         true,
		Strategy:            capability.StrategyNative,
		ContextWindow:       200000,
		MaxRetriesOnFailure: 3,
		SkipArgOptimization: true,
	}
}

func promptJSONCapability(name string) capability.Capability {
	return capability.Capability{
		ModelName:           name,
		Backend:             "openai",
		NativeTools:         false,
		Strategy:            capability.StrategyPromptJSON,
		ContextWindow:       8192,
		MaxRetriesOnFailure: 3,
		SkipArgOptimization: true,
	}
}

func planTasks(descriptions ...string) llm.Response {
	tasks := make([]any, len(descriptions))
	for i, d := range descriptions {
		tasks[i] = map[string]any{"id": float64(i), "description": d}
	}
	return llm.Response{Structured: map[string]any{"tasks": tasks}}
}

func doneResp(v bool) llm.Response {
	return llm.Response{Structured: map[string]any{"done": v}}
}

// Scenario 1: happy path, native tool calling.
func TestHappyPathNativeTools(t *testing.T) {
	registry, err := tools.NewRegistry(listPatientsTool([]string{"p1", "p2", "p3"}))
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, planTasks("List first 3 patient ids."))
	backend.enqueue(llm.RoleAct, llm.Response{ToolCalls: []llm.ToolCallRaw{
		{ID: "1", Name: "list_patients", Args: map[string]any{"limit": 3.0}},
	}})
	backend.enqueue(llm.RoleTaskDone, doneResp(true))
	backend.enqueue(llm.RoleGoalDone, doneResp(true))
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: the first three patient ids are p1, p2, p3.\nFindings: p1, p2, p3.\nCaveats: none."})

	sink := &recordingSink{}
	a := newAgent(backend, nativeCapability("native-model"), registry, loop.DefaultConfig(), sink)
	answer := a.Run(context.Background(), "List first 3 patient ids.")

	assert.Contains(t, answer, "p1")
	assert.Contains(t, answer, "p2")
	assert.Contains(t, answer, "p3")
	require.Len(t, sink.byType(events.TypeTaskComplete), 1)
	assert.Len(t, sink.byType(events.TypeComplete), 1)
}

// Scenario 2: prompt-JSON model, tool call recovered by the parser.
func TestPromptJSONModelToolCallRecoveredByParser(t *testing.T) {
	registry, err := tools.NewRegistry(listPatientsTool([]string{"p1", "p2", "p3"}))
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, planTasks("List first 3 patient ids."))
	backend.enqueue(llm.RoleAct, llm.Response{Content: "Sure.\n```json\n" +
		`{"tool_name":"list_patients","tool_args":{"limit":3},"reasoning":"need ids"}` + "\n```\n"})
	backend.enqueue(llm.RoleTaskDone, doneResp(true))
	backend.enqueue(llm.RoleGoalDone, doneResp(true))
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: p1, p2, p3.\nFindings: p1, p2, p3.\nCaveats: none."})

	sink := &recordingSink{}
	a := newAgent(backend, promptJSONCapability("json-model"), registry, loop.DefaultConfig(), sink)
	answer := a.Run(context.Background(), "List first 3 patient ids.")

	assert.Contains(t, answer, "p1")
	assert.Contains(t, answer, "p2")
	assert.Contains(t, answer, "p3")
}

// Scenario 3: empty result triggers a retry with a broader call; history
// records only the successful result.
func TestEmptyResultRetryThenSuccess(t *testing.T) {
	var calls int
	searchTool := tools.Tool{
		Name:        "find_rare_condition",
		Description: "search for patients with a rare condition",
		Schema:      tools.Schema{Properties: map[string]tools.Property{"code": {Type: "string"}}},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			if calls == 1 {
				return map[string]any{"patients": []any{}}, nil
			}
			return map[string]any{"patients": []any{"p9"}}, nil
		},
	}
	registry, err := tools.NewRegistry(searchTool)
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, planTasks("Find patients with rare-condition X."))
	backend.enqueue(llm.RoleAct, llm.Response{ToolCalls: []llm.ToolCallRaw{
		{ID: "1", Name: "find_rare_condition", Args: map[string]any{"code": "X"}},
	}})
	backend.enqueue(llm.RoleAct, llm.Response{ToolCalls: []llm.ToolCallRaw{
		{ID: "2", Name: "find_rare_condition", Args: map[string]any{"code": "X", "broad": true}},
	}})
	backend.enqueue(llm.RoleTaskDone, doneResp(true))
	backend.enqueue(llm.RoleGoalDone, doneResp(true))
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: patient p9 matches.\nFindings: p9.\nCaveats: none."})

	sink := &recordingSink{}
	a := newAgent(backend, nativeCapability("native-model"), registry, loop.DefaultConfig(), sink)
	answer := a.Run(context.Background(), "Find patients with rare-condition X.")

	assert.Contains(t, answer, "p9")
	toolEvents := sink.byType(events.TypeToolExecution)
	require.Len(t, toolEvents, 2)
	assert.Equal(t, true, toolEvents[0].Data["empty_result"])
	assert.Equal(t, false, toolEvents[1].Data["empty_result"])
}

// Scenario 4: a pathological model repeats the same call; the 4th
// occurrence forces the task done without a 5th dispatch.
func TestLoopDetectionForcesTaskDone(t *testing.T) {
	var calls int
	countingTool := tools.Tool{
		Name:        "list_patients",
		Description: "list patients",
		Schema:      tools.Schema{Properties: map[string]tools.Property{"limit": {Type: "integer"}}},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return map[string]any{"patients": []any{"p1"}}, nil
		},
	}
	registry, err := tools.NewRegistry(countingTool)
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, planTasks("Keep asking for patient 1."))
	backend.enqueue(llm.RoleAct, llm.Response{ToolCalls: []llm.ToolCallRaw{
		{ID: "1", Name: "list_patients", Args: map[string]any{"limit": 1.0}},
	}})
	backend.enqueue(llm.RoleTaskDone, doneResp(false))
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: data is incomplete.\nFindings: p1.\nCaveats: the loop detector stopped repeated identical calls."})

	sink := &recordingSink{}
	a := newAgent(backend, nativeCapability("native-model"), registry, loop.DefaultConfig(), sink)
	answer := a.Run(context.Background(), "Keep asking for patient 1.")

	// The ring (session.ActionRing) fills with four identical signatures
	// from four real dispatches, then blocks the 5th identical attempt
	// before it dispatches.
	assert.Equal(t, 4, calls, "loop detector must block the 5th identical dispatch attempt")
	assert.Contains(t, answer, "incomplete")
	logs := sink.byType(events.TypeLog)
	foundLoopLog := false
	for _, l := range logs {
		if msg, _ := l.Data["message"].(string); strings.Contains(msg, "loop detected") {
			foundLoopLog = true
		}
	}
	assert.True(t, foundLoopLog)
}

// Scenario 4b: a prompt-JSON model replies with unparseable prose on every
// step; the parser can recover neither a tool call nor a "no tool" signal,
// so each attempt counts against the agent-error budget until it's
// exhausted and the task is force-completed — distinct from the legitimate
// {"tool_name": null} "task complete" signal, which must not consume the
// budget.
func TestMalformedPromptJSONExhaustsAgentErrorBudget(t *testing.T) {
	registry, err := tools.NewRegistry(listPatientsTool([]string{"p1"}))
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, planTasks("Describe patient 1."))
	backend.enqueue(llm.RoleAct, llm.Response{Content: "I'm not sure what to do next, let me think about it some more."})
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: unable to proceed.\nFindings: none.\nCaveats: the model never produced a usable reply."})

	cfg := loop.DefaultConfig()
	cfg.MaxAgentErrors = 3

	sink := &recordingSink{}
	a := newAgent(backend, promptJSONCapability("json-model"), registry, cfg, sink)
	answer := a.Run(context.Background(), "Describe patient 1.")

	assert.Contains(t, answer, "unable to proceed")
	taskComplete := sink.byType(events.TypeTaskComplete)
	require.Len(t, taskComplete, 1)
	assert.Equal(t, true, taskComplete[0].Data["forced"], "budget exhaustion must force the task done")

	errEvents := sink.byType(events.TypeError)
	assert.Len(t, errEvents, cfg.MaxAgentErrors+1, "one agent-error event per malformed attempt, including the one that exhausts the budget")
}

// Scenario 5: a slow tool outlives task_timeout_seconds; the task is
// abandoned (left not-done) after the sleep returns, and a global answer is
// still produced.
func TestTaskTimeoutAbandonsTaskButAnswerStillProduced(t *testing.T) {
	slowTool := tools.Tool{
		Name:        "slow_tool",
		Description: "a tool that takes a while",
		Schema:      tools.Schema{},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(1200 * time.Millisecond)
			return map[string]any{"status": "completed"}, nil
		},
	}
	registry, err := tools.NewRegistry(slowTool)
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, planTasks("Run the slow operation."))
	backend.enqueue(llm.RoleAct, llm.Response{ToolCalls: []llm.ToolCallRaw{
		{ID: "1", Name: "slow_tool", Args: map[string]any{}},
	}})
	backend.enqueue(llm.RoleTaskDone, doneResp(false))
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: the operation did not finish in time.\nFindings: partial status captured.\nCaveats: task timed out."})

	cfg := loop.DefaultConfig()
	cfg.TaskTimeoutSeconds = 1

	sink := &recordingSink{}
	a := newAgent(backend, nativeCapability("native-model"), registry, cfg, sink)
	answer := a.Run(context.Background(), "Run the slow operation.")

	assert.NotEmpty(t, answer)
	logs := sink.byType(events.TypeLog)
	foundTimeoutLog := false
	for _, l := range logs {
		if msg, _ := l.Data["message"].(string); strings.Contains(msg, "timed out") {
			foundTimeoutLog = true
		}
	}
	assert.True(t, foundTimeoutLog)
	taskComplete := sink.byType(events.TypeTaskComplete)
	require.Len(t, taskComplete, 1)
	assert.Equal(t, false, taskComplete[0].Data["forced"])
}

// Scenario 6: an empty plan for an out-of-domain query skips directly to
// Answer; no tool executes.
func TestEmptyPlanSkipsToAnswer(t *testing.T) {
	registry, err := tools.NewRegistry(listPatientsTool([]string{"p1"}))
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.enqueue(llm.RolePlan, llm.Response{Structured: map[string]any{"tasks": []any{}}})
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: Note: this question appears to be outside the scope of the available clinical data. Here is a general answer.\nFindings: none.\nCaveats: no clinical records were consulted."})

	sink := &recordingSink{}
	a := newAgent(backend, nativeCapability("native-model"), registry, loop.DefaultConfig(), sink)
	answer := a.Run(context.Background(), "What is the capital of France?")

	assert.Contains(t, answer, "outside the scope")
	assert.Empty(t, sink.byType(events.TypeTaskStart))
	assert.Empty(t, sink.byType(events.TypeToolExecution))
}

// TestPlanWithoutTaskListSynthesizesSingleTask covers spec.md §4.10 step 1's
// fallback: a Plan reply that carries no task list still produces a working
// single-task list.
func TestPlanWithoutTaskListSynthesizesSingleTask(t *testing.T) {
	registry, err := tools.NewRegistry(listPatientsTool([]string{"p1"}))
	require.NoError(t, err)

	backend := newFakeBackend() // RolePlan queue empty -> zero-value Response, no "tasks" key
	backend.enqueue(llm.RoleAct, llm.Response{ToolCalls: []llm.ToolCallRaw{
		{ID: "1", Name: "list_patients", Args: map[string]any{"limit": 1.0}},
	}})
	backend.enqueue(llm.RoleTaskDone, doneResp(true))
	backend.enqueue(llm.RoleGoalDone, doneResp(true))
	backend.enqueue(llm.RoleAnswer, llm.Response{Content: "Summary: p1.\nFindings: p1.\nCaveats: none."})

	sink := &recordingSink{}
	a := newAgent(backend, nativeCapability("native-model"), registry, loop.DefaultConfig(), sink)
	answer := a.Run(context.Background(), "any query")
	assert.Contains(t, answer, "p1")
	require.Len(t, sink.byType(events.TypeTaskStart), 1)
}
