// Package llm implements the LLM Gateway (C3): the single entry point the
// rest of the agent uses to call the model, regardless of which backend or
// tool-selection strategy a given model requires.
package llm

import (
	"context"
	"errors"

	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

// ErrTransient marks a Backend error as retry-eligible. Backends wrap
// rate-limit and other transient provider errors with it; the Gateway's
// retry loop checks errors.Is(err, ErrTransient) to decide whether to back
// off and retry or surface the failure immediately.
var ErrTransient = errors.New("llm: transient backend error")

// ErrSchemaViolation marks a Backend error as the model's reply failing to
// match the schema or protocol the request asked for (malformed tool-call
// arguments, malformed structured output) rather than a transport or
// provider failure. The Gateway maps it straight to OutcomeAgentError
// without entering the retry loop: retrying a backoff won't fix a model
// that replied with the wrong shape (spec.md §4.3, §7).
var ErrSchemaViolation = errors.New("llm: model reply violated requested schema")

// Role identifies which of the six agent roles (spec.md §4.2) a Request is
// being composed for. The Prompt Composer (package prompt) and the
// Capability Registry both key behavior off this.
type Role string

const (
	RolePlan         Role = "plan"
	RoleAct          Role = "act"
	RoleTaskDone     Role = "task_done"
	RoleGoalDone     Role = "goal_done"
	RoleOptimizeArgs Role = "optimize_args"
	RoleAnswer       Role = "answer"
)

// Part is one piece of a multimodal message. TextPart and ImagePart are the
// only two kinds the gateway needs (spec.md §4.3 "images... interleaved
// text and image parts").
type Part interface{ isPart() }

// TextPart is a plain-text message part.
type TextPart struct{ Text string }

func (TextPart) isPart() {}

// ImagePart is an inline image (e.g. a DICOM frame or ECG waveform PNG
// rendered by the sandbox's vision helpers) encoded as base64 PNG bytes.
type ImagePart struct {
	MediaType string // e.g. "image/png"
	Base64    string
}

func (ImagePart) isPart() {}

// Message is one turn of conversation.
type Message struct {
	Role  string // "system", "user", "assistant"
	Parts []Part
}

// Text returns a single-TextPart Message for role.
func Text(role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Request is the single gateway operation's input (spec.md §4.3 "call(prompt,
// *, role, output_schema?, tools?, images?)").
type Request struct {
	ModelName    string
	SystemPrompt string
	Messages     []Message
	Role         Role

	// OutputSchema, when non-nil, forces structured-output mode: the backend
	// must return JSON matching this shape. Schema is expressed the same way
	// tool argument schemas are (package tools), reusing its compiler.
	OutputSchema *tools.Schema

	// Tools, when non-empty, requests a tool call; how that request is
	// carried (native binding vs. appended prompt-JSON protocol) is decided
	// by the model's Capability.Strategy.
	Tools tools.Catalogue

	// Images carries additional inline images beyond whatever the Messages
	// already contain, for callers that assemble multimodal input
	// incrementally (e.g. the sandbox's vision oracle).
	Images []ImagePart
}

// ToolCallRaw is a tool call as returned natively by a backend (as opposed
// to one recovered from text by package parser).
type ToolCallRaw struct {
	ID   string
	Name string
	Args map[string]any
}

// Response is the gateway's normalized reply: either a structured object
// (when Request.OutputSchema was set), or free content plus optional native
// tool calls.
type Response struct {
	// Content is the model's textual reply. If a backend separates
	// "thinking" from "content" and content comes back empty, the backend
	// adapter promotes Thinking into Content before returning (spec.md §4.3);
	// the Gateway passes the Response through unchanged.
	Content string
	Thinking string

	// ToolCalls is populated when the backend speaks native function
	// calling and chose to call a tool.
	ToolCalls []ToolCallRaw

	// Structured holds the decoded structured-output object when
	// Request.OutputSchema was set.
	Structured map[string]any
}

// Outcome is the tagged sum spec.md's Design Note "Exception control flow"
// asks for: every gateway call resolves to exactly one of these, and the
// Agent Loop branches explicitly rather than catching exceptions.
type Outcome struct {
	kind OutcomeKind
	resp Response
	err  error
}

// OutcomeKind discriminates an Outcome.
type OutcomeKind int

const (
	// OutcomeOK: the call succeeded; Response is populated.
	OutcomeOK OutcomeKind = iota
	// OutcomeTransient: a retryable backend failure exhausted its retry
	// budget. Treated as fatal to the current call, but the loop may choose
	// to continue with degraded behavior (e.g. skip an optional validator).
	OutcomeTransient
	// OutcomeAgentError: the model's reply violated the requested schema or
	// protocol. Counted against Session.AgentErrorCount (spec.md §7).
	OutcomeAgentError
	// OutcomeFatal: an unrecoverable, non-retryable error (e.g. invalid
	// request, authentication failure).
	OutcomeFatal
)

func OK(r Response) Outcome                { return Outcome{kind: OutcomeOK, resp: r} }
func Transient(err error) Outcome          { return Outcome{kind: OutcomeTransient, err: err} }
func AgentError(msg string) Outcome        { return Outcome{kind: OutcomeAgentError, err: errString(msg)} }
func Fatal(err error) Outcome              { return Outcome{kind: OutcomeFatal, err: err} }

func (o Outcome) Kind() OutcomeKind { return o.kind }
func (o Outcome) Response() Response { return o.resp }
func (o Outcome) Err() error { return o.err }
func (o Outcome) IsOK() bool { return o.kind == OutcomeOK }

type errString string

func (e errString) Error() string { return string(e) }

// Backend is the minimal interface each concrete provider (openaicompat,
// anthropicapi, bedrock) implements. The Gateway wraps Backend.Complete with
// retry/backoff and cancellation; backends themselves stay simple request/
// response translators, same division of labor as the teacher's
// model.Client adapters.
type Backend interface {
	// Complete issues one request to the provider and returns its raw
	// reply. The Gateway retries only errors that wrap ErrTransient, maps an
	// error wrapping ErrSchemaViolation to OutcomeAgentError, and returns
	// every other error as OutcomeFatal without retrying.
	Complete(ctx context.Context, req Request) (Response, error)
}
