// Package session defines the Agent Loop's mutable state for a single
// run(query) invocation: the task list, accumulated tool-output history,
// the loop-detection ring, and the bounded counters that keep the loop
// terminating. The Agent Loop (C10) exclusively owns this state (spec.md
// §3 Ownership); every other component is stateless and shared.
package session

import (
	"strings"
	"time"
)

// imagingKeywords drives the Query.HasImages derivation (spec.md §3).
var imagingKeywords = []string{
	"x-ray", "xray", "ct scan", "mri", "ultrasound", "radiograph",
	"dicom", "ecg", "ekg", "echocardiogram", "scan", "image", "imaging",
}

// Query is the opaque natural-language question plus the derived imaging
// flag.
type Query struct {
	Text      string
	HasImages bool
}

// NewQuery derives HasImages from the fixed imaging-keyword set.
func NewQuery(text string) Query {
	lower := strings.ToLower(text)
	hasImages := false
	for _, kw := range imagingKeywords {
		if strings.Contains(lower, kw) {
			hasImages = true
			break
		}
	}
	return Query{Text: text, HasImages: hasImages}
}

// Task is one atomic unit of work produced by the planner. ID is unique
// within a session; Description is non-empty; once Done becomes true it
// never reverts (spec.md §3 invariants).
type Task struct {
	ID          int
	Description string
	Done        bool
}

// MarkDone sets Done, enforcing the monotonicity invariant by simply never
// allowing it to be unset — there is no corresponding MarkNotDone.
func (t *Task) MarkDone() { t.Done = true }

// RetryContext is the single-use hint threaded into the next action
// selection call after C5 classifies a result as empty and the task's retry
// budget is not exhausted.
type RetryContext struct {
	ToolName        string
	Args            map[string]any
	TruncatedResult string
}

// ActionRing is the bounded ring of recent action signatures used for loop
// detection (spec.md §4.7 step 3, §8 "Loop detection"). Size is fixed at 4:
// the ring holds four consecutive dispatched signatures, and a fifth
// identical candidate is blocked before it dispatches rather than let the
// ring grow to five.
type ActionRing struct {
	entries [4]string
	filled  int
	next    int
}

// NewActionRing returns an empty ring.
func NewActionRing() *ActionRing { return &ActionRing{} }

// WouldLoop reports whether sig matches all four entries already in a full
// ring, i.e. the same {tool, args} signature has already dispatched four
// times in a row and sig would be the fifth. It never fires before the
// ring is full, so the four real dispatches that fill it always happen.
func (r *ActionRing) WouldLoop(sig string) bool {
	if r.filled < len(r.entries) {
		return false
	}
	for i := 1; i <= len(r.entries); i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		if r.entries[idx] != sig {
			return false
		}
	}
	return true
}

// Push records sig as the most recent action signature.
func (r *ActionRing) Push(sig string) {
	r.entries[r.next] = sig
	r.next = (r.next + 1) % len(r.entries)
	if r.filled < len(r.entries) {
		r.filled++
	}
}

// State is the full mutable Session State for one run(query) invocation
// (spec.md §3).
type State struct {
	ModelName         string
	Tasks             []*Task
	TaskOutputs       []string // ordered, append-only, session-wide
	LastActions       *ActionRing
	StepCount         int
	PerTaskStepCount  map[int]int
	AgentErrorCount   int
	StartTimePerTask  map[int]time.Time
	RetryCountPerTask map[int]int
}

// New constructs an empty Session State for modelName.
func New(modelName string) *State {
	return &State{
		ModelName:         modelName,
		LastActions:       NewActionRing(),
		PerTaskStepCount:  map[int]int{},
		StartTimePerTask:  map[int]time.Time{},
		RetryCountPerTask: map[int]int{},
	}
}

// NextNotDone returns the first task that isn't done, or nil.
func (s *State) NextNotDone() *Task {
	for _, t := range s.Tasks {
		if !t.Done {
			return t
		}
	}
	return nil
}

// AnyNotDone reports whether any task remains open.
func (s *State) AnyNotDone() bool {
	return s.NextNotDone() != nil
}

// AppendOutput appends a formatted tool-output line to the session-wide
// history (spec.md §4.7 step 5).
func (s *State) AppendOutput(line string) {
	s.TaskOutputs = append(s.TaskOutputs, line)
}
