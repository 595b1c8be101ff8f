// Package nexusop exposes run(query) as a Nexus async operation
// (SPEC_FULL.md §3's domain-stack entry for github.com/nexus-rpc/sdk-go):
// a thin, out-of-scope-per-spec.md-§6 external entry point so a caller
// process can start and cancel a Medster session without a bespoke HTTP
// layer. spec.md §6 scopes the CLI/HTTP surface down to "thin wrappers...
// out of scope except model_name + cancellation"; this package is exactly
// that wrapper, nothing more — query composition, prompting, and tool
// dispatch all live in the Agent Loop (C10) this operation delegates to.
package nexusop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-rpc/sdk-go/nexus"
)

// Runner is the narrow capability this package depends on: anything that
// can run one query to completion and return the synthesized answer. The
// Agent Loop (package loop) satisfies this directly; nexusop never imports
// package loop's other dependencies (gateway, registry, context manager),
// keeping the transport binding thin (spec.md §6).
type Runner interface {
	Run(ctx context.Context, query string) string
}

// RunInput is the operation's request payload.
type RunInput struct {
	ModelName string `json:"model_name"`
	Query     string `json:"query"`
}

// RunOutput is the operation's completed result payload.
type RunOutput struct {
	Answer string `json:"answer"`
}

// runState tracks one in-flight or completed operation.
type runState struct {
	cancel context.CancelFunc
	done   chan struct{}
	result RunOutput
	err    error
}

// RunOperation implements nexus.Operation[RunInput, RunOutput]: Start
// launches the Agent Loop in the background and returns immediately with
// an operation id; GetResult long-polls for completion; Cancel stops the
// loop via context cancellation (spec.md §6 "out of scope except
// model_name + cancellation" — cancellation is the one piece of session
// control this transport must carry faithfully).
type RunOperation struct {
	newRunner func(modelName string) Runner

	mu  sync.Mutex
	ops map[string]*runState
}

// NewRunOperation constructs the run operation. newRunner builds a fresh
// Runner (an *loop.Agent in production) for the model named in each
// request, so one RunOperation can serve requests against any registered
// model without the transport layer knowing how an Agent is wired.
func NewRunOperation(newRunner func(modelName string) Runner) *RunOperation {
	return &RunOperation{newRunner: newRunner, ops: make(map[string]*runState)}
}

var _ nexus.Operation[RunInput, RunOutput] = (*RunOperation)(nil)

// Name returns the operation's registered name.
func (*RunOperation) Name() string { return "run" }

// Start launches the query against a fresh Runner in the background and
// returns an asynchronous handle; Medster queries routinely run many tool
// round trips, so no request ever completes synchronously.
func (o *RunOperation) Start(ctx context.Context, input RunInput, options nexus.StartOperationOptions) (nexus.HandlerStartOperationResult[RunOutput], error) {
	if input.Query == "" {
		return nil, &nexus.UnsuccessfulOperationError{
			State: nexus.OperationStateFailed,
			Failure: nexus.Failure{Message: "query must not be empty"},
		}
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	st := &runState{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.ops[id] = st
	o.mu.Unlock()

	runner := o.newRunner(input.ModelName)
	go func() {
		defer close(st.done)
		defer cancel()
		answer := runner.Run(runCtx, input.Query)
		st.result = RunOutput{Answer: answer}
	}()

	return &nexus.HandlerStartOperationResultAsync{OperationID: id}, nil
}

// Cancel stops the named operation's Agent Loop by cancelling its context.
// An unknown id is reported as not found rather than silently ignored, so
// a caller racing a just-completed operation gets an explicit signal.
func (o *RunOperation) Cancel(ctx context.Context, id string, options nexus.CancelOperationOptions) error {
	st, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("nexusop: unknown operation %q", id)
	}
	st.cancel()
	return nil
}

// GetInfo reports whether id is still running or has completed.
func (o *RunOperation) GetInfo(ctx context.Context, id string, options nexus.GetOperationInfoOptions) (*nexus.OperationInfo, error) {
	st, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("nexusop: unknown operation %q", id)
	}
	state := nexus.OperationStateRunning
	select {
	case <-st.done:
		state = nexus.OperationStateSucceeded
	default:
	}
	return &nexus.OperationInfo{ID: id, State: state}, nil
}

// GetResult blocks up to options.Wait for the operation to complete, or
// returns immediately with its already-available result.
func (o *RunOperation) GetResult(ctx context.Context, id string, options nexus.GetOperationResultOptions) (RunOutput, error) {
	st, ok := o.lookup(id)
	if !ok {
		return RunOutput{}, fmt.Errorf("nexusop: unknown operation %q", id)
	}

	if options.Wait <= 0 {
		select {
		case <-st.done:
			return st.result, st.err
		default:
			return RunOutput{}, nexus.ErrOperationStillRunning
		}
	}

	timer := time.NewTimer(options.Wait)
	defer timer.Stop()
	select {
	case <-st.done:
		return st.result, st.err
	case <-timer.C:
		return RunOutput{}, nexus.ErrOperationStillRunning
	case <-ctx.Done():
		return RunOutput{}, ctx.Err()
	}
}

func (o *RunOperation) lookup(id string) (*runState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.ops[id]
	return st, ok
}
