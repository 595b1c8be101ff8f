package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/sbayer2/medster-agent/internal/telemetry"
)

// RetryPolicy configures the Gateway's exponential backoff for transient
// backend errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

// DefaultRetryPolicy matches spec.md §4.3's "retry with exponential backoff,
// base 0.5s, factor 2" guidance.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, Factor: 2}
}

// Gateway is the C3 LLM Gateway: it owns rate limiting and retry/backoff
// around a Backend, and always resolves a call to exactly one Outcome.
type Gateway struct {
	backend Backend
	limiter *rate.Limiter
	policy  RetryPolicy
	log     telemetry.Logger
}

// New constructs a Gateway. ratePerSecond <= 0 disables local rate limiting
// (the backend or its transport is relied on to enforce provider limits).
func New(backend Backend, ratePerSecond float64, policy RetryPolicy, log telemetry.Logger) *Gateway {
	var lim *rate.Limiter
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	if log == nil {
		log = telemetry.Noop().Log
	}
	return &Gateway{backend: backend, limiter: lim, policy: policy, log: log}
}

// Call issues req against the backend, retrying transient failures with
// exponential backoff up to Policy.MaxAttempts, and returns a single Outcome
// (spec.md Design Note "Exception control flow").
func (g *Gateway) Call(ctx context.Context, req Request) Outcome {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Fatal(err)
		}
	}

	delay := g.policy.BaseDelay
	maxAttempts := g.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := g.backend.Complete(ctx, req)
		if err == nil {
			return OK(resp)
		}
		lastErr = err
		if errors.Is(err, ErrSchemaViolation) {
			return AgentError(err.Error())
		}
		if !errors.Is(err, ErrTransient) {
			return Fatal(err)
		}
		g.log.Warn(ctx, "llm backend call failed, retrying",
			"attempt", attempt, "max_attempts", maxAttempts, "error", err.Error())
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Fatal(ctx.Err())
		case <-time.After(delay):
		}
		if g.policy.Factor > 0 {
			delay = time.Duration(float64(delay) * g.policy.Factor)
		}
	}
	return Transient(lastErr)
}
