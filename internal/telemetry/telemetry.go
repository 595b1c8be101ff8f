// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the agent, plus a goa.design/clue + OpenTelemetry backed
// implementation and a no-op implementation for tests.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages. Implementations must be safe for
	// concurrent use; the agent loop is single-threaded per session, but one
	// Logger may be shared across concurrent sessions.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans for loop transitions (the whole run, each task, each
	// tool dispatch) so the control flow can be inspected in a trace
	// backend without re-deriving it from logs.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the handle returned by Tracer.Start.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Set bundles the three telemetry sinks so they can be threaded through the
// loop and its components as a single dependency.
type Set struct {
	Log     Logger
	Metrics Metrics
	Trace   Tracer
}

// Noop returns a Set whose sinks discard everything. Used by unit tests and
// by callers who haven't configured OTEL.
func Noop() Set {
	return Set{Log: NoopLogger{}, Metrics: NoopMetrics{}, Trace: NoopTracer{}}
}
