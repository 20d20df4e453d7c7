package calls

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "vaxllo/calls"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	actionFailures, _ = meter.Int64Counter("vaxllo.calls.action_failures",
		metric.WithDescription("Call Control actions that failed"))
	generationFailures, _ = meter.Int64Counter("vaxllo.calls.generation_failures",
		metric.WithDescription("Replies that could not be generated"))
	callsStarted, _ = meter.Int64Counter("vaxllo.calls.started",
		metric.WithDescription("Calls answered by the assistant"))
)
