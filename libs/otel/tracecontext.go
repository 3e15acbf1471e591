package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	traceparentKey = "traceparent"
	tracestateKey  = "tracestate"
)

// StoredTrace is a W3C trace context flattened into the two columns an
// outbox row carries. The publisher polls rows long after the booking
// request returned and uses it to parent the Kafka message on that request.
type StoredTrace struct {
	Parent string
	State  string
}

// CaptureTrace flattens the span context of ctx. Both fields are empty when
// ctx carries no valid span.
func CaptureTrace(ctx context.Context) StoredTrace {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return StoredTrace{Parent: carrier.Get(traceparentKey), State: carrier.Get(tracestateKey)}
}

func (t StoredTrace) Empty() bool {
	return t.Parent == "" && t.State == ""
}

// Resume returns ctx with t as its remote parent.
func (t StoredTrace) Resume(ctx context.Context) context.Context {
	if t.Empty() {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	carrier.Set(traceparentKey, t.Parent)
	if t.State != "" {
		carrier.Set(tracestateKey, t.State)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
