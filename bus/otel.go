package bus

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("companionchat/relay/bus")

var propagator = propagation.TraceContext{}
