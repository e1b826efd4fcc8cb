package fanout

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("companionchat/relay/fanout")

var propagator = propagation.TraceContext{}
