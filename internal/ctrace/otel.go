// Package ctrace wraps the small part of OpenTelemetry tracing
// used by the session,
// so that other packages only reference ctrace.
package ctrace

import (
	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otpnoop "go.opentelemetry.io/otel/trace/noop"
)

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// TracerName is the instrumentation name for session tracers.
const TracerName = "github.com/gordian-engine/coop"

// NopTracerProvider returns the otel no-op tracer provider,
// used when a nil provider is given.
func NopTracerProvider() TracerProvider {
	return otpnoop.NewTracerProvider()
}

// WithAttributes is an alias to [oteltrace.WithAttributes].
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// TickAttr returns the "coop.tick" attribute.
func TickAttr(tick uint32) KeyValueAttr {
	return otelattr.Int64("coop.tick", int64(tick))
}

// PeerCountAttr returns the "coop.peers" attribute.
func PeerCountAttr(n int) KeyValueAttr {
	return otelattr.Int("coop.peers", n)
}

// SpanError sets span to error status with detail from err.
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// ErrorAttr returns an attribute with the key "err"
// and the lazily evaluated value of err's Error method.
func ErrorAttr(err error) KeyValueAttr {
	return otelattr.Stringer("err", errStringer{err: err})
}

type errStringer struct {
	err error
}

func (e errStringer) String() string {
	return e.err.Error()
}
