package duplex

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/albertbausili/duplex"

// TracingConfig defines the configuration options for the tracing middleware.
type TracingConfig struct {
	TracerProvider trace.TracerProvider
	// SkipPaths lists paths that are not traced.
	SkipPaths  []string
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig uses the global provider and W3C trace context.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing starts a server span per request, continuing the trace the client
// propagated.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a Tracing middleware with custom configuration.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	skip := toSet(config.SkipPaths)
	tracer := config.TracerProvider.Tracer(tracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}

			parent := config.Propagator.Extract(ctx.Context(), propagation.HeaderCarrier(ctx.Header()))
			spanCtx, span := tracer.Start(parent, ctx.Method()+" "+ctx.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", ctx.Method()),
					attribute.String("url.path", ctx.Path()),
					attribute.String("url.scheme", ctx.Scheme()),
					attribute.String("server.address", ctx.Authority()),
					attribute.String("network.protocol.version", ctx.Proto()),
					attribute.Int("http.request.body.size", len(ctx.BodyBytes())),
				))
			defer span.End()
			if id, ok := ctx.Get(requestIDKey); ok {
				if s, ok := id.(string); ok {
					span.SetAttributes(attribute.String("http.request_id", s))
				}
			}

			orig := ctx.ctx
			ctx.ctx = spanCtx
			err := next.Serve(ctx)
			ctx.ctx = orig

			span.SetAttributes(attribute.Int("http.response.status_code", ctx.Status()))
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case ctx.Status() >= 500:
				span.SetStatus(codes.Error, "server error")
			default:
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}
