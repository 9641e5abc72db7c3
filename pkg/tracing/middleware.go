package tracing

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// route names a request by its mux path template, so /runs/{id} is one
// span name rather than one per run
func route(r *http.Request) string {
	if cr := mux.CurrentRoute(r); cr != nil {
		if tpl, err := cr.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMiddleware traces API requests. Server errors mark the span failed;
// client errors do not.
func HTTPMiddleware(provider *Provider) func(http.Handler) http.Handler {
	tracer := provider.Tracer()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			tpl := route(r)
			ctx, span := tracer.Start(ctx, r.Method+" "+tpl,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(tpl),
					semconv.HTTPTarget(r.URL.RequestURI()),
					semconv.NetSockPeerAddr(r.RemoteAddr),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			propagator.Inject(ctx, propagation.HeaderCarrier(rec.Header()))
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// InjectHTTPHeaders propagates the trace in ctx to an outgoing download
func InjectHTTPHeaders(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}
