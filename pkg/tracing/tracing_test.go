package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider() (*Provider, *tracetest.InMemoryExporter) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	return NewProvider(tp, "hazardsync-test"), exp
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "hazardsync"})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	ctx, span := p.StartSpan(context.Background(), "run")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer should produce invalid span contexts")
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	var nilProvider *Provider
	_, span = nilProvider.StartSpan(context.Background(), "task")
	span.End()
}

func TestStartSpanAndError(t *testing.T) {
	p, exp := newTestProvider()

	ctx, span := p.StartSpan(context.Background(), "task", attribute.String("task", "Wells"))
	SetError(ctx, errors.New("download failed"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "task" {
		t.Errorf("span name = %q, want task", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	p, exp := newTestProvider()

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/runs/missing", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "GET /runs/missing" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if rr.Header().Get("Traceparent") == "" {
		t.Error("trace context should be injected into the response")
	}
}

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	p, exp := newTestProvider()

	router := mux.NewRouter()
	router.Use(HTTPMiddleware(p))
	router.HandleFunc("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/runs/abc123", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "GET /runs/{id}" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("5xx should mark the span failed, got %v", spans[0].Status.Code)
	}
}

func TestStartTaskAndPhase(t *testing.T) {
	p, exp := newTestProvider()

	ctx, run := p.StartRun(context.Background(), 2)
	_, phase := p.StartPhase(ctx, "harvest")
	phase.End()
	tctx, task := p.StartTask(ctx, "Wells", "csv_points")
	Annotate(tctx, TaskOutcome.String("success"))
	SetError(tctx, nil)
	task.End()
	run.End()

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
		if s.Name == "task Wells" {
			if s.Parent.SpanID() != spans[2].SpanContext.SpanID() {
				t.Error("task span should be a child of the run span")
			}
			if s.Status.Code == codes.Error {
				t.Error("nil error must not fail the span")
			}
		}
	}
	for _, want := range []string{"run", "run.harvest", "task Wells"} {
		if !names[want] {
			t.Errorf("missing span %q in %v", want, names)
		}
	}
}

func TestExporterOptions(t *testing.T) {
	tests := map[string]int{
		"localhost:4318":                  2,
		"http://collector:4318/v1/traces": 2,
		"https://otel.example.org":        1,
	}
	for endpoint, want := range tests {
		if got := len(exporterOptions(endpoint)); got != want {
			t.Errorf("exporterOptions(%q) has %d options, want %d", endpoint, got, want)
		}
	}
}
