package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareSetup installs an in-memory tracer provider and returns metrics
// on a manual reader. Tests using it must not run in parallel.
func middlewareSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return m, reader, exp
}

// routed wraps h in a mux under pattern and applies the middleware.
func routed(m *Metrics, pattern string, h http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(pattern, h)
	return Middleware(m)(mux)
}

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := middlewareSetup(t)

	var seen string
	h := routed(m, "GET /v1/relay", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/relay", nil))

	if len(seen) != 32 {
		t.Fatalf("correlation id = %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, _ := middlewareSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen string
	h := routed(m, "GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("correlation id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	m, _, exp := middlewareSetup(t)

	h := routed(m, "POST /v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/sessions/abc", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "HTTP POST /v1/sessions/{id}" {
		t.Errorf("span name = %q", s.Name)
	}
	attrs := attribute.NewSet(s.Attributes...)
	if v, _ := attrs.Value("http.route"); v.AsString() != "/v1/sessions/{id}" {
		t.Errorf("http.route = %q", v.AsString())
	}
	if v, _ := attrs.Value("http.response.status_code"); v.AsInt64() != 503 {
		t.Errorf("status attribute = %d, want 503", v.AsInt64())
	}
	if s.Status.Code.String() != "Error" {
		t.Errorf("span status = %v, want Error for a 5xx", s.Status.Code)
	}
}

func TestMiddleware_RecordsDurationPerRoute(t *testing.T) {
	m, reader, _ := middlewareSetup(t)

	h := routed(m, "GET /readyz", okHandler)
	for range 2 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "tutorvox.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, okType := met.Data.(metricdata.Histogram[float64])
	if !okType {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["/readyz"] != 2 {
		t.Errorf("/readyz samples = %d, want 2", counts["/readyz"])
	}
	if counts[unmatchedRoute] != 1 {
		t.Errorf("unmatched samples = %d, want 1", counts[unmatchedRoute])
	}
	if len(counts) != 2 {
		t.Errorf("routes = %v, raw paths must not become labels", counts)
	}
}

func TestRouteOf(t *testing.T) {
	t.Parallel()
	tests := []struct{ pattern, want string }{
		{"", unmatchedRoute},
		{"GET /healthz", "/healthz"},
		{"/v1/relay", "/v1/relay"},
	}
	for _, tc := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.Pattern = tc.pattern
		if got := routeOf(r); got != tc.want {
			t.Errorf("routeOf(%q) = %q, want %q", tc.pattern, got, tc.want)
		}
	}
}

func TestMiddleware_AllowsHijack(t *testing.T) {
	m, _, _ := middlewareSetup(t)

	hijacked := make(chan struct{}, 1)
	srv := httptest.NewServer(Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, isHijacker := w.(http.Hijacker)
		if !isHijacker {
			t.Error("wrapped writer is not an http.Hijacker")
			return
		}
		conn, rw, err := h.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		hijacked <- struct{}{}
		_, _ = rw.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
		_ = rw.Flush()
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	select {
	case <-hijacked:
	default:
		t.Error("handler did not hijack the connection")
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}
