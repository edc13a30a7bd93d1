package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// captureLogs points the default logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestSessionID(t *testing.T) {
	t.Parallel()
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSession(context.Background(), "01JB0S")
	if got := SessionID(ctx); got != "01JB0S" {
		t.Errorf("SessionID = %q, want 01JB0S", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, plain := StartSpan(context.Background(), "plain")
	plain.End()
	_, tagged := StartSpan(WithSession(context.Background(), "s-1"), "tagged")
	tagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	plainAttrs := attribute.NewSet(spans[0].Attributes...)
	if _, has := plainAttrs.Value("session.id"); has {
		t.Error("span without a session must not carry session.id")
	}
	taggedAttrs := attribute.NewSet(spans[1].Attributes...)
	if v, _ := taggedAttrs.Value("session.id"); v.AsString() != "s-1" {
		t.Errorf("session.id = %q, want s-1", v.AsString())
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("CorrelationID without a span should be empty")
	}
}

func TestLogger(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	spanCtx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{"bare", context.Background(), nil, []string{"session_id", "trace_id"}},
		{"session only", WithSession(context.Background(), "s-2"), []string{"session_id=s-2"}, []string{"trace_id"}},
		{"span and session", WithSession(spanCtx, "s-3"), []string{"session_id=s-3", "trace_id=", "span_id="}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tc.ctx).Info("hello")
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}

func TestInitProvider(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: 2}); err == nil {
		t.Error("sample ratio above 1 should be rejected")
	}

	origTP, origMP, origProp := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
		otel.SetTextMapPropagator(origProp)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
	_, span := StartSpan(context.Background(), "after-init")
	if !span.SpanContext().IsSampled() {
		t.Error("root spans should be sampled by default")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
