package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareFixture struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	mux    *http.ServeMux
	h      http.Handler
}

// newMiddlewareFixture serves a small mux behind the middleware, the way the
// server mounts its routes.
func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()
	f := &middlewareFixture{
		reader: sdkmetric.NewManualReader(),
		spans:  withTracing(t),
		mux:    http.NewServeMux(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f.h = Middleware(m)(f.mux)
	return f
}

func (f *middlewareFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	f := newMiddlewareFixture(t)
	var seen string
	f.mux.HandleFunc("GET /api/settings", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := f.do(httptest.NewRequest("GET", "/api/settings", nil))
	if !hexID.MatchString(seen) {
		t.Fatalf("handler correlation ID %q", seen)
	}
	if got := rec.Header().Get(CorrelationHeader); got != seen {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, seen)
	}

	// An incoming traceparent is continued, not replaced.
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/api/settings", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec = f.do(req)
	if seen != traceID || rec.Header().Get(CorrelationHeader) != traceID {
		t.Errorf("propagated trace: handler %q header %q", seen, rec.Header().Get(CorrelationHeader))
	}
}

func TestMiddleware_SpansNamedByRoute(t *testing.T) {
	f := newMiddlewareFixture(t)
	f.mux.HandleFunc("PUT /api/settings/voice", func(w http.ResponseWriter, r *http.Request) {})
	f.mux.HandleFunc("POST /api/tts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	f.do(httptest.NewRequest("PUT", "/api/settings/voice", nil))
	f.do(httptest.NewRequest("POST", "/api/tts", nil))

	spans := f.spans.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "PUT /api/settings/voice" || spans[0].Status.Code == codes.Error {
		t.Errorf("voice span: %q %v", spans[0].Name, spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("502 span should be an error, got %v", spans[1].Status)
	}
	var status int64
	for _, a := range spans[1].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusBadGateway {
		t.Errorf("status attribute = %d", status)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	f := newMiddlewareFixture(t)
	f.mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {})

	for range 3 {
		f.do(httptest.NewRequest("GET", "/api/messages", nil))
	}
	f.do(httptest.NewRequest("GET", "/nope", nil))

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "jarvis.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		r, _ := dp.Attributes.Value(attribute.Key("route"))
		s, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[r.AsString()+" "+s.AsString()] += dp.Count
	}
	if counts["GET /api/messages 200"] != 3 {
		t.Errorf("messages route: got %v", counts)
	}
	if counts["GET /nope 404"] != 1 {
		t.Errorf("unmatched route should fall back to the path: got %v", counts)
	}
}

// TestMiddleware_StreamingAndHijack checks that NDJSON flushing and the
// WebSocket upgrade still reach the underlying writer.
func TestMiddleware_StreamingAndHijack(t *testing.T) {
	f := newMiddlewareFixture(t)
	var flushed, hijackable bool
	f.mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
		w.Write([]byte("{}\n"))
		flushed = http.NewResponseController(w).Flush() == nil
	})

	rec := f.do(httptest.NewRequest("POST", "/api/chat", nil))
	if !flushed || !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
	if !hijackable {
		t.Error("wrapped writer should implement http.Hijacker")
	}
}
