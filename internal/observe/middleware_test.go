package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const traceparentID = "4bf92f3577b34da6a3ce929d0e0e4736"

// instrumented returns a Middleware-wrapped mux serving the room trigger
// route plus the reader and span exporter observing it.
func instrumented(t *testing.T, status int) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/rooms/{room}/pipeline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(status)
	})
	return Middleware(m)(mux), reader, exp
}

func trigger(h http.Handler, room string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/rooms/"+room+"/pipeline", nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := instrumented(t, http.StatusAccepted)

	rec := trigger(h, "chat-1", nil)
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32 char trace id", cid)
	}
	if got := rec.Header().Get("X-Seen-Correlation"); got != cid {
		t.Errorf("handler saw correlation %q, response carries %q", got, cid)
	}

	rec = trigger(h, "chat-1", map[string]string{
		"traceparent": "00-" + traceparentID + "-00f067aa0ba902b7-01",
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != traceparentID {
		t.Errorf("with traceparent: X-Correlation-ID = %q, want %q", got, traceparentID)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, exp := instrumented(t, http.StatusServiceUnavailable)
	trigger(h, "chat-7", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if want := "POST /v1/rooms/{room}/pipeline"; s.Name != want {
		t.Errorf("span name = %q, want %q", s.Name, want)
	}
	var status int64
	for _, a := range s.Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("status attribute = %d, want 503", status)
	}
	if s.Status.Code.String() != "Error" {
		t.Errorf("span status = %v, want Error for 5xx", s.Status.Code)
	}
}

func TestMiddleware_UnmatchedKeepsPath(t *testing.T) {
	h, _, exp := instrumented(t, http.StatusAccepted)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /nowhere" {
		t.Fatalf("spans = %+v, want one named HTTP GET /nowhere", spans)
	}
}

func TestMiddleware_DurationByPatternAndStatus(t *testing.T) {
	h, reader, _ := instrumented(t, http.StatusAccepted)
	for _, room := range []string{"chat-1", "chat-2", "chat-3"} {
		trigger(h, room, nil)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "walkietalk.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 (rooms share the pattern)", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("sample count = %d, want 3", dp.Count)
	}
	if path, _ := dp.Attributes.Value("path"); path.AsString() != "POST /v1/rooms/{room}/pipeline" {
		t.Errorf("path attribute = %q", path.AsString())
	}
	if status, _ := dp.Attributes.Value("status"); status.AsString() != "2xx" {
		t.Errorf("status attribute = %q, want 2xx", status.AsString())
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 401: "4xx", 503: "5xx", 0: "0"}
	for code, want := range tests {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
