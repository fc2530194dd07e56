package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/trace"
)

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestStatusWriter(t *testing.T) {
	tests := []struct {
		name      string
		write     func(w http.ResponseWriter)
		wantCode  int
		wantBytes int
	}{
		{"nothing written", func(http.ResponseWriter) {}, http.StatusOK, 0},
		{"implicit 200", func(w http.ResponseWriter) { _, _ = w.Write([]byte("hello")) }, http.StatusOK, 5},
		{"explicit status", func(w http.ResponseWriter) { w.WriteHeader(http.StatusAccepted) }, http.StatusAccepted, 0},
		{"status then body", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"busy"}`))
		}, http.StatusConflict, 16},
		{"chunks accumulate", func(w http.ResponseWriter) {
			_, _ = w.Write([]byte("aaa"))
			_, _ = w.Write([]byte("bbbbb"))
		}, http.StatusOK, 8},
		{"superfluous header ignored", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusAccepted)
			w.WriteHeader(http.StatusInternalServerError)
		}, http.StatusAccepted, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			sw := &statusWriter{ResponseWriter: rec}
			tt.write(sw)

			if sw.code() != tt.wantCode {
				t.Fatalf("code = %d, want %d", sw.code(), tt.wantCode)
			}
			if sw.n != tt.wantBytes {
				t.Fatalf("bytes = %d, want %d", sw.n, tt.wantBytes)
			}
			if sw.Unwrap() != rec {
				t.Fatal("Unwrap must return the wrapped writer")
			}
		})
	}
}

func TestMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		status     int
		wantRoute  string
		wantStatus string
	}{
		{"hook accepted", http.MethodPost, "/v1/hooks/github", http.StatusAccepted, "/v1/hooks/{provider}", "202"},
		{"sync busy", http.MethodPost, "/v1/sync", http.StatusConflict, "/v1/sync", "409"},
		{"status", http.MethodGet, "/v1/status", 0, "/v1/status", "200"},
		{"scanner", http.MethodGet, "/.env", http.StatusNotFound, "unmatched", "404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			reply := func(w http.ResponseWriter, _ *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
			}
			r := chi.NewRouter()
			r.Use(m.Middleware)
			r.Post("/v1/hooks/{provider}", reply)
			r.Post("/v1/sync", reply)
			r.Get("/v1/status", reply)
			r.NotFound(reply)

			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, http.NoBody))

			f := gatherMetric(t, m.reg, "http_requests_total")
			if f == nil || len(f.GetMetric()) != 1 {
				t.Fatalf("http_requests_total = %v", f)
			}
			got := labelsOf(f.GetMetric()[0])
			if got["method"] != tt.method || got["route"] != tt.wantRoute || got["status"] != tt.wantStatus {
				t.Fatalf("labels = %v, want %s %s %s", got, tt.method, tt.wantRoute, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_OutsideRouterIsUnmatched(t *testing.T) {
	m := New()
	var hasRouteCtx bool
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasRouteCtx = chi.RouteContext(r.Context()) != nil
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/hooks/gitlab", http.NoBody))

	if !hasRouteCtx {
		t.Fatal("route context should be injected when missing")
	}
	f := gatherMetric(t, m.reg, "http_requests_total")
	if route := labelsOf(f.GetMetric()[0])["route"]; route != "unmatched" {
		t.Fatalf("route = %q, want unmatched", route)
	}
}

func TestMiddleware_Inflight(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/status", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	if after := gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); after != 0 {
		t.Fatalf("inflight after request = %v, want 0", after)
	}
}

func TestMiddleware_DurationAndSize(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))

	const n = 3
	var rec *httptest.ResponseRecorder
	for range n {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync", http.NoBody))
	}

	if rec.Code != http.StatusAccepted || rec.Body.String() != `{"status":"accepted"}` {
		t.Fatalf("response altered: %d %q", rec.Code, rec.Body.String())
	}
	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != n {
		t.Fatalf("duration samples = %d, want %d", got, n)
	}
	size := gatherMetric(t, m.reg, "http_response_size_bytes").GetMetric()[0].GetHistogram()
	if size.GetSampleCount() != n || size.GetSampleSum() != n*21 {
		t.Fatalf("size samples = %d sum = %v", size.GetSampleCount(), size.GetSampleSum())
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	spanCtx := func(flags trace.TraceFlags) trace.SpanContext {
		return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: flags})
	}

	tests := []struct {
		name     string
		withSpan bool
		sc       trace.SpanContext
		want     string
	}{
		{"no span", false, trace.SpanContext{}, ""},
		{"zero span context", true, trace.SpanContext{}, ""},
		{"not sampled", true, spanCtx(0), ""},
		{"sampled", true, spanCtx(trace.FlagsSampled), "0102030405060708090a0b0c0d0e0f10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			if tt.withSpan {
				ctx = trace.ContextWithSpanContext(ctx, tt.sc)
			}
			got := traceExemplar(ctx)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("exemplar = %v, want none", got)
				}
				return
			}
			if got["trace_id"] != tt.want {
				t.Fatalf("trace_id = %q, want %q", got["trace_id"], tt.want)
			}
		})
	}
}
