package httpserver

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// test helpers

func doRequest(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, body))
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func syncRoutes(r chi.Router) {
	r.Post("/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","results":[]}`))
	})
	r.Get("/v1/panic", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	r.Get("/v1/client", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(httpmw.ClientIPFromContext(r.Context())))
	})
}

// NewHandler - middleware stack

func TestNewHandler_Routes(t *testing.T) {
	h := NewHandler(&Options{Logger: log.Nop(), Routes: syncRoutes})

	if rec := doRequest(t, h, http.MethodPost, "/v1/sync", strings.NewReader("{}")); rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/sync: status = %d", rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("404: status = %d body = %q", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/sync", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/sync: status = %d, want 405", rec.Code)
	}
}

func TestNewHandler_NoOptions(t *testing.T) {
	h := NewHandler(&Options{})
	if rec := doRequest(t, h, http.MethodGet, "/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewHandler_SecurityHeadersAndRequestID(t *testing.T) {
	h := NewHandler(&Options{Logger: log.Nop(), Routes: syncRoutes})
	for _, path := range []string{"/v1/sync", "/missing"} {
		rec := doRequest(t, h, http.MethodPost, path, strings.NewReader("{}"))
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s: missing nosniff", path)
		}
		if rec.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("%s: missing no-store", path)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Errorf("%s: missing request id", path)
		}
	}
}

func TestNewHandler_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
		path string
		want int
	}{
		{"healthy", &Options{Health: health.Fixed(true, "")}, "/-/healthy", http.StatusOK},
		{"unhealthy", &Options{Health: health.Fixed(false, "down")}, "/-/healthy", http.StatusServiceUnavailable},
		{"ready", &Options{Readiness: health.Fixed(true, "")}, "/-/ready", http.StatusOK},
		{"draining", &Options{Readiness: health.Fixed(false, "draining")}, "/-/ready", http.StatusServiceUnavailable},
		{"no probe", &Options{}, "/-/ready", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := doRequest(t, NewHandler(tt.opts), http.MethodGet, tt.path, nil); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	h := NewHandler(&Options{Logger: log.Nop(), Routes: syncRoutes, MaxBodyBytes: 8})
	rec := doRequest(t, h, http.MethodPost, "/v1/sync", strings.NewReader(strings.Repeat("x", 64)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_RecoverMW(t *testing.T) {
	panics := 0
	h := NewHandler(&Options{
		Logger:       log.Nop(),
		Routes:       syncRoutes,
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
	})
	rec := doRequest(t, h, http.MethodGet, "/v1/panic", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic = %d, want 1", panics)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers must survive a panic")
	}
}

func TestNewHandler_RateLimitAndMetricsMW(t *testing.T) {
	var limited, measured int
	h := NewHandler(&Options{
		Logger: log.Nop(),
		Routes: syncRoutes,
		RateLimitMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limited++
				if httpmw.ClientIPFromContext(r.Context()) == "" {
					t.Error("rate limiter ran before client ip resolution")
				}
				next.ServeHTTP(w, r)
			})
		},
		MetricsMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				measured++
				next.ServeHTTP(w, r)
			})
		},
	})
	doRequest(t, h, http.MethodPost, "/v1/sync", strings.NewReader("{}"))
	if limited != 1 || measured != 1 {
		t.Fatalf("limited = %d measured = %d", limited, measured)
	}
}

func TestNewHandler_ClientIPOpts(t *testing.T) {
	h := NewHandler(&Options{
		Logger:       log.Nop(),
		Routes:       syncRoutes,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1},
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/client", http.NoBody)
	req.RemoteAddr = "10.0.3.3:4444"
	req.Header.Set("X-Forwarded-For", "140.82.112.9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Body.String() != "140.82.112.9" {
		t.Fatalf("client ip = %q", rec.Body.String())
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	h := NewHandler(&Options{Logger: log.Nop(), Routes: syncRoutes})
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader("{}"))
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("body = %q", body)
	}
}

func TestShouldTrace(t *testing.T) {
	for path, want := range map[string]bool{
		"/-/healthy":       false,
		"/-/ready":         false,
		"/v1/sync":         true,
		"/v1/hooks/github": true,
	} {
		if got := shouldTrace(path); got != want {
			t.Errorf("shouldTrace(%q) = %v, want %v", path, got, want)
		}
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer(":1234", http.NotFoundHandler())
	if srv.Addr != ":1234" {
		t.Fatalf("Addr = %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("timeouts = %v/%v", srv.ReadHeaderTimeout, srv.WriteTimeout)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

// Start

func TestStart_Lifecycle(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop, err := Start(ctx, &Options{Logger: log.Nop(), Port: port, Routes: syncRoutes})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/sync", port)
	resp, err := http.Post(url, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id on live server")
	}

	if _, err := Start(ctx, &Options{Logger: log.Nop(), Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Post(url, "application/json", strings.NewReader("{}")); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}
