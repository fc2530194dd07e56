package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractRealClientAddr(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
	}{
		{"direct public", "203.0.113.9:443", "", 0, "203.0.113.9"},
		{"public peer ignores xff", "203.0.113.9:443", "1.2.3.4", 1, "203.0.113.9"},
		{"private peer no hops ignores xff", "10.0.0.2:443", "1.2.3.4", 0, "10.0.0.2"},
		{"single alb", "10.0.0.2:443", "1.2.3.4", 1, "1.2.3.4"},
		{"single alb spoofed prefix", "10.0.0.2:443", "6.6.6.6, 1.2.3.4", 1, "1.2.3.4"},
		{"cdn plus alb", "10.0.0.2:443", "6.6.6.6, 1.2.3.4, 130.176.0.1", 2, "1.2.3.4"},
		{"fewer entries than hops", "10.0.0.2:443", "1.2.3.4", 3, "10.0.0.2"},
		{"garbage xff entry", "10.0.0.2:443", "not-an-ip", 1, "10.0.0.2"},
		{"empty remote", "", "", 0, "0.0.0.0"},
		{"no port", "203.0.113.9", "", 0, "203.0.113.9"},
		{"bad ip", "nope:80", "", 0, "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/hooks/github", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := extractRealClientAddr(r, tt.hops); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractRealClientAddr_StripsUntrustedHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/sync", http.NoBody)
	r.RemoteAddr = "203.0.113.9:443"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	r.Header.Set("X-Forwarded-Proto", "https")

	extractRealClientAddr(r, 1)

	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("X-Forwarded-Proto") != "" {
		t.Fatalf("forwarded headers not stripped: %v", r.Header)
	}
}

func TestClientIPWithOptions_Middleware(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/hooks/github", http.NoBody)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "140.82.115.10")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "140.82.115.10" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestClientIPFromContext(t *testing.T) {
	if ClientIPFromContext(t.Context()) != "" {
		t.Fatal("missing ip should be empty")
	}
	ctx := WithClientIP(t.Context(), "")
	if ClientIPFromContext(ctx) != "" {
		t.Fatal("empty ip must not be stored")
	}
	ctx = WithClientIP(t.Context(), "192.0.2.5")
	if ClientIPFromContext(ctx) != "192.0.2.5" {
		t.Fatal("round trip failed")
	}
}
