package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Correlation headers. GitHub stamps every webhook delivery with
// X-GitHub-Delivery, which doubles as the request id for hook calls.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderEvent     = "X-GitHub-Event"
	HeaderTraceID   = "X-Trace-Id"
	HeaderSpanID    = "X-Span-Id"
)

// maxRequestIDLen bounds inbound ids before they reach logs and responses.
const maxRequestIDLen = 128

type requestIDKey struct{}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext gets the request ID from context, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

// RequestID adopts the first well-formed id found in headers, in order,
// or generates one. The id is stored in the context and echoed back under
// the first header. With no headers it uses X-Request-Id.
func RequestID(headers ...string) func(http.Handler) http.Handler {
	if len(headers) == 0 {
		headers = []string{HeaderRequestID}
	}
	echo := headers[0]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := inboundRequestID(r, headers)
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set(echo, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

func inboundRequestID(r *http.Request, headers []string) string {
	for _, h := range headers {
		if v := r.Header.Get(h); validRequestID(v) {
			return v
		}
	}
	return ""
}

// validRequestID accepts the characters uuids, hex ids and the common
// proxy formats use. Anything else is replaced rather than logged.
func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// TraceResponseHeaders returns the trace and span ids of a recording span
// so a caller can quote them when a sync fails.
func TraceResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			w.Header().Set(HeaderTraceID, sc.TraceID().String())
			w.Header().Set(HeaderSpanID, sc.SpanID().String())
		}
		next.ServeHTTP(w, r)
	})
}
