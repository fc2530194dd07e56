package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// accessWriter records status and body size for the access log and times
// the response in a child span once the handler starts writing.
type accessWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status int
	bytes  int64

	span    trace.Span
	opened  bool
	blocked time.Duration
	err     error
}

func (aw *accessWriter) open() {
	if aw.opened {
		return
	}
	aw.opened = true
	if !trace.SpanFromContext(aw.ctx).IsRecording() {
		return
	}
	_, aw.span = otel.Tracer("linnemanlabs/sitesync/httpmw").Start(aw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(aw.start).Seconds())),
	)
}

func (aw *accessWriter) code() int {
	if aw.status == 0 {
		return http.StatusOK
	}
	return aw.status
}

func (aw *accessWriter) close() {
	if aw.span == nil {
		return
	}
	aw.span.SetAttributes(
		attribute.Int("http.response.status_code", aw.code()),
		attribute.Int64("http.response.body.size", aw.bytes),
		attribute.Float64("http.server.write.block_seconds", aw.blocked.Seconds()),
	)
	if aw.err != nil {
		aw.span.RecordError(aw.err)
		aw.span.SetStatus(codes.Error, aw.err.Error())
	}
	aw.span.End()
}

func (aw *accessWriter) WriteHeader(code int) {
	aw.open()
	if aw.status == 0 {
		aw.status = code
	}
	t := time.Now()
	aw.ResponseWriter.WriteHeader(code)
	aw.blocked += time.Since(t)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	aw.open()
	if aw.status == 0 {
		aw.status = http.StatusOK
	}
	t := time.Now()
	n, err := aw.ResponseWriter.Write(b)
	aw.blocked += time.Since(t)
	aw.bytes += int64(n)
	if err != nil && aw.err == nil {
		aw.err = err
	}
	return n, err
}

func (aw *accessWriter) Flush() {
	if f, ok := aw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (aw *accessWriter) Unwrap() http.ResponseWriter { return aw.ResponseWriter }

// WithLogger stores a request-scoped logger in the context. The client
// address comes from ClientIP, which already decided whether forwarded
// headers are trusted. Hook deliveries also carry the GitHub event name.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)
			peer := peerAddr(r)
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := schemeFromRequest(r)

			kv := []any{
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			}
			attrs := []attribute.KeyValue{
				attribute.String("request_id", reqID),
				attribute.String("client.address", client),
				attribute.String("network.peer.address", peer),
				attribute.String("url.scheme", scheme),
			}
			if ev := r.Header.Get(HeaderEvent); validRequestID(ev) {
				kv = append(kv, "github.event", ev)
				attrs = append(attrs, attribute.String("github.event", ev))
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attrs...)
			}

			ctx = log.WithContext(ctx, base.With(kv...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Probe paths are polled every few seconds by load balancers.
const (
	PathHealthy = "/-/healthy"
	PathReady   = "/-/ready"
)

// IsProbe reports whether p is a health probe path. Probes are neither
// access-logged nor traced.
func IsProbe(p string) bool { return p == PathHealthy || p == PathReady }

// AccessLog writes one line per request after the handler returns.
// Server errors and rejected credentials log at warn so failed hook
// signatures stand out.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aw := &accessWriter{ResponseWriter: w, ctx: r.Context(), start: time.Now()}
			next.ServeHTTP(aw, r)
			aw.close()

			if IsProbe(r.URL.Path) {
				return
			}

			ctx := r.Context()
			status := aw.code()
			kv := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(aw.start).Seconds(),
				"http.response.body.size", aw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", RoutePattern(r),
			}
			L := log.FromContext(ctx)
			if status >= http.StatusInternalServerError || status == http.StatusUnauthorized {
				L.Warn(ctx, "http request", kv...)
				return
			}
			L.Info(ctx, "http request", kv...)
		})
	}
}

func peerAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// schemeFromRequest prefers X-Forwarded-Proto, which ClientIP has already
// stripped when the peer is not a trusted proxy.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		switch s := strings.ToLower(strings.TrimSpace(first)); s {
		case "http", "https":
			return s
		}
	}
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
