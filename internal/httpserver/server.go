package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// NewHandler builds the webhook listener's handler. main owns the
// *http.Server so it can shut down gracefully.
func NewHandler(opts *Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return wrap(newRouter(opts), opts, logger)
}

func newRouter(opts *Options) chi.Router {
	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	// sync results are small JSON documents
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get(httpmw.PathHealthy, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(httpmw.PathReady, health.ReadyzHandler(opts.Readiness))
	}
	if opts.Routes != nil {
		opts.Routes(r)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpmw.WriteError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpmw.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// wrap applies the outer middleware. Layers are listed innermost first;
// each sees everything the layers after it set up.
func wrap(h http.Handler, opts *Options, logger log.Logger) http.Handler {
	layers := []func(http.Handler) http.Handler{
		httpmw.WithLogger(logger),
		opts.MetricsMW,
		httpmw.TraceResponseHeaders,
		traced,
		// rate limiting keys on the resolved client ip
		opts.RateLimitMW,
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		// github deliveries keep their delivery id as the request id
		httpmw.RequestID(httpmw.HeaderRequestID, httpmw.HeaderDelivery),
	}
	if opts.UseRecoverMW {
		layers = append(layers, httpmw.Recover(logger, opts.OnPanic))
	}
	// outermost so every response carries them, panics included
	layers = append(layers, httpmw.SecurityHeaders)

	for _, mw := range layers {
		if mw != nil {
			h = mw(h)
		}
	}
	return h
}

// traced starts the server span. The name is provisional until
// AnnotateHTTPRoute swaps the path for the route pattern.
func traced(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// webhook senders are outside our trust boundary, never continue their trace
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func shouldTrace(p string) bool { return !httpmw.IsProbe(p) }

// Server timeout defaults. WriteTimeout covers a synchronous sync, so it
// has to exceed the longest expected publish.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 15 * time.Minute
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the webhook HTTP server
// Returns stop(ctx) for graceful shutdown; stop waits for an in-flight sync
// up to the deadline of the context it is given.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info(sctx, "http server shutting down")
			retErr = srv.Shutdown(sctx)
		})
		return retErr
	}
	return stop, nil
}
