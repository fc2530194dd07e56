package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// DefaultMaxBodyBytes caps webhook payloads. GitHub push deliveries for very
// large pushes stay well below this.
const DefaultMaxBodyBytes = 5 << 20

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	MaxBodyBytes int64 // 0 = DefaultMaxBodyBytes

	// Routes registers the API on the router, e.g. synchttp.API.RegisterRoutes.
	Routes func(chi.Router)
}
