package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
)

// DefaultPort is the ops listener port when Options.Port is zero.
const DefaultPort = 9000

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Build, when set, is served as JSON at /-/build.
	Build *version.Info

	UseRecoverMW bool
	OnPanic      func() // e.g. to bump http_panic_total
}
