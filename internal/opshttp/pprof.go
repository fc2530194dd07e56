package opshttp

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// mountPprof serves the runtime profiles under /debug/pprof/ or, when
// disabled, claims the prefix with 404s.
func mountPprof(mux *http.ServeMux, enabled bool) {
	if !enabled {
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
		return
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// internalPeer reports whether remoteAddr is loopback, private or
// link-local, along with the parsed host.
func internalPeer(remoteAddr string) (string, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host, false
	}
	return host, ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// requireNonPublicNetwork refuses callers outside internal ranges. The ops
// port carries pprof and the full metric set and must stay unreachable
// from the internet even if a security group is misconfigured.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if host, ok := internalPeer(r.RemoteAddr); !ok {
			L.Warn(r.Context(), "ops request from public network rejected",
				"client.address", host,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
