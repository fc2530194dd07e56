package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/poll"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/prof"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/synchttp"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/syncstate"
	v "github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
)

// drainPeriod is how long readiness fails before the listeners close.
const drainPeriod = 15 * time.Second

func runServer(ctx context.Context, conf cfg.App, p *pipeline, m *metrics.SyncMetrics) int {
	L := log.FromContext(ctx)
	vi := v.Get()

	if conf.WebhookSecret == "" && conf.SyncToken == "" && conf.PollInterval == 0 {
		L.Warn(ctx, "no webhook-secret, sync-token or poll-interval set, nothing will trigger a sync")
	}

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		Component:     cfg.ModeServer,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Build:         vi,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	tp, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: cfg.ModeServer,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := health.Named("shutdown", gate.Probe())

	// Setup rate limiter middleware for the sync endpoints
	limiter := ratelimit.New(ctx,
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new senders until some are evicted")
		}),
	)

	// webhook, manual and poll triggers share one sync slot
	runner := syncstate.New(p.engine, m)

	api := synchttp.NewAPI(synchttp.Options{
		Runner:        runner,
		Logger:        L,
		WebhookSecret: conf.WebhookSecret,
		SyncToken:     conf.SyncToken,
	})

	// poll staleness is reported on the ops listener only, never on the
	// webhook listener's readiness
	var watcher *poll.Watcher
	opsHealth := health.Fixed(true, "")
	if conf.PollInterval > 0 {
		watcher = poll.NewWatcher(&poll.Options{
			Logger:   L.With("component", "poll"),
			Heads:    p.reader,
			Runner:   runner,
			Metrics:  m,
			Branch:   conf.Branch,
			Interval: conf.PollInterval,
		})
		opsHealth = watcher.Probe()
	}

	// start webhook http server
	syncHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Routes:       api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start sync http listener")
		return 1
	}
	defer func() { _ = syncHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// public ips are rejected in middleware in case the port is ever exposed
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       opsHealth,
		Build:        &vi,
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if watcher != nil {
		go func() { _ = watcher.Run(ctx) }()
	}

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Debug(ctx, "systemd readiness not sent", "reason", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending triggers
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// an in-flight sync keeps its connection open; give it the full budget
	shutdownTimeout := conf.Timeout()
	if shutdownTimeout <= 0 {
		shutdownTimeout = httpserver.DefaultWriteTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := syncHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "sync http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
