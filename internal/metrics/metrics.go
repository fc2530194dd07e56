package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
)

// SyncMetrics owns a private registry with the sync pipeline metrics and,
// in server mode, the HTTP metrics of the webhook listener.
type SyncMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// sync pipeline
	syncsTotal          *prometheus.CounterVec
	lastSuccessTs       prometheus.Gauge
	stageDuration       *prometheus.HistogramVec
	objectsPublished    prometheus.Counter
	objectsUnchanged    prometheus.Counter
	objectsDeleted      prometheus.Counter
	publishErrors       prometheus.Counter
	publishedBytes      prometheus.Counter
	invalidationPaths   prometheus.Counter
	invalidationBatches prometheus.Counter
	notificationsTotal  *prometheus.CounterVec
	syncsRejected       prometheus.Counter

	// branch polling
	pollsTotal      prometheus.Counter
	pollErrorsTotal *prometheus.CounterVec
	pollLastSuccess prometheus.Gauge

	// http
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors + sync and HTTP metrics
// safe labels only (method, route, code, stage, result) to avoid cardinality explosions
func New() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &SyncMetrics{
		syncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_syncs_total",
			Help: "Total syncs by result (ok, noop, partial, error)",
		}, []string{"result"}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitesync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last sync that reached Done",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitesync_stage_duration_seconds",
			Help:    "Duration of each sync stage",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		objectsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_objects_published_total",
			Help: "Objects uploaded to the store",
		}),
		objectsUnchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_objects_unchanged_total",
			Help: "Writes skipped because the stored object already matched",
		}),
		objectsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_objects_deleted_total",
			Help: "Objects deleted from the store",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_publish_errors_total",
			Help: "Paths that failed to publish after retries",
		}),
		publishedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_published_bytes_total",
			Help: "Bytes uploaded to the store",
		}),
		invalidationPaths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_invalidation_paths_total",
			Help: "CDN paths submitted for invalidation",
		}),
		invalidationBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_invalidation_batches_total",
			Help: "Invalidation requests accepted by the CDN",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_notifications_total",
			Help: "Failure notifications by delivery result",
		}, []string{"result"}),
		syncsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_syncs_rejected_total",
			Help: "Sync requests rejected because another sync was running",
		}),
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_branch_polls_total",
			Help: "Branch head polls",
		}),
		pollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_branch_poll_errors_total",
			Help: "Branch poll failures by type (head, sync)",
		}, []string{"type"}),
		pollLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitesync_branch_poll_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful branch head lookup",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.syncsTotal,
		m.lastSuccessTs,
		m.stageDuration,
		m.objectsPublished,
		m.objectsUnchanged,
		m.objectsDeleted,
		m.publishErrors,
		m.publishedBytes,
		m.invalidationPaths,
		m.invalidationBatches,
		m.notificationsTotal,
		m.syncsRejected,
		m.pollsTotal,
		m.pollErrorsTotal,
		m.pollLastSuccess,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *SyncMetrics) Handler() http.Handler {
	return m.handler
}

// Gatherer exposes the registry for pushing.
func (m *SyncMetrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

// set once at startup.
func (m *SyncMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *SyncMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// engine

func (m *SyncMetrics) SyncFinished(result string) {
	m.syncsTotal.WithLabelValues(result).Inc()
	if result != "error" {
		m.lastSuccessTs.Set(float64(time.Now().Unix()))
	}
}

func (m *SyncMetrics) StageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// publish

func (m *SyncMetrics) ObjectPublished(bytes int) {
	m.objectsPublished.Inc()
	m.publishedBytes.Add(float64(bytes))
}

func (m *SyncMetrics) ObjectUnchanged() { m.objectsUnchanged.Inc() }

func (m *SyncMetrics) ObjectDeleted() { m.objectsDeleted.Inc() }

func (m *SyncMetrics) PublishError() { m.publishErrors.Inc() }

// invalidate

func (m *SyncMetrics) InvalidationBatch(paths int) {
	m.invalidationBatches.Inc()
	m.invalidationPaths.Add(float64(paths))
}

// notify

func (m *SyncMetrics) Notification(delivered bool) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.notificationsTotal.WithLabelValues(result).Inc()
}

// poll

func (m *SyncMetrics) IncPolls() { m.pollsTotal.Inc() }

func (m *SyncMetrics) IncPollError(kind string) {
	m.pollErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *SyncMetrics) SetPollLastSuccess(unixSeconds float64) {
	m.pollLastSuccess.Set(unixSeconds)
}

// http

func (m *SyncMetrics) IncSyncRejected() { m.syncsRejected.Inc() }

func (m *SyncMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *SyncMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *SyncMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}
