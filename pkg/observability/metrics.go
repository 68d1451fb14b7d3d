package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Permission metrics
	PermissionChecksTotal  *prometheus.CounterVec
	PermissionDeniedTotal  *prometheus.CounterVec
	FieldViolationsTotal   *prometheus.CounterVec
	VisibilityDeniedTotal  *prometheus.CounterVec

	// Audit metrics
	AuditWritesTotal       *prometheus.CounterVec
	AuditWriteFailures     prometheus.Counter
	AuditRetentionDeleted  prometheus.Counter

	// Automation metrics
	AutomationJobsTotal    *prometheus.CounterVec
	AutomationQueueDepth   prometheus.Gauge
	AutomationDropsTotal   prometheus.Counter
	AutomationJobDuration  *prometheus.HistogramVec

	// Assistant metrics
	ToolCallsTotal         *prometheus.CounterVec
	ToolCallDuration       *prometheus.HistogramVec

	// Conversation memory metrics
	MemoryOperationsTotal  *prometheus.CounterVec
	MemoryExpiredTotal     prometheus.Counter

	// Search cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"module", "action", "result"},
		),
		PermissionDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_permission_denied_total",
				Help: "Total number of module/action permission denials",
			},
			[]string{"module", "action"},
		),
		FieldViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_field_violations_total",
				Help: "Total number of field-level edit permission violations",
			},
			[]string{"module"},
		),
		VisibilityDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_visibility_denied_total",
				Help: "Total number of record visibility denials",
			},
			[]string{"module"},
		),

		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_audit_writes_total",
				Help: "Total number of audit log writes",
			},
			[]string{"action", "actor_type"},
		),
		AuditWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "atrium_audit_write_failures_total",
				Help: "Total number of swallowed audit write failures",
			},
		),
		AuditRetentionDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "atrium_audit_retention_deleted_total",
				Help: "Total number of audit entries removed by retention sweeps",
			},
		),

		AutomationJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_automation_jobs_total",
				Help: "Total number of automation jobs by terminal status",
			},
			[]string{"action", "status"},
		),
		AutomationQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "atrium_automation_queue_depth",
				Help: "Current depth of the automation job queue",
			},
		),
		AutomationDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "atrium_automation_drops_total",
				Help: "Total number of automation events dropped on a full queue",
			},
		),
		AutomationJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_automation_job_duration_seconds",
				Help:    "Automation job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_tool_calls_total",
				Help: "Total number of assistant tool calls",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atrium_tool_call_duration_seconds",
				Help:    "Assistant tool call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),

		MemoryOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_memory_operations_total",
				Help: "Total number of conversation memory operations",
			},
			[]string{"operation", "status"},
		),
		MemoryExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "atrium_memory_expired_total",
				Help: "Total number of conversation contexts found expired on read",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atrium_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "atrium_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "atrium_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.PermissionChecksTotal,
		m.PermissionDeniedTotal,
		m.FieldViolationsTotal,
		m.VisibilityDeniedTotal,
		m.AuditWritesTotal,
		m.AuditWriteFailures,
		m.AuditRetentionDeleted,
		m.AutomationJobsTotal,
		m.AutomationQueueDepth,
		m.AutomationDropsTotal,
		m.AutomationJobDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.MemoryOperationsTotal,
		m.MemoryExpiredTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeTemplate returns the mux route template for the request so record IDs
// do not explode the label cardinality. Falls back to the raw path for
// unrouted requests.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)
			path := routeTemplate(r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}
