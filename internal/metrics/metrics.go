package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Config controls label cardinality.
type Config struct {
	// EnableBucketLabel keeps the bucket name on storage metrics; when false
	// every bucket is reported as "*".
	EnableBucketLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	cfg      Config
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseBytes   *prometheus.CounterVec

	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3OperationErrors   *prometheus.CounterVec

	keysIssuedTotal    *prometheus.CounterVec
	keysDeliveredTotal *prometheus.CounterVec

	entitlementDecisions *prometheus.CounterVec
	upstreamErrors       *prometheus.CounterVec
	cacheLookups         *prometheus.CounterVec

	pipelineRuns          *prometheus.CounterVec
	pipelineStageDuration *prometheus.HistogramVec
	pipelineQueueDepth    prometheus.Gauge
}

// NewMetrics registers metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer, Config{EnableBucketLabel: true})
}

// NewMetricsWithRegistry registers metrics with reg. Tests use a fresh
// registry to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableBucketLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	m := &Metrics{
		cfg: cfg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpResponseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_response_bytes_total",
				Help: "Total bytes written in HTTP responses",
			},
			[]string{"method", "path"},
		),
		s3OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operations_total",
				Help: "Total number of S3 operations",
			},
			[]string{"operation", "bucket"},
		),
		s3OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3_operation_duration_seconds",
				Help:    "S3 operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "bucket"},
		),
		s3OperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3_operation_errors_total",
				Help: "Total number of S3 operation errors",
			},
			[]string{"operation", "bucket", "error_type"},
		),
		keysIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_keys_issued_total",
				Help: "Total number of segment keys issued",
			},
			[]string{"content_kind"},
		),
		keysDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_keys_delivered_total",
				Help: "Total number of segment keys delivered to clients",
			},
			[]string{"envelope"},
		),
		entitlementDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlement_decisions_total",
				Help: "Entitlement gate decisions by terminal state",
			},
			[]string{"state"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlement_upstream_errors_total",
				Help: "Failed calls to the entitlement and catalog services",
			},
			[]string{"service"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_total",
				Help: "Completed pipeline runs by final stage",
			},
			[]string{"result", "stage"},
		),
		pipelineStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 3, 10),
			},
			[]string{"stage"},
		),
		pipelineQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Asset events waiting for a pipeline worker",
			},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal, m.httpRequestDuration, m.httpResponseBytes,
		m.s3OperationsTotal, m.s3OperationDuration, m.s3OperationErrors,
		m.keysIssuedTotal, m.keysDeliveredTotal,
		m.entitlementDecisions, m.upstreamErrors, m.cacheLookups,
		m.pipelineRuns, m.pipelineStageDuration, m.pipelineQueueDepth,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// getExemplar returns trace exemplar labels for ctx, or nil without a span.
func getExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

func addCounter(ctx context.Context, c prometheus.Counter, v float64) {
	if ex := getExemplar(ctx); ex != nil {
		if adder, ok := c.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(v, ex)
			return
		}
	}
	c.Add(v)
}

func observe(ctx context.Context, o prometheus.Observer, v float64) {
	if ex := getExemplar(ctx); ex != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, ex)
			return
		}
	}
	o.Observe(v)
}

// sanitizePathLabel collapses request paths to their first segment so ids in
// URLs do not explode label cardinality.
func sanitizePathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	segs := strings.Split(trimmed, "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

func (m *Metrics) bucketLabel(bucket string) string {
	if !m.cfg.EnableBucketLabel {
		return "*"
	}
	return bucket
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	path = sanitizePathLabel(path)
	statusText := http.StatusText(status)
	addCounter(ctx, m.httpRequestsTotal.WithLabelValues(method, path, statusText), 1)
	observe(ctx, m.httpRequestDuration.WithLabelValues(method, path, statusText), duration.Seconds())
	m.httpResponseBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordS3Operation records an S3 operation metric.
func (m *Metrics) RecordS3Operation(ctx context.Context, operation, bucket string, duration time.Duration) {
	if m == nil {
		return
	}
	bucket = m.bucketLabel(bucket)
	addCounter(ctx, m.s3OperationsTotal.WithLabelValues(operation, bucket), 1)
	observe(ctx, m.s3OperationDuration.WithLabelValues(operation, bucket), duration.Seconds())
}

// RecordS3Error records an S3 operation error.
func (m *Metrics) RecordS3Error(ctx context.Context, operation, bucket, errorType string) {
	if m == nil {
		return
	}
	addCounter(ctx, m.s3OperationErrors.WithLabelValues(operation, m.bucketLabel(bucket), errorType), 1)
}

// RecordKeysIssued counts a batch of issued keys.
func (m *Metrics) RecordKeysIssued(ctx context.Context, contentKind string, count int) {
	if m == nil {
		return
	}
	addCounter(ctx, m.keysIssuedTotal.WithLabelValues(contentKind), float64(count))
}

// RecordKeyDelivered counts a key handed to a client.
func (m *Metrics) RecordKeyDelivered(ctx context.Context, envelope string) {
	if m == nil {
		return
	}
	addCounter(ctx, m.keysDeliveredTotal.WithLabelValues(envelope), 1)
}

// RecordEntitlementDecision counts a gate decision by terminal state.
func (m *Metrics) RecordEntitlementDecision(ctx context.Context, state string) {
	if m == nil {
		return
	}
	addCounter(ctx, m.entitlementDecisions.WithLabelValues(state), 1)
}

// RecordUpstreamError counts a failed entitlement or catalog call.
func (m *Metrics) RecordUpstreamError(ctx context.Context, service string) {
	if m == nil {
		return
	}
	addCounter(ctx, m.upstreamErrors.WithLabelValues(service), 1)
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordPipelineStage observes one stage of a pipeline run.
func (m *Metrics) RecordPipelineStage(ctx context.Context, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	observe(ctx, m.pipelineStageDuration.WithLabelValues(stage), duration.Seconds())
}

// RecordPipelineRun counts a finished run; stage is the last stage reached.
func (m *Metrics) RecordPipelineRun(ctx context.Context, succeeded bool, stage string) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	addCounter(ctx, m.pipelineRuns.WithLabelValues(result, stage), 1)
}

// SetPipelineQueueDepth reports the dispatcher backlog.
func (m *Metrics) SetPipelineQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.pipelineQueueDepth.Set(float64(depth))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
