package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FITS sources run from one 2880-byte block to multi-gigabyte mosaics.
var sourceSizeBuckets = prometheus.ExponentialBuckets(2880, 4, 12)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	jobsCreated       *prometheus.CounterVec
	stepsRequested    *prometheus.CounterVec
	stepsPerJob       prometheus.Histogram
	sourceBytes       *prometheus.HistogramVec
	sourceRejected    *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsflow_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitsflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsflow_api_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiting, by route and exhausted bucket.",
		}, []string{"route", "bucket"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsflow_api_jobs_created_total",
			Help: "Stretch jobs accepted, by source type.",
		}, []string{"source_type"}),
		stepsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsflow_api_steps_requested_total",
			Help: "Stretch steps requested on accepted jobs, by output format.",
		}, []string{"format"}),
		stepsPerJob: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fitsflow_api_steps_per_job",
			Help:    "Number of stretch steps per accepted job.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		sourceBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitsflow_api_source_bytes",
			Help:    "Size of FITS sources verified at job start, by source type.",
			Buckets: sourceSizeBuckets,
		}, []string{"source_type"}),
		sourceRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsflow_api_source_rejections_total",
			Help: "Job starts refused because the FITS source was missing or out of bounds.",
		}, []string{"source_type", "reason"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsflow_queue_jobs_enqueued_total",
			Help: "Total stretch jobs enqueued to the processing queue.",
		}, []string{"queue"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.jobsCreated,
		m.stepsRequested,
		m.stepsPerJob,
		m.sourceBytes,
		m.sourceRejected,
		m.queueEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeJobCreated(job domain.Job) {
	m.jobsCreated.WithLabelValues(job.SourceType).Inc()
	m.stepsPerJob.Observe(float64(len(job.Steps)))
	for _, step := range job.Steps {
		m.stepsRequested.WithLabelValues(domain.NormalizeFormat(step.Format)).Inc()
	}
}

func (m *metrics) observeSource(sourceType string, size int64) {
	m.sourceBytes.WithLabelValues(sourceType).Observe(float64(size))
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)
		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/start"):
		return "/v1/jobs/{id}/start"
	case strings.HasPrefix(path, "/v1/jobs/"):
		return "/v1/jobs/{id}"
	case path == "/v1/jobs":
		return "/v1/jobs"
	case path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
