package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RecordsTotal    *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	TargetsTotal    *prometheus.CounterVec
	ProxyFailures   prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_records_accepted_total",
			Help: "Records persisted, by stream.",
		},
		[]string{"stream"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	targets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_targets_total",
			Help: "Targets finished, by result.",
		},
		[]string{"result"},
	)
	proxyFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_proxy_failures_total",
			Help: "Proxies marked failed by the fetcher.",
		},
	)

	registry.MustRegister(requests, requestDuration, records, retries, errorsTotal, targets, proxyFailures)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RecordsTotal:    records,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		TargetsTotal:    targets,
		ProxyFailures:   proxyFailures,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRecords increments the accepted records counter for a stream.
func (m *Metrics) IncRecords(stream string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(stream).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a classified error.
func (m *Metrics) IncError(err error) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorTypeLabel(err)).Inc()
}

// IncTarget records a finished target.
func (m *Metrics) IncTarget(result string) {
	if m == nil {
		return
	}
	m.TargetsTotal.WithLabelValues(result).Inc()
}

// IncProxyFailure counts a proxy dropped by the fetcher.
func (m *Metrics) IncProxyFailure() {
	if m == nil {
		return
	}
	m.ProxyFailures.Inc()
}
