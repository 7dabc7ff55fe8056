package scraper

import (
	"log/slog"
	"net/http"
)

// Observer receives progress events. Implementations must be safe for
// concurrent use since targets run in parallel.
type Observer interface {
	TargetStarted(target string)
	RecordAccepted(target, stream string)
	TargetFinished(target string, err error)
}

type nopObserver struct{}

func (nopObserver) TargetStarted(string)          {}
func (nopObserver) RecordAccepted(string, string) {}
func (nopObserver) TargetFinished(string, error)  {}

// ProxySource hands out proxy URLs and takes back the ones that stopped working.
type ProxySource interface {
	Get() (string, bool)
	MarkFailed(proxy string)
}

// Option customizes fetchers, jobs and orchestrators.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *Metrics
	observer  Observer
	proxies   ProxySource
	transport http.RoundTripper
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver registers progress callbacks.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithProxies routes requests through proxies from src.
func WithProxies(src ProxySource) Option {
	return func(o *options) { o.proxies = src }
}

// WithTransport replaces the HTTP transport of every fetcher. Used by tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}
