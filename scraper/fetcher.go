package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/gocolly/colly/v2"
)

// Request describes one page fetch.
type Request struct {
	URL    string
	Query  url.Values
	Header http.Header
}

// FullURL returns URL with Query merged into its query string.
func (r Request) FullURL() (string, error) {
	if len(r.Query) == 0 {
		return r.URL, nil
	}
	parsed, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := parsed.Query()
	for k, vs := range r.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// Page is a successfully fetched 2xx response body.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}

// PageFetcher is the fetch capability the collector depends on.
type PageFetcher interface {
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// Fetcher issues paced GET requests through a synchronous colly collector. One
// fetcher serves one target; calls are serialized.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	metrics   *Metrics
	logger    *slog.Logger
	proxies   ProxySource

	sleep func(context.Context, time.Duration) error

	mu            sync.Mutex
	calls         int
	proxy         string
	proxyFailures int
	proxyURL      atomic.Pointer[url.URL]
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config, opts ...Option) (*Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := buildOptions(opts)

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &Fetcher{
		cfg:       cfg,
		collector: collector,
		metrics:   o.metrics,
		logger:    o.logger,
		proxies:   o.proxies,
		sleep:     sleepCtx,
	}
	if f.proxies != nil {
		collector.SetProxyFunc(f.proxyFunc)
	}
	if o.transport != nil {
		collector.WithTransport(o.transport)
	}
	f.configureHandlers()
	return f, nil
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		f.metrics.IncRequest("started")
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put("status", r.StatusCode)
		r.Ctx.Put("body", r.Body)
		if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
			f.metrics.ObserveDuration(time.Since(start))
		}
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		r.Ctx.Put("status", r.StatusCode)
		r.Ctx.Put("error", err)
		if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
			f.metrics.ObserveDuration(time.Since(start))
		}
	})
}

// Fetch waits the pacing delay (skipped on the first call), then performs the
// request. Once started, the exchange runs to completion even if ctx is
// cancelled; ctx only interrupts the wait.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls > 0 {
		if err := f.sleep(ctx, f.delay()); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls++

	target, err := req.FullURL()
	if err != nil {
		return nil, &NetworkError{Kind: KindTransport, URL: req.URL, Err: err}
	}
	f.pickProxy()

	cctx := colly.NewContext()
	err = f.collector.Request(http.MethodGet, target, nil, cctx, f.headers(req.Header))
	status, _ := cctx.GetAny("status").(int)
	if cbErr, ok := cctx.GetAny("error").(error); ok {
		err = cbErr
	}
	if err == nil && (status < 200 || status > 299) {
		err = fmt.Errorf("unexpected status %d", status)
	}
	if err != nil {
		classified := classifyError(err, status, target)
		f.metrics.IncRequest("failed")
		f.metrics.IncError(classified)
		f.recordProxyResult(classified)
		f.logger.Debug("request failed",
			slog.String("url", target),
			slog.Int("status", status),
			slog.String("category", errorTypeLabel(classified)),
			slog.Any("error", err),
		)
		return nil, classified
	}

	f.metrics.IncRequest("completed")
	f.recordProxyResult(nil)
	body, _ := cctx.GetAny("body").([]byte)
	return &Page{URL: target, StatusCode: status, Body: body}, nil
}

func (f *Fetcher) delay() time.Duration {
	min, max := f.cfg.DelayMin, f.cfg.DelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min+1)))
}

func (f *Fetcher) headers(extra http.Header) http.Header {
	hdr := http.Header{}
	hdr.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if f.cfg.AcceptLanguage != "" {
		hdr.Set("Accept-Language", f.cfg.AcceptLanguage)
	}
	if f.cfg.Cookie != "" {
		hdr.Set("Cookie", f.cfg.Cookie)
	}
	for k, vs := range extra {
		hdr.Del(k)
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	return hdr
}

func (f *Fetcher) proxyFunc(*http.Request) (*url.URL, error) {
	return f.proxyURL.Load(), nil
}

// pickProxy keeps the current proxy until it is marked failed.
func (f *Fetcher) pickProxy() {
	if f.proxies == nil || f.proxy != "" {
		return
	}
	p, ok := f.proxies.Get()
	if !ok {
		f.proxyURL.Store(nil)
		return
	}
	parsed, err := url.Parse(p)
	if err != nil {
		f.logger.Warn("invalid proxy", slog.String("proxy", p), slog.Any("error", err))
		f.proxies.MarkFailed(p)
		return
	}
	f.proxy = p
	f.proxyFailures = 0
	f.proxyURL.Store(parsed)
}

func (f *Fetcher) recordProxyResult(err error) {
	if f.proxy == "" {
		return
	}
	if _, ok := err.(*NetworkError); !ok {
		f.proxyFailures = 0
		return
	}
	f.proxyFailures++
	limit := f.cfg.ProxyMaxFailures
	if limit <= 0 {
		limit = 1
	}
	if f.proxyFailures < limit {
		return
	}
	f.logger.Warn("proxy marked failed",
		slog.String("proxy", f.proxy),
		slog.Int("failures", f.proxyFailures),
	)
	f.proxies.MarkFailed(f.proxy)
	f.metrics.IncProxyFailure()
	f.proxy = ""
	f.proxyFailures = 0
	f.proxyURL.Store(nil)
}
