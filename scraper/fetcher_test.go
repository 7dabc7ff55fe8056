package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/jarcoal/httpmock"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DelayMin = 0
	cfg.DelayMax = 0
	cfg.StartJitterMin = 0
	cfg.StartJitterMax = 0
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond
	return cfg
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func TestFetcherPacingSkipsFirstCall(t *testing.T) {
	cfg := testConfig()
	cfg.DelayMin = 2 * time.Second
	cfg.DelayMax = 4 * time.Second

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://book.douban.com/subject/1/", htmlResponder("<html>ok</html>"))

	f, err := NewFetcher(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	var slept []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	for i := 0; i < 3; i++ {
		page, err := f.Fetch(context.Background(), Request{URL: "https://book.douban.com/subject/1/"})
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if string(page.Body) != "<html>ok</html>" || page.StatusCode != 200 {
			t.Fatalf("page=%d %q", page.StatusCode, page.Body)
		}
	}

	if len(slept) != 2 {
		t.Fatalf("sleeps=%d, want 2 (none before the first call)", len(slept))
	}
	for _, d := range slept {
		if d < cfg.DelayMin || d > cfg.DelayMax {
			t.Fatalf("delay %v outside [%v, %v]", d, cfg.DelayMin, cfg.DelayMax)
		}
	}
}

func TestFetcherHeadersAndQuery(t *testing.T) {
	cfg := testConfig()
	cfg.Cookie = "bid=abc"

	var got *http.Request
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://book.douban.com/subject/1/comments/", func(req *http.Request) (*http.Response, error) {
		got = req
		return httpmock.NewStringResponse(200, "<html></html>"), nil
	})

	f, err := NewFetcher(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	_, err = f.Fetch(context.Background(), Request{
		URL:    "https://book.douban.com/subject/1/comments/",
		Query:  url.Values{"start": {"20"}, "limit": {"20"}, "status": {"P"}},
		Header: http.Header{"Referer": {"https://book.douban.com/subject/1/"}},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got == nil {
		t.Fatalf("responder not called")
	}

	checks := map[string]string{
		"Cookie":          "bid=abc",
		"Referer":         "https://book.douban.com/subject/1/",
		"Accept-Language": cfg.AcceptLanguage,
		"User-Agent":      cfg.UserAgent,
	}
	for header, want := range checks {
		if v := got.Header.Get(header); v != want {
			t.Fatalf("%s=%q, want %q", header, v, want)
		}
	}
	q := got.URL.Query()
	if q.Get("start") != "20" || q.Get("limit") != "20" || q.Get("status") != "P" {
		t.Fatalf("query=%v", q)
	}
}

func TestFetcherHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", "https://book.douban.com/x", httpmock.NewStringResponder(tt.status, ""))

			metrics := NewMetrics()
			f, err := NewFetcher(testConfig(), WithTransport(transport), WithMetrics(metrics))
			if err != nil {
				t.Fatalf("new fetcher: %v", err)
			}
			_, err = f.Fetch(context.Background(), Request{URL: "https://book.douban.com/x"})

			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.status {
				t.Fatalf("err=%v, want HTTPError %d", err, tt.status)
			}
			if got := errorTypeLabel(err); got != tt.expected {
				t.Fatalf("label=%q, want %q", got, tt.expected)
			}
			if got := counterValue(t, metrics, "scraper_errors_total"); got != 1 {
				t.Fatalf("errors metric=%v, want 1", got)
			}
		})
	}
}

func TestFetcherNetworkError(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://book.douban.com/x", httpmock.NewErrorResponder(errors.New("connection reset")))

	f, err := NewFetcher(testConfig(), WithTransport(transport))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	_, err = f.Fetch(context.Background(), Request{URL: "https://book.douban.com/x"})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err=%v, want NetworkError", err)
	}
}

func TestFetcherCancelledDuringPacing(t *testing.T) {
	cfg := testConfig()
	cfg.DelayMin = time.Hour
	cfg.DelayMax = time.Hour

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://book.douban.com/x", htmlResponder("ok"))

	f, err := NewFetcher(cfg, WithTransport(transport))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.Fetch(ctx, Request{URL: "https://book.douban.com/x"}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, Request{URL: "https://book.douban.com/x"})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pacing wait ignored cancellation")
	}
}

type fakeProxies struct {
	mu     sync.Mutex
	queue  []string
	failed []string
}

func (p *fakeProxies) Get() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next, true
}

func (p *fakeProxies) MarkFailed(proxy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, proxy)
}

func TestFetcherMarksProxyAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyMaxFailures = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://book.douban.com/x", httpmock.NewErrorResponder(errors.New("proxy refused")))

	proxies := &fakeProxies{queue: []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080"}}
	metrics := NewMetrics()
	f, err := NewFetcher(cfg, WithProxies(proxies), WithTransport(transport), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), Request{URL: "https://book.douban.com/x"}); err == nil {
			t.Fatalf("fetch %d should fail", i)
		}
	}

	proxies.mu.Lock()
	defer proxies.mu.Unlock()
	if len(proxies.failed) != 1 || proxies.failed[0] != "http://10.0.0.1:8080" {
		t.Fatalf("failed=%v, want first proxy only", proxies.failed)
	}
	if len(proxies.queue) != 0 {
		t.Fatalf("second proxy should have been picked after the first was dropped")
	}
	if f.proxy != "http://10.0.0.2:8080" {
		t.Fatalf("current proxy=%q", f.proxy)
	}
	if got := counterValue(t, metrics, "scraper_proxy_failures_total"); got != 1 {
		t.Fatalf("proxy failures metric=%v, want 1", got)
	}
}
