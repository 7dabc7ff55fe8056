// Package proxy keeps a pool of HTTP proxies shared by all targets of a run.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"golang.org/x/sync/errgroup"
)

// validateParallelism caps concurrent proxy checks.
const validateParallelism = 10

// Checker reports whether a proxy can reach the test URL.
type Checker func(ctx context.Context, proxy string) bool

// Pool hands out proxies, preferring validated ones, and never returns a proxy
// once it has been marked failed. It is safe for concurrent use.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	proxies []string
	known   map[string]bool
	valid   []string
	failed  map[string]bool
}

// NewPool builds a pool from proxies. Duplicates are dropped.
func NewPool(proxies []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger: logger,
		known:  make(map[string]bool),
		failed: make(map[string]bool),
	}
	p.Add(proxies...)
	return p
}

// Normalize trims a proxy line and prefixes http:// when no scheme is present.
func Normalize(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if !strings.HasPrefix(line, "http") && !strings.Contains(line, "://") {
		line = "http://" + line
	}
	return line
}

// LoadFile reads one proxy per line. Blank lines and # comments are ignored.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, Normalize(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return out, nil
}

// Add appends proxies not already in the pool.
func (p *Pool) Add(proxies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proxy := range proxies {
		proxy = Normalize(proxy)
		if proxy == "" || p.known[proxy] {
			continue
		}
		p.known[proxy] = true
		p.proxies = append(p.proxies, proxy)
	}
}

// Validate checks every proxy concurrently and records the ones that pass. It
// returns the number of valid proxies.
func (p *Pool) Validate(ctx context.Context, check Checker) int {
	p.mu.Lock()
	candidates := append([]string(nil), p.proxies...)
	p.mu.Unlock()
	if len(candidates) == 0 {
		return 0
	}
	p.logger.Info("validating proxies", slog.Int("count", len(candidates)))

	ok := make([]bool, len(candidates))
	var g errgroup.Group
	g.SetLimit(validateParallelism)
	for i, proxy := range candidates {
		i, proxy := i, proxy
		g.Go(func() error {
			ok[i] = check(ctx, proxy)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = p.valid[:0]
	for i, proxy := range candidates {
		if ok[i] {
			p.valid = append(p.valid, proxy)
		}
	}
	p.logger.Info("proxy validation finished",
		slog.Int("valid", len(p.valid)),
		slog.Int("total", len(candidates)),
	)
	if len(p.valid) == 0 {
		p.logger.Warn("no usable proxy, requests go out directly")
	}
	return len(p.valid)
}

// Get returns a random validated proxy that has not failed, else a random
// unvalidated one, else false (direct connection).
func (p *Pool) Get() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proxy, ok := p.pick(p.valid); ok {
		return proxy, true
	}
	return p.pick(p.proxies)
}

func (p *Pool) pick(from []string) (string, bool) {
	available := make([]string, 0, len(from))
	for _, proxy := range from {
		if !p.failed[proxy] {
			available = append(available, proxy)
		}
	}
	if len(available) == 0 {
		return "", false
	}
	return available[rand.Intn(len(available))], true
}

// MarkFailed excludes proxy from future Get calls.
func (p *Pool) MarkFailed(proxy string) {
	if proxy == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[proxy] = true
	p.logger.Debug("proxy marked failed", slog.String("proxy", proxy))
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() models.ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := 0
	for _, proxy := range p.valid {
		if !p.failed[proxy] {
			available++
		}
	}
	return models.ProxyStats{
		Total:     len(p.proxies),
		Valid:     len(p.valid),
		Failed:    len(p.failed),
		Available: available,
	}
}
