package proxy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

// DefaultSources are free proxy listing pages with an ip/port table.
var DefaultSources = []string{
	"https://www.kuaidaili.com/free/inha/",
	"https://www.89ip.cn/index_1.html",
}

// HarvestLimit is how many proxies Harvest collects before it stops visiting sources.
const HarvestLimit = 10

const rowsPerSource = 20

// NewChecker returns a Checker that GETs testURL through the proxy and accepts
// only a 200 answer within timeout.
func NewChecker(testURL string, timeout time.Duration, userAgent string) Checker {
	return func(ctx context.Context, proxy string) bool {
		client := resty.New().
			SetProxy(proxy).
			SetTimeout(timeout).
			SetHeader("User-Agent", userAgent)
		resp, err := client.R().SetContext(ctx).Get(testURL)
		if err != nil {
			return false
		}
		return resp.StatusCode() == http.StatusOK
	}
}

// Harvest scrapes free proxy listings until limit proxies were found or the
// sources ran out. A failing source is logged and skipped.
func Harvest(ctx context.Context, client *resty.Client, sources []string, limit int, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	var out []string
	for _, source := range sources {
		if ctx.Err() != nil || (limit > 0 && len(out) >= limit) {
			break
		}
		found, err := harvestSource(ctx, client, source)
		if err != nil {
			logger.Debug("proxy source failed", slog.String("source", source), slog.Any("error", err))
			continue
		}
		logger.Info("proxies harvested", slog.String("source", source), slog.Int("count", len(found)))
		out = append(out, found...)
	}
	return out
}

func harvestSource(ctx context.Context, client *resty.Client, source string) ([]string, error) {
	resp, err := client.R().SetContext(ctx).Get(source)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	var out []string
	doc.Find("tbody tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		if i >= rowsPerSource {
			return false
		}
		tds := tr.Find("td")
		if tds.Length() < 2 {
			return true
		}
		ip := strings.TrimSpace(tds.Eq(0).Text())
		port := strings.TrimSpace(tds.Eq(1).Text())
		if net.ParseIP(ip) == nil || port == "" {
			return true
		}
		out = append(out, "http://"+net.JoinHostPort(ip, port))
		return true
	})
	return out, nil
}
