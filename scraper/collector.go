package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
	"github.com/aluiziolira/go-scrape-reviews/store"
)

// Extractor turns a page body into records. isLast reports that the page has no
// successor. A page it cannot make sense of yields an error.
type Extractor interface {
	Extract(page []byte) (records []models.Record, isLast bool, err error)
}

// Enricher is implemented by extractors that complete a record with a second
// fetch. It is only called for records that are about to be persisted.
type Enricher interface {
	Enrich(ctx context.Context, fetch parser.DetailFetcher, rec models.Record) (models.Record, error)
}

// maxParseFailures is how many unrecognized pages in a row end a listing.
const maxParseFailures = 2

// RecordStore is the dedup store contract used by the collector.
type RecordStore interface {
	Load(dir string, stream models.Stream) (*store.Index, error)
	Append(dir string, stream models.Stream, rec models.Record) error
}

// Collector walks the pages of one stream for one target until the target count
// is reached, the listing is exhausted, or a page yields nothing new.
type Collector struct {
	Fetcher   PageFetcher
	Store     RecordStore
	Extractor Extractor
	Stream    models.Stream
	Dir       string
	Target    int
	PageSize  int
	// MaxPages bounds the pages fetched. Zero derives it from Target and
	// PageSize.
	MaxPages int
	// PageRequest builds the request for the page starting at start.
	PageRequest func(start, limit int) Request
	// DetailHeader is sent with enrichment fetches.
	DetailHeader http.Header
	Retry        RetryPolicy
	Metrics      *Metrics
	Logger       *slog.Logger
	// OnAccept is called after each successful append.
	OnAccept func(models.Record)
}

// Run executes the pagination loop. Extractor and per-record panics are
// recovered.
func (c *Collector) Run(ctx context.Context) models.CollectResult {
	res := models.CollectResult{Stream: c.Stream.Name}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("stream", c.Stream.Name), slog.String("dir", c.Dir))

	idx, err := c.Store.Load(c.Dir, c.Stream)
	if err != nil {
		res.Outcome = models.OutcomeError
		res.Err = fmt.Errorf("load index: %w", err)
		return res
	}

	pageSize := c.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	maxPages := c.MaxPages
	if maxPages <= 0 && c.Target > 0 {
		maxPages = (c.Target + pageSize - 1) / pageSize
	}
	logger.Info("collector started",
		slog.Int("known", idx.Len()),
		slog.Int("target", c.Target),
		slog.Int("max_pages", maxPages),
	)

	finish := func(outcome models.Outcome, err error) models.CollectResult {
		res.Outcome = outcome
		res.Err = err
		attrs := []any{
			slog.String("outcome", string(outcome)),
			slog.Int("accepted", res.Accepted),
			slog.Int("pages", res.Pages),
		}
		if err != nil {
			logger.Error("collector finished", append(attrs, slog.Any("error", err))...)
		} else {
			logger.Info("collector finished", attrs...)
		}
		return res
	}

	parsed, parseFailures := 0, 0
	for page := 0; page < maxPages && res.Accepted < c.Target; page++ {
		req := c.PageRequest(page*pageSize, pageSize)
		fetched, err := fetchWithRetry(ctx, c.Fetcher, c.Retry, c.Metrics, logger, req)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				logger.Info("listing ended by http status",
					slog.Int("status", httpErr.StatusCode),
					slog.Int("page", page),
				)
				return finish(models.OutcomeExhausted, nil)
			}
			return finish(models.OutcomeError, err)
		}
		res.Pages++

		records, isLast, err := c.extract(fetched)
		if err != nil {
			c.Metrics.IncError(err)
			parseFailures++
			// A listing that starts unrecognized (login wall, captcha) or keeps
			// failing will not recover by paging further.
			if parsed == 0 || parseFailures >= maxParseFailures {
				logger.Warn("listing ended on unrecognized page",
					slog.Int("page", page),
					slog.Int("consecutive", parseFailures),
					slog.Any("error", err),
				)
				return finish(models.OutcomeExhausted, nil)
			}
			logger.Warn("page skipped", slog.Int("page", page), slog.Any("error", err))
			continue
		}
		parsed++
		parseFailures = 0
		if len(records) == 0 {
			return finish(models.OutcomeExhausted, nil)
		}

		added := 0
		for _, rec := range records {
			if res.Accepted >= c.Target || ctx.Err() != nil {
				break
			}
			if c.accept(ctx, logger, idx, fetched.URL, rec) {
				added++
				res.Accepted++
			}
		}
		logger.Debug("page processed",
			slog.Int("page", page),
			slog.Int("records", len(records)),
			slog.Int("new", added),
		)

		if err := ctx.Err(); err != nil && res.Accepted < c.Target {
			return finish(models.OutcomeError, err)
		}
		if added == 0 {
			return finish(models.OutcomeStalled, nil)
		}
		if res.Accepted >= c.Target {
			return finish(models.OutcomeTargetReached, nil)
		}
		if isLast {
			return finish(models.OutcomeExhausted, nil)
		}
	}

	if res.Accepted >= c.Target {
		return finish(models.OutcomeTargetReached, nil)
	}
	return finish(models.OutcomeExhausted, nil)
}

func (c *Collector) extract(page *Page) (records []models.Record, isLast bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newParseError(page.URL, fmt.Errorf("extractor panic: %v", r))
		}
	}()
	records, isLast, err = c.Extractor.Extract(page.Body)
	if err != nil {
		return nil, false, newParseError(page.URL, err)
	}
	return records, isLast, nil
}

// accept persists rec if it is new. Failures of a single record are logged and
// never abort the page. A record whose enrichment was cut short by ctx is not
// persisted, so a later run can collect it in full.
func (c *Collector) accept(ctx context.Context, logger *slog.Logger, idx *store.Index, pageURL string, rec models.Record) (ok bool) {
	id := rec.ID(c.Stream.IDField)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("record skipped after panic", slog.String("id", id), slog.Any("panic", r))
			ok = false
		}
	}()

	if err := parser.ValidateRecord(rec, c.Stream.IDField); err != nil {
		perr := newParseError(pageURL, err)
		c.Metrics.IncError(perr)
		logger.Warn("invalid record skipped", slog.Any("error", perr))
		return false
	}
	if idx.Has(id) {
		return false
	}

	if enricher, isEnricher := c.Extractor.(Enricher); isEnricher {
		enriched, err := enricher.Enrich(ctx, c.fetchDetail, rec)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("record dropped, enrichment interrupted", slog.String("id", id), slog.Any("error", err))
				return false
			}
			logger.Warn("enrich failed, keeping summary", slog.String("id", id), slog.Any("error", err))
		}
		if enriched != nil {
			rec = enriched
		}
	}

	if err := c.Store.Append(c.Dir, c.Stream, rec); err != nil {
		perr := &PersistError{Stream: c.Stream.Name, ID: id, Err: err}
		c.Metrics.IncError(perr)
		if errors.Is(err, store.ErrDuplicate) {
			idx.Add(id)
			logger.Debug("duplicate append skipped", slog.String("id", id))
			return false
		}
		logger.Warn("record not persisted", slog.Any("error", perr))
		return false
	}

	idx.Add(id)
	c.Metrics.IncRecords(c.Stream.Name)
	if c.OnAccept != nil {
		c.OnAccept(rec)
	}
	return true
}

func (c *Collector) fetchDetail(ctx context.Context, rawURL string) ([]byte, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	page, err := fetchWithRetry(ctx, c.Fetcher, c.Retry, c.Metrics, logger, Request{URL: rawURL, Header: c.DetailHeader})
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}
