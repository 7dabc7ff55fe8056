package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BookJob collects book info, short comments and long reviews for one target.
// It is shared by all workers; each RunTarget call gets its own fetcher.
type BookJob struct {
	cfg   *config.Config
	store RecordStore
	opts  []Option
	o     options

	searchCache *lru.Cache[string, string]
}

// NewBookJob builds the per-target job.
func NewBookJob(cfg *config.Config, st RecordStore, opts ...Option) (*BookJob, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	size := cfg.SearchCacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &BookJob{
		cfg:         cfg,
		store:       st,
		opts:        opts,
		o:           buildOptions(opts),
		searchCache: cache,
	}, nil
}

// TargetDir is where a target's stream files live.
func (j *BookJob) TargetDir(target models.Target) string {
	if target.Dir != "" {
		return target.Dir
	}
	return filepath.Join(j.cfg.OutputDir, target.Name)
}

// RunTarget resolves the book id and runs the three collectors in order. The
// target fails if the id cannot be resolved or any stream ends in error.
func (j *BookJob) RunTarget(ctx context.Context, target models.Target) error {
	logger := j.o.logger.With(slog.String("target", target.Name))
	fetcher, err := NewFetcher(j.cfg, append(slices.Clip(j.opts), WithLogger(logger))...)
	if err != nil {
		return err
	}

	bookID, err := j.resolveBookID(ctx, fetcher, target)
	if err != nil {
		return fmt.Errorf("resolve book id: %w", err)
	}
	logger = logger.With(slog.String("book_id", bookID))

	var errs []error
	for _, c := range j.collectors(fetcher, target, bookID, logger) {
		res := c.Run(ctx)
		if res.Outcome == models.OutcomeError {
			errs = append(errs, fmt.Errorf("%s: %w", res.Stream, res.Err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (j *BookJob) subjectURL(bookID string) string {
	return strings.TrimSuffix(j.cfg.BaseURL, "/") + "/subject/" + bookID + "/"
}

func (j *BookJob) collectors(fetcher PageFetcher, target models.Target, bookID string, logger *slog.Logger) []*Collector {
	dir := j.TargetDir(target)
	subject := j.subjectURL(bookID)
	referer := http.Header{"Referer": []string{subject}}
	retry := RetryPolicy{MaxRetries: j.cfg.MaxRetries, Base: j.cfg.RetryBackoff, Max: j.cfg.RetryBackoffMax}

	base := func(stream models.Stream, extractor Extractor) *Collector {
		return &Collector{
			Fetcher:      fetcher,
			Store:        j.store,
			Extractor:    extractor,
			Stream:       stream,
			Dir:          dir,
			Target:       j.cfg.MaxComments,
			PageSize:     j.cfg.PageSize,
			MaxPages:     j.cfg.MaxPages(),
			DetailHeader: referer,
			Retry:        retry,
			Metrics:      j.o.metrics,
			Logger:       logger,
			OnAccept: func(models.Record) {
				j.o.observer.RecordAccepted(target.Name, stream.Name)
			},
		}
	}

	info := base(models.BookInfoStream, &parser.BookInfoExtractor{BookID: bookID, URL: subject})
	info.Target, info.PageSize, info.MaxPages = 1, 1, 1
	info.PageRequest = func(int, int) Request {
		return Request{URL: subject}
	}

	comments := base(models.CommentsStream, &parser.CommentExtractor{BookID: bookID, Logger: logger})
	comments.PageRequest = func(start, limit int) Request {
		return Request{
			URL: subject + "comments/",
			Query: url.Values{
				"start":  {strconv.Itoa(start)},
				"limit":  {strconv.Itoa(limit)},
				"status": {"P"},
				"sort":   {"score"},
			},
			Header: referer,
		}
	}

	reviews := base(models.ReviewsStream, &parser.ReviewExtractor{
		BookID:    bookID,
		BaseURL:   j.cfg.BaseURL,
		FetchFull: j.cfg.FetchFullContent,
		Logger:    logger,
	})
	reviews.PageRequest = func(start, limit int) Request {
		return Request{
			URL: subject + "reviews",
			Query: url.Values{
				"start": {strconv.Itoa(start)},
				"limit": {strconv.Itoa(limit)},
				"sort":  {"hotest"},
			},
			Header: referer,
		}
	}

	return []*Collector{info, comments, reviews}
}

func (j *BookJob) resolveBookID(ctx context.Context, fetcher PageFetcher, target models.Target) (string, error) {
	if id := strings.TrimSpace(target.BookID); id != "" {
		return id, nil
	}
	name := strings.TrimSpace(target.Name)
	if name == "" {
		return "", fmt.Errorf("target has neither name nor book id")
	}
	if id, ok := j.searchCache.Get(name); ok {
		return id, nil
	}

	retry := RetryPolicy{MaxRetries: j.cfg.MaxRetries, Base: j.cfg.RetryBackoff, Max: j.cfg.RetryBackoffMax}
	page, err := fetchWithRetry(ctx, fetcher, retry, j.o.metrics, j.o.logger, Request{
		URL:   j.cfg.SearchURL,
		Query: url.Values{"cat": {"1001"}, "q": {name}},
	})
	if err != nil {
		return "", fmt.Errorf("search %q: %w", name, err)
	}
	hits, err := parser.ParseSearch(page.Body)
	if err != nil {
		return "", newParseError(page.URL, err)
	}
	hit, ok := parser.BestHit(hits, name)
	if !ok {
		return "", fmt.Errorf("no book found for %q", name)
	}
	j.o.logger.Info("book id resolved",
		slog.String("target", name),
		slog.String("book_id", hit.ID),
		slog.String("title", hit.Title),
	)
	j.searchCache.Add(name, hit.ID)
	return hit.ID, nil
}
