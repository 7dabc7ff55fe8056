package parser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

var reviewPathRe = regexp.MustCompile(`/review/(\d+)/`)

// ReviewExtractor turns a long-review listing page into review records and,
// when FetchFull is set, replaces each summary with the full review text.
type ReviewExtractor struct {
	BookID    string
	BaseURL   string
	FetchFull bool
	Now       func() time.Time
	Logger    *slog.Logger
}

// Extract implements the page extractor contract for reviews.
func (e *ReviewExtractor) Extract(page []byte) ([]models.Record, bool, error) {
	doc, err := newDocument(page)
	if err != nil {
		return nil, false, err
	}

	items := doc.Find(".review-item")
	if items.Length() == 0 {
		if doc.Find(".review-list, #content .article").Length() == 0 {
			return nil, false, ErrUnrecognized
		}
		return nil, true, nil
	}

	records := make([]models.Record, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		rec := e.review(item)
		if rec == nil {
			logger(e.Logger).Debug("review item without id skipped", slog.String("book_id", e.BookID))
			return
		}
		records = append(records, rec)
	})
	return records, isLastPage(doc), nil
}

func (e *ReviewExtractor) review(item *goquery.Selection) models.Record {
	titleLink := item.Find("h2 a").First()
	href := strings.TrimSpace(titleLink.AttrOr("href", ""))

	id := strings.TrimSpace(item.AttrOr("id", ""))
	if id == "" {
		if m := reviewPathRe.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	if id == "" {
		return nil
	}

	reviewURL := href
	if reviewURL != "" && !strings.HasPrefix(reviewURL, "http") {
		reviewURL = strings.TrimSuffix(e.BaseURL, "/") + "/" + strings.TrimPrefix(reviewURL, "/")
	}

	hasSpoiler := 0
	if item.Find(".spoiler-tip").Length() > 0 {
		hasSpoiler = 1
	}

	return models.Record{
		"review_id":       id,
		"book_id":         e.BookID,
		"title":           strings.TrimSpace(titleLink.Text()),
		"user_id":         UserID(item.Find(".avator").First().AttrOr("href", "")),
		"user_name":       text(item.Find(".name")),
		"user_avatar_url": item.Find(".avator img").First().AttrOr("src", ""),
		"rating":          RatingFromClass(item.Find(".main-title-rating").First().AttrOr("class", "")),
		"content":         text(item.Find(".short-content")),
		"has_spoiler":     hasSpoiler,
		"book_edition":    text(item.Find(".publisher")),
		"useful_count":    Count(item.Find("[id^='r-useful_count-']").First().Text()),
		"unuseful_count":  Count(item.Find("[id^='r-useless_count-']").First().Text()),
		"comment_count":   FirstNumber(text(item.Find(".reply"))),
		"review_url":      reviewURL,
		"published_at":    text(item.Find(".main-meta")),
		"updated_at":      nil,
		"crawled_at":      clock(e.Now),
	}
}

// Enrich swaps the summary content for the full review body. On failure the
// record is returned unchanged together with the error.
func (e *ReviewExtractor) Enrich(ctx context.Context, fetch DetailFetcher, rec models.Record) (models.Record, error) {
	if !e.FetchFull {
		return rec, nil
	}
	reviewURL := rec.String("review_url")
	if reviewURL == "" {
		return rec, nil
	}

	body, err := fetch(ctx, reviewURL)
	if err != nil {
		return rec, fmt.Errorf("fetch review detail: %w", err)
	}
	full, err := ParseReviewDetail(body)
	if err != nil {
		return rec, err
	}
	if full == "" {
		return rec, nil
	}

	out := rec.Clone()
	out["content"] = full
	return out, nil
}

// ParseReviewDetail extracts the full text of a review page.
func ParseReviewDetail(page []byte) (string, error) {
	doc, err := newDocument(page)
	if err != nil {
		return "", err
	}
	content := doc.Find(".review-content").First()
	if content.Length() == 0 {
		return "", ErrUnrecognized
	}
	return strings.TrimSpace(content.Text()), nil
}
