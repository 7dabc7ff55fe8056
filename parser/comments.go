package parser

import (
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

// CommentExtractor turns a short-comment listing page into comment records.
type CommentExtractor struct {
	BookID string
	Now    func() time.Time
	Logger *slog.Logger
}

// Extract implements the page extractor contract for comments.
func (e *CommentExtractor) Extract(page []byte) ([]models.Record, bool, error) {
	doc, err := newDocument(page)
	if err != nil {
		return nil, false, err
	}

	items := doc.Find(".comment-item")
	if items.Length() == 0 {
		if doc.Find("#comments, .comment-list, #comment-list-wrapper").Length() == 0 {
			return nil, false, ErrUnrecognized
		}
		return nil, true, nil
	}

	records := make([]models.Record, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		rec := e.comment(item)
		if rec == nil {
			logger(e.Logger).Debug("comment item without id skipped", slog.String("book_id", e.BookID))
			return
		}
		records = append(records, rec)
	})
	return records, isLastPage(doc), nil
}

func (e *CommentExtractor) comment(item *goquery.Selection) models.Record {
	content := text(item.Find(".comment-content .short"))
	publishedAt := text(item.Find(".comment-time"))
	userID := UserID(item.Find(".avatar a").First().AttrOr("href", ""))

	id := strings.TrimSpace(item.AttrOr("data-cid", ""))
	if id == "" {
		id = strings.TrimPrefix(strings.TrimSpace(item.Find(".vote-count").First().AttrOr("id", "")), "c-")
	}
	if id == "" && content != "" {
		id = FallbackID(content, publishedAt, userID)
	}
	if id == "" {
		return nil
	}

	return models.Record{
		"review_id":       id,
		"book_id":         e.BookID,
		"user_id":         userID,
		"user_name":       text(item.Find(".comment-info a")),
		"user_avatar_url": item.Find(".avatar img").First().AttrOr("src", ""),
		"rating":          RatingFromClass(item.Find(".user-stars").First().AttrOr("class", "")),
		"content":         content,
		"useful_count":    Count(item.Find(".vote-count").First().Text()),
		"published_at":    publishedAt,
		"crawled_at":      clock(e.Now),
	}
}
