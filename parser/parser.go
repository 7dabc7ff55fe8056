package parser

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

// ErrUnrecognized marks a page that was fetched but does not look like the
// expected listing (login wall, captcha, layout change).
var ErrUnrecognized = errors.New("page structure not recognized")

// DetailFetcher fetches a secondary page body by absolute URL.
type DetailFetcher func(ctx context.Context, url string) ([]byte, error)

var (
	allstarRe    = regexp.MustCompile(`^allstar(\d+)$`)
	peopleRe     = regexp.MustCompile(`/people/([^/]+)/`)
	blankLinesRe = regexp.MustCompile(`\n\s*\n+`)
	digitsRe     = regexp.MustCompile(`(\d+)`)
)

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// ValidateRecord ensures the extractor captured the stream id and book id.
func ValidateRecord(rec models.Record, idField string) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if rec.ID(idField) == "" {
		return fmt.Errorf("record missing %s", idField)
	}
	if rec.ID("book_id") == "" {
		return fmt.Errorf("record %s missing book_id", rec.ID(idField))
	}
	return nil
}

// RatingFromClass converts a star class list ("user-stars allstar40 rating")
// to a 1-5 rating. nil means unrated.
func RatingFromClass(class string) any {
	for _, cls := range strings.Fields(class) {
		m := allstarRe.FindStringSubmatch(cls)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		return n / 10
	}
	return nil
}

// FallbackID derives a stable id for items that carry no native id. The full
// content, the displayed time and the author id are hashed together so re-runs
// produce the same id for the same item.
func FallbackID(content, publishedAt, userID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content) + "\x1f" + strings.TrimSpace(publishedAt) + "\x1f" + strings.TrimSpace(userID)))
	return "h" + hex.EncodeToString(sum[:])[:24]
}

// NormalizeText trims each line and collapses runs of blank lines.
func NormalizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// Count parses a purely numeric label, returning 0 otherwise.
func Count(text string) int {
	text = strings.TrimSpace(text)
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// FirstNumber returns the first run of digits in text, or 0.
func FirstNumber(text string) int {
	m := digitsRe.FindString(text)
	if m == "" {
		return 0
	}
	n, _ := strconv.Atoi(m)
	return n
}

// UserID extracts the people slug from a profile link.
func UserID(href string) string {
	m := peopleRe.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}

// JSONList encodes v the way list fields are stored: as a JSON string.
func JSONList(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "[]"
	}
	return strings.TrimSpace(buf.String())
}

func newDocument(page []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	return doc, nil
}

// isLastPage reports a paginator that has no usable "next" link.
func isLastPage(doc *goquery.Document) bool {
	paginator := doc.Find("#paginator, .paginator, .comment-paginator")
	if paginator.Length() == 0 {
		return false
	}
	next := paginator.Find("a.next, .next a").FilterFunction(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		return ok && strings.TrimSpace(href) != ""
	})
	return next.Length() == 0
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.First().Text())
}

func clock(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().Format(time.RFC3339)
}
