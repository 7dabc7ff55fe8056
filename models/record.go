// Package models defines data structures for the scraper.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one structured item extracted from a page. Field sets are free-form
// apart from the stream id field and book_id.
type Record map[string]any

// ID returns the value of field as a string, or "" when absent.
func (r Record) ID(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(id))
	}
}

// String returns a string field, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Clone returns a shallow copy so enrichment never mutates the extracted record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Stream describes one independently deduplicated output file.
type Stream struct {
	Name    string
	File    string
	IDField string
}

var (
	BookInfoStream = Stream{Name: "book_info", File: "book_info.jsonl", IDField: "book_id"}
	CommentsStream = Stream{Name: "comments", File: "comments.jsonl", IDField: "review_id"}
	ReviewsStream  = Stream{Name: "reviews", File: "reviews.jsonl", IDField: "review_id"}
)

// Target is one book to collect.
type Target struct {
	Name   string
	BookID string // optional; skips the search when set
	Dir    string
}

// Outcome is how a collector run ended.
type Outcome string

const (
	OutcomeExhausted     Outcome = "exhausted"
	OutcomeStalled       Outcome = "stalled"
	OutcomeTargetReached Outcome = "target_reached"
	OutcomeError         Outcome = "error"
)

// CollectResult is returned by one collector run over a single stream.
type CollectResult struct {
	Stream   string
	Accepted int
	Pages    int
	Outcome  Outcome
	Err      error
}

// RunSummary holds the overall result of an orchestrated run.
type RunSummary struct {
	Succeeded []string
	Failed    []string
	Skipped   []string
	Errors    map[string]string
	StartTime time.Time
	EndTime   time.Time
}

// Total returns the number of targets the run was given.
func (s RunSummary) Total() int {
	return len(s.Succeeded) + len(s.Failed) + len(s.Skipped)
}

// OK reports whether every target succeeded.
func (s RunSummary) OK() bool {
	return len(s.Failed) == 0 && len(s.Skipped) == 0
}

// ProxyStats is a snapshot of the proxy pool.
type ProxyStats struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Failed    int `json:"failed"`
	Available int `json:"available"`
}
