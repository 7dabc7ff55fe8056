package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-scrape-reviews/parser"
	"github.com/aluiziolira/go-scrape-reviews/store"
)

// Network error kinds.
const (
	KindTimeout    = "timeout"
	KindConnection = "connection"
	KindTransport  = "transport"
)

// NetworkError is a transport-level failure (timeout, refused connection, proxy
// failure). It is the only retryable failure.
type NetworkError struct {
	Kind string
	URL  string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Errorf("%s %s: %w", e.Kind, e.URL, e.Err).Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx response. It ends pagination for the stream.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.URL)
}

// ParseError wraps an extractor failure for one page.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Errorf("parse %s: %w", e.URL, e.Err).Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PersistError is a failed append of a single record.
type PersistError struct {
	Stream string
	ID     string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Errorf("persist %s/%s: %w", e.Stream, e.ID, e.Err).Error()
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// TargetError is the failure of a whole target, recorded by the orchestrator.
type TargetError struct {
	Target string
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Errorf("target %s: %w", e.Target, e.Err).Error()
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Kind
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusForbidden:
			return "forbidden"
		case http.StatusNotFound:
			return "not_found"
		case http.StatusTooManyRequests:
			return "rate_limited"
		}
		return "http"
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	if errors.Is(err, store.ErrDuplicate) {
		return "duplicate"
	}
	var persistErr *PersistError
	if errors.As(err, &persistErr) {
		return "persist"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}

// classifyError maps a raw colly failure to the typed taxonomy. colly reports
// transport failures with status 0 and non-2xx responses with their code.
func classifyError(err error, statusCode int, url string) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Kind: KindTimeout, URL: url, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &NetworkError{Kind: KindTimeout, URL: url, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &NetworkError{Kind: KindConnection, URL: url, Err: err}
	}

	if statusCode != 0 {
		return &HTTPError{StatusCode: statusCode, URL: url}
	}
	return &NetworkError{Kind: KindTransport, URL: url, Err: err}
}

func newParseError(url string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, parser.ErrUnrecognized) {
		err = fmt.Errorf("%w: %v", parser.ErrUnrecognized, err)
	}
	return &ParseError{URL: url, Err: err}
}
