package client

import (
	"errors"
	"fmt"
	"net/http"

	"catalog/ingest/internal/retry"
)

var (
	// ErrMalformedPage means the markup does not look like the expected page
	// at all; fetching it again will not help.
	ErrMalformedPage = errors.New("malformed page")
	// ErrEmptyBody is a truncated or empty response, usually a flaky upstream.
	ErrEmptyBody = errors.New("empty response body")
)

// HTTPError is a non-2xx response from the site.
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s (%s)", e.StatusCode, e.Status, e.URL)
}

// Transient reports whether the status is worth retrying: server errors,
// request timeouts and rate limiting.
func (e *HTTPError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// classify marks errors that must not be retried as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && !httpErr.Transient() {
		return retry.Permanent(err)
	}
	if errors.Is(err, ErrMalformedPage) {
		return retry.Permanent(err)
	}
	return err
}
