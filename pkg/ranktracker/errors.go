package ranktracker

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ExternalAPIError is returned for any non-2xx provider response.
type ExternalAPIError struct {
	Endpoint   string
	StatusCode int
	Body       string
	// RetryAfter is parsed from the Retry-After header when present.
	RetryAfter time.Duration
}

func (e *ExternalAPIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("ranktracker: %s: unexpected status %d: %s", e.Endpoint, e.StatusCode, body)
}

// StatusCode extracts the provider status from err.
func StatusCode(err error) (int, bool) {
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// IsRetryable reports provider statuses worth another attempt: 408, 429 and
// any 5xx. Errors that carry no provider status return false.
func IsRetryable(err error) bool {
	code, ok := StatusCode(err)
	if !ok {
		return false
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
