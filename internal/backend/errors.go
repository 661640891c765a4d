package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for backend failures. Providers wrap them with request
// context; callers classify with errors.Is.
var (
	ErrUnauthorized = errors.New("backend unauthorized")
	ErrRateLimited  = errors.New("backend rate limited")
	ErrUnavailable  = errors.New("backend unavailable")
	ErrTimeout      = errors.New("backend timeout")
	ErrMalformed    = errors.New("malformed backend response")
)

// statusError maps an HTTP status to the matching sentinel, or nil for 2xx.
func statusError(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("API request failed with status %d: %s: %w", code, truncateBody(body), ErrUnauthorized)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded (%d): %w", code, ErrRateLimited)
	case code >= 500:
		return fmt.Errorf("API request failed with status %d: %s: %w", code, truncateBody(body), ErrUnavailable)
	default:
		return fmt.Errorf("API request failed with status %d: %s", code, truncateBody(body))
	}
}

// transportError classifies a failed HTTP round trip. Deadline and network
// timeouts map to ErrTimeout so callers can tell a slow backend from a
// broken one.
func transportError(err error) error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("request timed out: %v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("request failed: %w", err)
}

// Retryable reports whether a completion error is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

func truncateBody(body string) string {
	const limit = 512
	if len(body) <= limit {
		return body
	}
	return body[:limit] + "...(truncated)"
}
