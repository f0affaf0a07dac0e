package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a non-200 upstream response. RetryAfter is zero unless the
// server sent a Retry-After header.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// IsRateLimited reports whether the error is a 429 or a quota rejection.
// The router puts the model on cooldown for these.
func IsRateLimited(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		if he.Status == http.StatusTooManyRequests {
			return true
		}
		body := strings.ToLower(he.Body)
		return strings.Contains(body, "quota") || strings.Contains(body, "rate limit")
	}
	return false
}

// RetryAfter extracts the server-requested wait from an HTTPError, zero when
// none was sent.
func RetryAfter(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

// IsAuthError reports whether the error is a credential rejection (401/403).
func IsAuthError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden
	}
	return false
}

// IsServerError reports whether the error is an upstream 5xx.
func IsServerError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	return false
}

// IsTransportError reports whether the request never produced an HTTP
// response (connection refused, DNS failure, reset).
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}

// RetryConfig controls the in-adapter retry loop. The loop only handles
// transient upstream hiccups; chain-level fallback lives in the router.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	return IsTransportError(err)
}

// RetryDo runs fn with exponential backoff on retryable errors, honoring
// Retry-After when the server sent one.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			var he *HTTPError
			if errors.As(lastErr, &he) && he.RetryAfter > 0 {
				delay = he.RetryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}

// ParseRetryAfter parses a Retry-After header value: either delta seconds
// or an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
