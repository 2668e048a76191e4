package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Error codes surfaced on session:error. User cancellation is never
// classified; callers check ctx first.
const (
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeRateLimit   = "RATE_LIMIT"
	ErrCodeContextLong = "CONTEXT_TOO_LONG"
	ErrCodeNetwork     = "NETWORK_ERROR"
)

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncate(e.Body, 300))
}

// APIError is a classified adapter failure carried up to session:error.
type APIError struct {
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }
func (e *APIError) Unwrap() error { return e.Err }

// ClassifyError maps an adapter failure to an error code. Returns nil
// for nil input and for context cancellation (never an error).
func ClassifyError(err error) *APIError {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	var he *HTTPError
	if errors.As(err, &he) {
		code := "API_ERROR_" + strconv.Itoa(he.Status)
		switch {
		case he.Status == 401 || he.Status == 403:
			code = ErrCodeAuth
		case he.Status == 429:
			code = ErrCodeRateLimit
		case isContextTooLong(he.Body):
			code = ErrCodeContextLong
		}
		return &APIError{Code: code, Message: truncate(he.Body, 500), Err: err}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case isContextTooLong(lower):
		return &APIError{Code: ErrCodeContextLong, Message: msg, Err: err}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "authentication"):
		return &APIError{Code: ErrCodeAuth, Message: msg, Err: err}
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return &APIError{Code: ErrCodeRateLimit, Message: msg, Err: err}
	default:
		return &APIError{Code: ErrCodeNetwork, Message: msg, Err: err}
	}
}

func isContextTooLong(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "context length") ||
		strings.Contains(s, "context_length") ||
		strings.Contains(s, "maximum context") ||
		strings.Contains(s, "too many tokens") ||
		strings.Contains(s, "prompt is too long")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseRetryAfter parses a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
