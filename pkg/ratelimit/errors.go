package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

var (
	ErrLimitExceeded = errors.New("rate limit exceeded")
	ErrUnknownClass  = errors.New("ratelimit: unknown limit class")
)

// Error is returned by Check when a request is rejected. Retrying before
// RetryAfter has elapsed yields the same rejection.
type Error struct {
	Class      string
	Message    string
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	ResetAt    time.Time
	Blocked    bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (class=%s, retry after %s)", e.Message, e.Class, e.RetryAfter)
}

func (e *Error) Is(target error) bool {
	return target == ErrLimitExceeded
}

func (e *Error) RetryAfterMs() int64 {
	return e.RetryAfter.Milliseconds()
}

func (e *Error) ErrorCode() string { return CodeRateLimitExceeded }

func (e *Error) HTTPStatus() int { return http.StatusTooManyRequests }

func (e *Error) PublicMessage() string { return e.Message }

// Details is the body fragment sent alongside the error code.
func (e *Error) Details() map[string]any {
	return map[string]any{
		"limit":          e.Limit,
		"remaining":      e.Remaining,
		"reset_time":     e.ResetAt.UTC().Format(time.RFC3339),
		"retry_after_ms": e.RetryAfterMs(),
	}
}

// SetHeaders writes Retry-After (whole seconds, rounded up) and the
// X-RateLimit-* headers.
func (e *Error) SetHeaders(h http.Header) {
	secs := int64(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	h.Set("Retry-After", strconv.FormatInt(secs, 10))
	h.Set("X-RateLimit-Limit", strconv.Itoa(e.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(e.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(e.ResetAt.Unix(), 10))
}
