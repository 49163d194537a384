package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/reflex-layer/internal/ratelimit"
)

// ErrUnavailable is returned when a request cannot be processed within the
// deadline
var ErrUnavailable = errors.New("processing unavailable")

// ValidationError reports an input that was rejected before processing
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RateLimitedError reports a request rejected by the rate limiter
type RateLimitedError struct {
	Dimension  ratelimit.Dimension
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded on %s, retry after %s", e.Dimension, e.RetryAfter)
}
