package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
)

var (
	// ErrNotFound is returned by Get when a key is absent or expired
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// Limit is one token-bucket window: Capacity tokens, refilled continuously
// at RefillPerSec
type Limit struct {
	// Name identifies the window inside its bucket. Takes with the same
	// name share token state whatever the other windows are. Empty derives
	// a name from the refill period.
	Name         string
	Capacity     float64
	RefillPerSec float64
}

// field is the window's state slot within a bucket
func (l Limit) field() string {
	if l.Name != "" {
		return l.Name
	}
	return strconv.FormatFloat(l.Capacity/l.RefillPerSec, 'f', -1, 64) + "s"
}

// Validate checks that the window can ever admit a request
func (l Limit) Validate() error {
	if l.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %v", l.Capacity)
	}
	if l.RefillPerSec <= 0 {
		return fmt.Errorf("refill rate must be positive, got %v", l.RefillPerSec)
	}
	return nil
}

// fullRefill is how long an idle bucket takes to fill up again. State older
// than that carries no information and may be evicted.
func fullRefill(limits []Limit) time.Duration {
	var longest time.Duration
	for _, l := range limits {
		d := time.Duration(l.Capacity / l.RefillPerSec * float64(time.Second))
		if d > longest {
			longest = d
		}
	}
	return longest
}

// TakeResult is the outcome of one atomic multi-window take
type TakeResult struct {
	Allowed bool
	// Remaining is the smallest token count across windows after the take
	Remaining float64
	// RetryAfter is zero when allowed
	RetryAfter time.Duration
}

// Stats describes the backing store for the info endpoint
type Stats struct {
	Backend     string `json:"backend"`
	Keys        int64  `json:"keys"`
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
}

// Store is the shared key-value state used by the cache and the rate limiter
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// TakeTokens refills every window of the bucket at key, then removes cost
	// tokens from all of them if and only if each has enough. The check and
	// the decrement are one atomic step.
	TakeTokens(ctx context.Context, key string, limits []Limit, cost int, now time.Time) (TakeResult, error)
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// New builds the store selected by cfg.Backend
func New(cfg config.RedisConfig, log *logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "redis":
		return NewRedisStore(cfg, log)
	case "memory":
		return NewMemoryStore(log), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func validateLimits(limits []Limit, cost int) error {
	if len(limits) == 0 {
		return errors.New("at least one limit is required")
	}
	if cost < 1 {
		return fmt.Errorf("cost must be at least 1, got %d", cost)
	}
	seen := make(map[string]bool, len(limits))
	for i, l := range limits {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("limit %d: %w", i, err)
		}
		if seen[l.field()] {
			return fmt.Errorf("limit %d: duplicate window %s", i, l.field())
		}
		seen[l.field()] = true
	}
	return nil
}

// ceilMillis rounds a wait up to the next whole millisecond
func ceilMillis(d time.Duration) time.Duration {
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}
