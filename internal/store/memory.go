package store

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raaihank/reflex-layer/internal/logger"
)

// MemoryStore keeps all state in-process. It gives a single instance the same
// semantics as RedisStore and backs the tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	buckets map[string]*bucket
	closed  bool
	logger  *logger.Logger
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// bucket holds one rate.Limiter per named window
type bucket struct {
	limits   map[string]Limit
	limiters map[string]*rate.Limiter
	lastUsed time.Time
}

// idleAfter is how long the bucket must sit unused before every window is full
func (b *bucket) idleAfter() time.Duration {
	limits := make([]Limit, 0, len(b.limits))
	for _, l := range b.limits {
		limits = append(limits, l)
	}
	return fullRefill(limits)
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		buckets: make(map[string]*bucket),
		logger:  log.WithComponent("store"),
	}
}

// Ping always succeeds until the store is closed
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Get returns a copy of the value at key or ErrNotFound
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value with the given TTL. A zero TTL means no expiry.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes key from both the entries and the buckets
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// TakeTokens reserves cost tokens from every window at now. If any window
// would have to wait, every reservation is cancelled and the longest wait is
// returned as the retry-after.
func (s *MemoryStore) TakeTokens(ctx context.Context, key string, limits []Limit, cost int, now time.Time) (TakeResult, error) {
	if err := validateLimits(limits, cost); err != nil {
		return TakeResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return TakeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getBucket(key, limits, now)
	b.lastUsed = now

	allowed := true
	var wait time.Duration
	reservations := make([]*rate.Reservation, len(limits))
	for i, l := range limits {
		r := b.limiters[l.field()].ReserveN(now, cost)
		reservations[i] = r
		if !r.OK() {
			// cost exceeds the window's capacity; it can never be admitted
			allowed = false
			wait = max(wait, time.Duration(float64(cost)/l.RefillPerSec*float64(time.Second)))
			continue
		}
		if d := r.DelayFrom(now); d > 0 {
			allowed = false
			wait = max(wait, d)
		}
	}

	if !allowed {
		for _, r := range reservations {
			if r.OK() {
				r.CancelAt(now)
			}
		}
	}

	remaining := math.Inf(1)
	for _, l := range limits {
		remaining = math.Min(remaining, b.limiters[l.field()].TokensAt(now))
	}

	result := TakeResult{Allowed: allowed, Remaining: math.Floor(math.Max(0, remaining))}
	if !allowed {
		result.RetryAfter = ceilMillis(wait)
	}
	return result, nil
}

// getBucket returns the bucket for key with a limiter for every window in
// limits. New windows start full; a window whose budget changed keeps its
// tokens and refills at the new rate from now.
func (s *MemoryStore) getBucket(key string, limits []Limit, now time.Time) *bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{
			limits:   make(map[string]Limit, len(limits)),
			limiters: make(map[string]*rate.Limiter, len(limits)),
			lastUsed: now,
		}
		s.buckets[key] = b
	}

	for _, l := range limits {
		name := l.field()
		lim, ok := b.limiters[name]
		if !ok {
			b.limiters[name] = rate.NewLimiter(rate.Limit(l.RefillPerSec), int(l.Capacity))
			b.limits[name] = l
			continue
		}
		if b.limits[name] != l {
			lim.SetLimitAt(now, rate.Limit(l.RefillPerSec))
			lim.SetBurstAt(now, int(l.Capacity))
			b.limits[name] = l
		}
	}
	return b
}

// Stats reports the number of live entries and buckets
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Backend: "memory", Keys: int64(len(s.entries) + len(s.buckets))}, nil
}

// Cleanup evicts expired entries and buckets idle long enough to have
// refilled completely. It returns the number of evicted keys.
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, key)
			evicted++
		}
	}
	for key, b := range s.buckets {
		if now.Sub(b.lastUsed) > b.idleAfter() {
			delete(s.buckets, key)
			evicted++
		}
	}
	return evicted
}

// StartCleanupRoutine runs Cleanup on interval until ctx is done
func (s *MemoryStore) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.Cleanup(now); n > 0 {
					s.logger.Debug("Evicted idle store keys", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Close marks the store closed. State is kept so tests can inspect it.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
