package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/store"
)

// unavailableStore fails every token bucket operation
type unavailableStore struct {
	*store.MemoryStore
}

func (unavailableStore) TakeTokens(context.Context, string, []store.Limit, int, time.Time) (store.TakeResult, error) {
	return store.TakeResult{}, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig, st store.Store) (*Limiter, *time.Time) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore(logger.NewNop())
	}
	l, err := New(cfg, st, nil, logger.NewNop())
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func defaultConfig() config.RateLimitConfig {
	return config.GetDefaults().RateLimit
}

func TestLimits(t *testing.T) {
	limits := Limits(config.LimitConfig{PerMinute: 10, PerHour: 100, PerDay: 1000})
	require.Len(t, limits, 3)
	assert.Equal(t, store.Limit{Name: "minute", Capacity: 10, RefillPerSec: 10.0 / 60}, limits[0])
	assert.Equal(t, store.Limit{Name: "hour", Capacity: 100, RefillPerSec: 100.0 / 3600}, limits[1])
	assert.Equal(t, store.Limit{Name: "day", Capacity: 1000, RefillPerSec: 1000.0 / 86400}, limits[2])

	assert.Empty(t, Limits(config.LimitConfig{Unlimited: true, PerMinute: 5}))
	assert.Empty(t, Limits(config.LimitConfig{}))
}

func TestKey(t *testing.T) {
	l, _ := newTestLimiter(t, defaultConfig(), nil)
	assert.Equal(t, "ratelimit:ip:203.0.113.5", l.Key(DimensionIP, "203.0.113.5"))

	cfg := defaultConfig()
	cfg.KeyPrefix = "reflex"
	l, _ = newTestLimiter(t, cfg, nil)
	assert.Equal(t, "reflex:ratelimit:user:alice", l.Key(DimensionUser, "alice"))
}

func TestIPFairness(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, defaultConfig(), nil)

	subject := Subject{IP: "203.0.113.5", Endpoint: "/process"}
	for i := 0; i < 10; i++ {
		d := l.CheckAll(ctx, subject)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d := l.CheckAll(ctx, subject)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimensionIP, d.Dimension)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, 6*time.Second, d.RetryAfter, "one token of a 10/min bucket refills in 6s")

	other := l.CheckAll(ctx, Subject{IP: "198.51.100.7", Endpoint: "/process"})
	assert.True(t, other.Allowed, "a distinct IP keeps its own budget")
}

func TestRefillOverTime(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLimiter(t, defaultConfig(), nil)

	for i := 0; i < 10; i++ {
		require.True(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)
	}
	require.False(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)

	*now = now.Add(6 * time.Second)
	assert.True(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)
	assert.False(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)
}

func TestUserCheckedFirst(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, defaultConfig(), nil)

	for i := 0; i < 10; i++ {
		d := l.CheckAll(ctx, Subject{UserID: "alice", IP: fmt.Sprintf("10.0.0.%d", i), Endpoint: "/process"})
		require.True(t, d.Allowed)
	}

	d := l.CheckAll(ctx, Subject{UserID: "alice", IP: "10.0.1.1", Endpoint: "/process"})
	assert.False(t, d.Allowed)
	assert.Equal(t, DimensionUser, d.Dimension)

	d = l.CheckAll(ctx, Subject{UserID: "bob", IP: "10.0.1.1", Endpoint: "/process"})
	assert.True(t, d.Allowed)
}

func TestTiers(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, defaultConfig(), nil)

	t.Run("pro tier gets more", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			ip := fmt.Sprintf("10.1.%d.1", i)
			require.True(t, l.CheckAll(ctx, Subject{UserID: "pro-user", Tier: "pro", IP: ip}).Allowed)
		}
	})

	t.Run("unlimited skips the user dimension", func(t *testing.T) {
		for i := 0; i < 150; i++ {
			ip := fmt.Sprintf("10.2.%d.%d", i/100, i%100)
			require.True(t, l.CheckAll(ctx, Subject{UserID: "svc", Tier: "unlimited", IP: ip}).Allowed)
		}
	})

	t.Run("ip bucket ignores the caller tier", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.True(t, l.CheckAll(ctx, Subject{Tier: "unlimited", IP: "10.5.0.1"}).Allowed)
		}
		d := l.CheckAll(ctx, Subject{Tier: "unlimited", IP: "10.5.0.1"})
		assert.False(t, d.Allowed)
		assert.Equal(t, DimensionIP, d.Dimension)
	})

	t.Run("unknown tier uses default", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.True(t, l.TryAcquire(ctx, DimensionUser, "mystery", "platinum").Allowed)
		}
		assert.False(t, l.TryAcquire(ctx, DimensionUser, "mystery", "platinum").Allowed)
	})

	assert.Equal(t, []string{"basic", "enterprise", "free", "pro", "unlimited"}, l.Tiers())
}

func TestEndpointAndGlobal(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.Endpoints = map[string]config.LimitConfig{"/expensive": {PerSecond: 2}}
	cfg.Global = config.LimitConfig{PerSecond: 5}
	l, _ := newTestLimiter(t, cfg, nil)

	for i := 0; i < 2; i++ {
		require.True(t, l.CheckAll(ctx, Subject{IP: fmt.Sprintf("10.3.0.%d", i), Endpoint: "/expensive"}).Allowed)
	}
	d := l.CheckAll(ctx, Subject{IP: "10.3.0.9", Endpoint: "/expensive"})
	assert.False(t, d.Allowed)
	assert.Equal(t, DimensionEndpoint, d.Dimension)

	// the two allowed requests already took from the global bucket
	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAll(ctx, Subject{IP: fmt.Sprintf("10.4.0.%d", i), Endpoint: "/process"}).Allowed)
	}
	d = l.CheckAll(ctx, Subject{IP: "10.4.0.9", Endpoint: "/process"})
	assert.False(t, d.Allowed)
	assert.Equal(t, DimensionGlobal, d.Dimension)
}

func TestFailPolicy(t *testing.T) {
	ctx := context.Background()
	down := unavailableStore{store.NewMemoryStore(logger.NewNop())}

	t.Run("open", func(t *testing.T) {
		l, _ := newTestLimiter(t, defaultConfig(), down)
		d := l.CheckAll(ctx, Subject{UserID: "alice", IP: "10.0.0.1", Endpoint: "/process"})
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
	})

	t.Run("closed", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.FailPolicy = "closed"
		l, _ := newTestLimiter(t, cfg, down)
		d := l.CheckAll(ctx, Subject{UserID: "alice", IP: "10.0.0.1", Endpoint: "/process"})
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonStoreUnavailable, d.Reason)
		assert.Equal(t, time.Second, d.RetryAfter)
		assert.Equal(t, DimensionUser, d.Dimension)
	})
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.Enabled = false
	l, _ := newTestLimiter(t, cfg, unavailableStore{store.NewMemoryStore(logger.NewNop())})

	assert.True(t, l.CheckAll(ctx, Subject{IP: "10.0.0.1"}).Allowed)
	assert.True(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, defaultConfig(), nil)

	for i := 0; i < 10; i++ {
		l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free")
	}
	require.False(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)

	require.NoError(t, l.Reset(ctx, DimensionIP, "10.0.0.1"))
	assert.True(t, l.TryAcquire(ctx, DimensionIP, "10.0.0.1", "free").Allowed)
}

func TestNewValidation(t *testing.T) {
	cfg := defaultConfig()
	cfg.DefaultTier = "missing"
	_, err := New(cfg, store.NewMemoryStore(logger.NewNop()), nil, logger.NewNop())
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.IPTier = "missing"
	_, err = New(cfg, store.NewMemoryStore(logger.NewNop()), nil, logger.NewNop())
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.Global = config.LimitConfig{PerSecond: -1}
	_, err = New(cfg, store.NewMemoryStore(logger.NewNop()), nil, logger.NewNop())
	assert.Error(t, err)
}

func TestConfiguredIPTier(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.IPTier = "basic"
	l, _ := newTestLimiter(t, cfg, nil)

	for i := 0; i < 60; i++ {
		require.True(t, l.TryAcquire(ctx, DimensionIP, "10.6.0.1", "free").Allowed, "request %d", i+1)
	}
	assert.False(t, l.TryAcquire(ctx, DimensionIP, "10.6.0.1", "unlimited").Allowed)
}
