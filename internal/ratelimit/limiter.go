package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/store"
)

// Dimension is the axis a bucket is keyed on
type Dimension string

const (
	DimensionUser     Dimension = "user"
	DimensionIP       Dimension = "ip"
	DimensionEndpoint Dimension = "endpoint"
	DimensionGlobal   Dimension = "global"
)

// Rejection reasons
const (
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonStoreUnavailable = "store_unavailable"
)

// closedRetryAfter is the retry-after reported when the store is down and the
// policy is fail-closed
const closedRetryAfter = time.Second

const globalIdentifier = "all"

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Dimension  Dimension     `json:"dimension,omitempty"`
	Remaining  float64       `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	Reason     string        `json:"reason,omitempty"`
	// Degraded is set when the store failed and the fail-open policy let the
	// request through unchecked
	Degraded bool `json:"degraded,omitempty"`
}

// Subject identifies the caller of one request across all dimensions
type Subject struct {
	UserID   string
	Tier     string
	IP       string
	Endpoint string
}

// Limiter enforces token-bucket budgets per dimension and identifier. All
// bucket state lives in the store.
type Limiter struct {
	store      store.Store
	cfg        config.RateLimitConfig
	failClosed bool
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time
}

// New creates a limiter from configuration
func New(cfg config.RateLimitConfig, st store.Store, m *metrics.Metrics, log *logger.Logger) (*Limiter, error) {
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q is not defined", cfg.DefaultTier)
	}
	if _, ok := cfg.Tiers[cfg.IPTier]; cfg.IPTier != "" && !ok {
		return nil, fmt.Errorf("ip tier %q is not defined", cfg.IPTier)
	}
	for name, tier := range cfg.Tiers {
		if err := validate(tier); err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
	}
	for path, endpoint := range cfg.Endpoints {
		if err := validate(endpoint); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", path, err)
		}
	}
	if err := validate(cfg.DefaultEndpoint); err != nil {
		return nil, fmt.Errorf("default endpoint: %w", err)
	}
	if err := validate(cfg.Global); err != nil {
		return nil, fmt.Errorf("global: %w", err)
	}

	l := &Limiter{
		store:      st,
		cfg:        cfg,
		failClosed: cfg.FailPolicy == "closed",
		metrics:    m,
		logger:     log.WithComponent("ratelimit"),
		now:        time.Now,
	}

	l.logger.Info("Rate limiter initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.String("fail_policy", l.policy()),
		zap.String("default_tier", cfg.DefaultTier),
		zap.String("ip_tier", l.ipTier()),
		zap.Int("tiers", len(cfg.Tiers)),
	)
	return l, nil
}

func validate(lc config.LimitConfig) error {
	for _, n := range []int{lc.PerSecond, lc.PerMinute, lc.PerHour, lc.PerDay} {
		if n < 0 {
			return fmt.Errorf("negative limit %d", n)
		}
	}
	return nil
}

// Limits converts a limit configuration into token-bucket windows: a budget
// of n per period is a bucket of capacity n refilling at n/period
func Limits(lc config.LimitConfig) []store.Limit {
	if lc.Unlimited {
		return nil
	}

	windows := []struct {
		name   string
		n      int
		period time.Duration
	}{
		{"second", lc.PerSecond, time.Second},
		{"minute", lc.PerMinute, time.Minute},
		{"hour", lc.PerHour, time.Hour},
		{"day", lc.PerDay, 24 * time.Hour},
	}

	var limits []store.Limit
	for _, w := range windows {
		if w.n > 0 {
			limits = append(limits, store.Limit{
				Name:         w.name,
				Capacity:     float64(w.n),
				RefillPerSec: float64(w.n) / w.period.Seconds(),
			})
		}
	}
	return limits
}

func (l *Limiter) policy() string {
	if l.failClosed {
		return "closed"
	}
	return "open"
}

// Key returns the store key of the bucket for dimension and identifier
func (l *Limiter) Key(dimension Dimension, identifier string) string {
	key := "ratelimit:" + string(dimension) + ":" + identifier
	if l.cfg.KeyPrefix != "" {
		key = l.cfg.KeyPrefix + ":" + key
	}
	return key
}

// ipTier is the tier of every ip bucket. Callers cannot choose it.
func (l *Limiter) ipTier() string {
	if l.cfg.IPTier != "" {
		return l.cfg.IPTier
	}
	return l.cfg.DefaultTier
}

// limitsFor resolves the windows that apply to one bucket
func (l *Limiter) limitsFor(dimension Dimension, identifier, tier string) []store.Limit {
	switch dimension {
	case DimensionUser:
		tc, ok := l.cfg.Tiers[tier]
		if !ok {
			tc = l.cfg.Tiers[l.cfg.DefaultTier]
		}
		return Limits(tc)
	case DimensionIP:
		return Limits(l.cfg.Tiers[l.ipTier()])
	case DimensionEndpoint:
		if ec, ok := l.cfg.Endpoints[identifier]; ok {
			return Limits(ec)
		}
		return Limits(l.cfg.DefaultEndpoint)
	case DimensionGlobal:
		return Limits(l.cfg.Global)
	default:
		return nil
	}
}

// TryAcquire takes one token from the bucket for dimension and identifier.
// The tier selects the budget for the user dimension only.
func (l *Limiter) TryAcquire(ctx context.Context, dimension Dimension, identifier, tier string) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}
	}

	limits := l.limitsFor(dimension, identifier, tier)
	if len(limits) == 0 {
		return Decision{Allowed: true, Dimension: dimension, Remaining: -1}
	}

	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	result, err := l.store.TakeTokens(ctx, l.Key(dimension, identifier), limits, 1, l.now())
	if err != nil {
		return l.storeFailure(dimension, err)
	}

	if !result.Allowed {
		l.metrics.RecordRateLimited(string(dimension))
		l.logger.Debug("Rate limited",
			zap.String("dimension", string(dimension)),
			zap.Duration("retry_after", result.RetryAfter))
		return Decision{
			Dimension:  dimension,
			Remaining:  result.Remaining,
			RetryAfter: result.RetryAfter,
			Reason:     ReasonQuotaExceeded,
		}
	}

	return Decision{Allowed: true, Dimension: dimension, Remaining: result.Remaining}
}

func (l *Limiter) storeFailure(dimension Dimension, err error) Decision {
	l.metrics.RecordStoreError("ratelimit")
	l.metrics.RecordRateLimitDegraded(l.policy())

	if l.failClosed {
		l.logger.Error("Rate limit store unavailable, rejecting",
			zap.String("dimension", string(dimension)),
			zap.Error(err))
		return Decision{
			Dimension:  dimension,
			RetryAfter: closedRetryAfter,
			Reason:     ReasonStoreUnavailable,
			Degraded:   true,
		}
	}

	l.logger.Warn("Rate limit store unavailable, allowing",
		zap.String("dimension", string(dimension)),
		zap.Error(err))
	return Decision{Allowed: true, Dimension: dimension, Remaining: -1, Degraded: true}
}

// CheckAll checks user, ip, endpoint and global in that order and returns
// the first rejection. Dimensions with no identifier are skipped. Tokens
// taken from earlier dimensions are not returned on a later rejection.
func (l *Limiter) CheckAll(ctx context.Context, s Subject) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}
	}

	tier := s.Tier
	if tier == "" {
		tier = l.cfg.DefaultTier
	}

	checks := []struct {
		dimension  Dimension
		identifier string
	}{
		{DimensionUser, s.UserID},
		{DimensionIP, s.IP},
		{DimensionEndpoint, s.Endpoint},
		{DimensionGlobal, globalIdentifier},
	}

	final := Decision{Allowed: true, Remaining: -1}
	for _, c := range checks {
		if strings.TrimSpace(c.identifier) == "" {
			continue
		}
		d := l.TryAcquire(ctx, c.dimension, c.identifier, tier)
		if !d.Allowed {
			return d
		}
		if d.Degraded {
			final.Degraded = true
		}
		if d.Remaining >= 0 && (final.Remaining < 0 || d.Remaining < final.Remaining) {
			final.Remaining = d.Remaining
			final.Dimension = d.Dimension
		}
	}
	return final
}

// Reset clears the bucket for dimension and identifier
func (l *Limiter) Reset(ctx context.Context, dimension Dimension, identifier string) error {
	if err := l.store.Delete(ctx, l.Key(dimension, identifier)); err != nil {
		return fmt.Errorf("failed to reset %s bucket: %w", dimension, err)
	}
	l.logger.Info("Rate limit bucket reset", zap.String("dimension", string(dimension)))
	return nil
}

// Tiers returns the configured tier names in order
func (l *Limiter) Tiers() []string {
	names := make([]string, 0, len(l.cfg.Tiers))
	for name := range l.cfg.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
