package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/store"
)

// Manager caches verdicts in the shared store with a TTL chosen by risk
type Manager struct {
	store     store.Store
	enabled   bool
	prefix    string
	timeout   time.Duration
	ttls      map[TTLTier]time.Duration
	riskTiers map[string]TTLTier
	metrics   *metrics.Metrics
	logger    *logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
	sets   atomic.Int64
}

// NewManager creates a cache manager over st
func NewManager(cfg config.CacheConfig, st store.Store, m *metrics.Metrics, log *logger.Logger) (*Manager, error) {
	mgr := &Manager{
		store:     st,
		enabled:   cfg.Enabled,
		prefix:    cfg.KeyPrefix,
		timeout:   cfg.Timeout,
		ttls:      make(map[TTLTier]time.Duration, len(cfg.TTLs)),
		riskTiers: make(map[string]TTLTier, len(cfg.RiskTiers)),
		metrics:   m,
		logger:    log.WithComponent("cache"),
	}
	for name, ttl := range cfg.TTLs {
		mgr.ttls[TTLTier(name)] = ttl
	}
	for risk, tier := range cfg.RiskTiers {
		if _, ok := mgr.ttls[TTLTier(tier)]; !ok {
			return nil, fmt.Errorf("risk tier %q maps to unknown ttl tier %q", risk, tier)
		}
		mgr.riskTiers[risk] = TTLTier(tier)
	}
	if _, ok := mgr.riskTiers["none"]; !ok {
		return nil, errors.New("risk tier \"none\" must be mapped")
	}

	return mgr, nil
}

// Enabled reports whether lookups and stores do anything
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Key builds the key for text under this manager's prefix
func (m *Manager) Key(text, fingerprint string) string {
	return Key(m.prefix, text, fingerprint)
}

// TierFor returns the TTL tier and duration for a risk tier. Unknown risks
// use the shortest mapped lifetime.
func (m *Manager) TierFor(risk string) (TTLTier, time.Duration) {
	if tier, ok := m.riskTiers[risk]; ok {
		return tier, m.ttls[tier]
	}
	shortest := m.riskTiers["none"]
	for _, tier := range m.riskTiers {
		if m.ttls[tier] < m.ttls[shortest] {
			shortest = tier
		}
	}
	return shortest, m.ttls[shortest]
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Lookup returns the entry at key when it was produced by exactly the same
// input. Store errors and corrupt entries count as misses.
func (m *Manager) Lookup(ctx context.Context, key, inputDigest string) (*Entry, bool) {
	if !m.enabled {
		return nil, false
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	data, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		m.miss()
		return nil, false
	}
	if err != nil {
		m.errors.Add(1)
		m.metrics.RecordCacheLookup("error")
		m.metrics.RecordStoreError("cache")
		m.logger.Warn("Cache lookup failed", zap.Error(err))
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		m.logger.Warn("Deleting corrupt cache entry", zap.Error(err))
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Debug("Failed to delete corrupt cache entry", zap.Error(err))
		}
		m.miss()
		return nil, false
	}

	// A different input that normalized onto the same slot is a miss; the
	// caller's Store overwrites the slot. Verdicts carry byte offsets and
	// some injection patterns are case sensitive, so a case or whitespace
	// variant cannot reuse them.
	if entry.InputDigest != inputDigest {
		m.miss()
		return nil, false
	}

	m.hits.Add(1)
	m.metrics.RecordCacheLookup("hit")
	return &entry, true
}

func (m *Manager) miss() {
	m.misses.Add(1)
	m.metrics.RecordCacheLookup("miss")
}

// Store writes entry at key with the TTL mapped from risk. Failures are
// logged and returned; callers treat them as non-fatal.
func (m *Manager) Store(ctx context.Context, key string, entry *Entry, risk string) error {
	if !m.enabled {
		return nil
	}

	tier, ttl := m.TierFor(risk)
	now := time.Now().UTC()
	entry.RiskTier = risk
	entry.TTLTier = tier
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.Set(ctx, key, data, ttl); err != nil {
		m.errors.Add(1)
		m.metrics.RecordStoreError("cache")
		m.logger.Warn("Failed to cache verdict", zap.Error(err))
		return fmt.Errorf("failed to cache verdict: %w", err)
	}

	m.sets.Add(1)
	m.metrics.RecordCacheWrite(string(tier))
	m.logger.Debug("Verdict cached",
		zap.String("risk_tier", risk),
		zap.String("ttl_tier", string(tier)),
		zap.Duration("ttl", ttl))
	return nil
}

// Stats returns cache performance statistics
func (m *Manager) Stats() Stats {
	stats := Stats{
		Enabled: m.enabled,
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Errors:  m.errors.Load(),
		Sets:    m.sets.Load(),
	}

	// Calculate hit rate
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}
