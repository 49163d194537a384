package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/store"
)

// recordingStore remembers the TTL of every Set and can be made to fail
type recordingStore struct {
	store.Store
	ttls map[string]time.Duration
	fail error
}

func (r *recordingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	return r.Store.Get(ctx, key)
}

func (r *recordingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.fail != nil {
		return r.fail
	}
	r.ttls[key] = ttl
	return r.Store.Set(ctx, key, value, ttl)
}

func newTestManager(t *testing.T) (*Manager, *recordingStore) {
	t.Helper()
	st := &recordingStore{
		Store: store.NewMemoryStore(logger.NewNop()),
		ttls:  make(map[string]time.Duration),
	}
	mgr, err := NewManager(config.GetDefaults().Cache, st, nil, logger.NewNop())
	require.NoError(t, err)
	return mgr, st
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Hello   World  ", "hello world"},
		{"Hello\t\nWorld", "hello world"},
		{"Café", "café"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestKey(t *testing.T) {
	a := Key("", "Hello   World", "pii,injection")
	b := Key("", " hello world ", "pii,injection")
	assert.Equal(t, a, b, "normalized variants share a key")
	assert.True(t, strings.HasPrefix(a, "cache:"))
	assert.Len(t, strings.TrimPrefix(a, "cache:"), 64)

	assert.NotEqual(t, a, Key("", "Hello World", "pii"), "options are part of the key")
	assert.True(t, strings.HasPrefix(Key("reflex", "x", ""), "reflex:cache:"))
}

func TestLookupAndStore(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	text := "What is the capital of France?"
	key := mgr.Key(text, "all")

	_, hit := mgr.Lookup(ctx, key, Digest(text))
	assert.False(t, hit)

	verdict := json.RawMessage(`{"action":"pass"}`)
	require.NoError(t, mgr.Store(ctx, key, &Entry{Verdict: verdict, InputDigest: Digest(text)}, "none"))

	entry, hit := mgr.Lookup(ctx, key, Digest(text))
	require.True(t, hit)
	assert.JSONEq(t, string(verdict), string(entry.Verdict))
	assert.Equal(t, "none", entry.RiskTier)
	assert.Equal(t, TierMedium, entry.TTLTier)
	assert.Equal(t, time.Hour, entry.ExpiresAt.Sub(entry.CreatedAt))

	stats := mgr.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 50.0, stats.HitRate, 1e-9)
}

func TestLookupRequiresExactInput(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	original := "Tell me a joke"
	variant := "tell   me a JOKE"
	key := mgr.Key(original, "all")
	require.Equal(t, key, mgr.Key(variant, "all"))

	require.NoError(t, mgr.Store(ctx, key, &Entry{Verdict: json.RawMessage(`{}`), InputDigest: Digest(original)}, "none"))

	_, hit := mgr.Lookup(ctx, key, Digest(variant))
	assert.False(t, hit, "a variant must not be served another input's verdict")

	spaced := "Tell  me a joke"
	require.Equal(t, key, mgr.Key(spaced, "all"))
	_, hit = mgr.Lookup(ctx, key, Digest(spaced))
	assert.False(t, hit, "a whitespace variant shifts offsets and must miss")

	_, hit = mgr.Lookup(ctx, key, Digest(original))
	assert.True(t, hit)
}

func TestTTLTiering(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)

	tests := []struct {
		risk string
		want time.Duration
	}{
		{"critical", 60 * time.Second},
		{"high", 60 * time.Second},
		{"medium", 300 * time.Second},
		{"low", 300 * time.Second},
		{"none", 3600 * time.Second},
		{"unknown", 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.risk, func(t *testing.T) {
			key := mgr.Key(tt.risk, "")
			require.NoError(t, mgr.Store(ctx, key, &Entry{Verdict: json.RawMessage(`{}`)}, tt.risk))
			assert.Equal(t, tt.want, st.ttls[key])
		})
	}

	_, detected := mgr.TierFor("high")
	_, clean := mgr.TierFor("none")
	assert.Less(t, detected, clean, "detections must expire before clean verdicts")
}

func TestStoreErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	st.fail = errors.New("connection refused")

	_, hit := mgr.Lookup(ctx, "k", "d")
	assert.False(t, hit)
	assert.Error(t, mgr.Store(ctx, "k", &Entry{}, "none"))
	assert.Equal(t, int64(2), mgr.Stats().Errors)
}

func TestCorruptEntryDeleted(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)

	require.NoError(t, st.Store.Set(ctx, "corrupt", []byte("{not json"), time.Minute))

	_, hit := mgr.Lookup(ctx, "corrupt", "d")
	assert.False(t, hit)

	_, err := st.Store.Get(ctx, "corrupt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := config.GetDefaults().Cache
	cfg.Enabled = false
	mgr, err := NewManager(cfg, store.NewMemoryStore(logger.NewNop()), nil, logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, mgr.Store(ctx, "k", &Entry{InputDigest: "d"}, "none"))
	_, hit := mgr.Lookup(ctx, "k", "d")
	assert.False(t, hit)
	assert.Equal(t, Stats{}, mgr.Stats())
}

func TestNewManagerRejectsUnknownTier(t *testing.T) {
	cfg := config.GetDefaults().Cache
	cfg.RiskTiers = map[string]string{"none": "forever"}
	_, err := NewManager(cfg, store.NewMemoryStore(logger.NewNop()), nil, logger.NewNop())
	assert.Error(t, err)
}
