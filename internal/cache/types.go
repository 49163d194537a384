package cache

import (
	"encoding/json"
	"time"
)

// TTLTier names a cache lifetime
type TTLTier string

const (
	TierVeryShort TTLTier = "very_short"
	TierShort     TTLTier = "short"
	TierMedium    TTLTier = "medium"
	TierLong      TTLTier = "long"
	TierVeryLong  TTLTier = "very_long"
)

// Entry is one cached verdict. It never holds the raw input: only the
// serialized verdict (offsets, types, sanitized text) and a digest of the
// exact input that produced it.
type Entry struct {
	Verdict     json.RawMessage `json:"verdict"`
	RiskTier    string          `json:"risk_tier"`
	TTLTier     TTLTier         `json:"ttl_tier"`
	InputDigest string          `json:"input_digest"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Stats represents cache performance statistics
type Stats struct {
	Enabled bool    `json:"enabled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	Sets    int64   `json:"sets"`
	HitRate float64 `json:"hit_rate"`
}
