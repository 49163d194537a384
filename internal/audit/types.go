package audit

import (
	"time"

	"github.com/lib/pq"
)

// Event is one audited request. It holds verdict metadata only; request text
// and raw client addresses are never stored.
type Event struct {
	ID                  int64          `db:"id" json:"id"`
	RequestID           string         `db:"request_id" json:"request_id"`
	Kind                string         `db:"kind" json:"kind"`
	Action              string         `db:"action" json:"action"`
	RiskTier            string         `db:"risk_tier" json:"risk_tier"`
	PIITypes            pq.StringArray `db:"pii_types" json:"pii_types"`
	InjectionCategories pq.StringArray `db:"injection_categories" json:"injection_categories"`
	HighestSeverity     string         `db:"highest_severity" json:"highest_severity"`
	PIICount            int            `db:"pii_count" json:"pii_count"`
	InjectionCount      int            `db:"injection_count" json:"injection_count"`
	CacheHit            bool           `db:"cache_hit" json:"cache_hit"`
	ClientIPHash        string         `db:"client_ip_hash" json:"client_ip_hash"`
	UserHash            string         `db:"user_hash" json:"user_hash"`
	Endpoint            string         `db:"endpoint" json:"endpoint"`
	RateLimitDimension  string         `db:"rate_limit_dimension" json:"rate_limit_dimension"`
	LatencyMS           float64        `db:"latency_ms" json:"latency_ms"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
}

// Summary aggregates audited requests over a period
type Summary struct {
	Total       int64   `db:"total" json:"total"`
	Blocked     int64   `db:"blocked" json:"blocked"`
	Sanitized   int64   `db:"sanitized" json:"sanitized"`
	Passed      int64   `db:"passed" json:"passed"`
	RateLimited int64   `db:"rate_limited" json:"rate_limited"`
	CacheHits   int64   `db:"cache_hits" json:"cache_hits"`
	AvgLatency  float64 `db:"avg_latency_ms" json:"avg_latency_ms"`
}

// WriterStats tracks the asynchronous writer
type WriterStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Batches int64 `json:"batches"`
}
