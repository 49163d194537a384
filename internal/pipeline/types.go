package pipeline

import (
	"time"

	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/pii"
	"github.com/raaihank/reflex-layer/internal/ratelimit"
)

// Action is what the caller must do with the input
type Action string

const (
	ActionPass     Action = "pass"
	ActionSanitize Action = "sanitize"
	ActionBlock    Action = "block"
)

// RiskTier classifies a verdict. It selects the cache lifetime.
type RiskTier string

const (
	RiskCritical RiskTier = "critical"
	RiskHigh     RiskTier = "high"
	RiskMedium   RiskTier = "medium"
	RiskLow      RiskTier = "low"
	RiskNone     RiskTier = "none"
)

// Options toggles stages for one request
type Options struct {
	CheckPII       bool `json:"check_pii"`
	CheckInjection bool `json:"check_injection"`
	UseCache       bool `json:"use_cache"`
}

// DefaultOptions enables every stage
func DefaultOptions() Options {
	return Options{CheckPII: true, CheckInjection: true, UseCache: true}
}

// Fingerprint identifies the detection stages that shaped a verdict. Verdicts
// computed with different stages never share a cache slot.
func (o Options) Fingerprint() string {
	fp := "pii=0,injection=0"
	switch {
	case o.CheckPII && o.CheckInjection:
		fp = "pii=1,injection=1"
	case o.CheckPII:
		fp = "pii=1,injection=0"
	case o.CheckInjection:
		fp = "pii=0,injection=1"
	}
	return fp
}

// Request is one input to screen
type Request struct {
	RequestID string
	Text      string
	// Context is caller metadata. It is passed through and never analyzed.
	Context  map[string]any
	UserID   string
	Tier     string
	IP       string
	Endpoint string
	Options  Options
}

// Verdict is the pipeline's decision for one request. It never carries the
// raw input.
type Verdict struct {
	Action           Action             `json:"action"`
	PIIMatches       []pii.Match        `json:"pii_matches"`
	InjectionMatches []injection.Match  `json:"injection_matches"`
	SanitizedText    string             `json:"sanitized_text,omitempty"`
	RiskTier         RiskTier           `json:"risk_tier"`
	HighestSeverity  injection.Severity `json:"highest_severity"`
	CacheHit         bool               `json:"cache_hit"`
}

// PIIDetected reports whether any PII match is present
func (v *Verdict) PIIDetected() bool {
	return len(v.PIIMatches) > 0
}

// InjectionDetected reports whether any injection match is present
func (v *Verdict) InjectionDetected() bool {
	return len(v.InjectionMatches) > 0
}

// RecordKind distinguishes the records published to event sinks
type RecordKind string

const (
	RecordVerdict     RecordKind = "verdict"
	RecordRateLimited RecordKind = "rate_limited"
)

// Record is the text-free summary of one processed request handed to event
// sinks.
type Record struct {
	Kind                RecordKind
	RequestID           string
	Timestamp           time.Time
	UserID              string
	IP                  string
	Endpoint            string
	Action              Action
	RiskTier            RiskTier
	PIITypes            []string
	PIICount            int
	InjectionCategories []string
	InjectionCount      int
	HighestSeverity     injection.Severity
	CacheHit            bool
	Duration            time.Duration
	RateLimit           *ratelimit.Decision
}

// EventSink receives a record for every verdict and every rate-limit
// rejection. Implementations must not block.
type EventSink interface {
	Publish(Record)
}
