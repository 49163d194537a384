package client

import (
	"fmt"
	"time"
)

// ProcessRequest is the body of POST /api/v1/process
type ProcessRequest struct {
	Text           string         `json:"text"`
	Context        map[string]any `json:"context,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CheckPII       *bool          `json:"check_pii,omitempty"`
	CheckInjection *bool          `json:"check_injection,omitempty"`
	UseCache       *bool          `json:"use_cache,omitempty"`
}

// PIIMatch is one PII finding. The matched value is never returned.
type PIIMatch struct {
	PatternID  string  `json:"pattern_id"`
	Type       string  `json:"type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"redaction_strategy"`
}

// InjectionMatch is one injection finding
type InjectionMatch struct {
	PatternID    string   `json:"pattern_id"`
	Category     string   `json:"category"`
	Start        int      `json:"start"`
	End          int      `json:"end"`
	Severity     string   `json:"severity"`
	BaseSeverity string   `json:"base_severity"`
	Confidence   float64  `json:"confidence"`
	Mitigations  []string `json:"mitigations,omitempty"`
	Indicators   []string `json:"indicators,omitempty"`
	Obfuscated   bool     `json:"obfuscated,omitempty"`
}

// ProcessResponse is the verdict for one input
type ProcessResponse struct {
	RequestID         string           `json:"request_id"`
	Action            string           `json:"action"`
	Status            string           `json:"status"`
	PIIDetected       bool             `json:"pii_detected"`
	PIIMatches        []PIIMatch       `json:"pii_matches"`
	InjectionDetected bool             `json:"injection_detected"`
	InjectionMatches  []InjectionMatch `json:"injection_matches"`
	SanitizedText     string           `json:"sanitized_text,omitempty"`
	RiskTier          string           `json:"risk_tier"`
	CacheHit          bool             `json:"cache_hit"`
	ProcessingTimeMS  float64          `json:"processing_time_ms"`
}

// Blocked reports whether the input must not reach the model
func (r *ProcessResponse) Blocked() bool {
	return r.Action == "block"
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse is the body of GET /ready
type ReadyResponse struct {
	Status string          `json:"status"`
	Ready  bool            `json:"ready"`
	Checks map[string]bool `json:"checks"`
}

// errorBody is the service's error envelope
type errorBody struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	RequestID    string `json:"request_id"`
	Dimension    string `json:"dimension"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// APIError is a non-retryable error response
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reflex: HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimitedError is returned for HTTP 429
type RateLimitedError struct {
	Dimension  string
	RetryAfter time.Duration
	RequestID  string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("reflex: rate limited on %s, retry after %s", e.Dimension, e.RetryAfter)
}

// serverError marks a 5xx response so it counts against the breaker
type serverError struct {
	StatusCode int
	Message    string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("reflex: server error %d: %s", e.StatusCode, e.Message)
}
