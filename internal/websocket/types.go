package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeVerdict is published for every processed request
	EventTypeVerdict EventType = "verdict"
	// EventTypeInjectionDetection is published when injection matches were found
	EventTypeInjectionDetection EventType = "injection_detection"
	// EventTypePIIDetection is published when PII was found
	EventTypePIIDetection EventType = "pii_detection"
	// EventTypeRateLimited is published when a request was rejected by the limiter
	EventTypeRateLimited EventType = "rate_limited"
	// EventTypeRequestLog represents a request logging event
	EventTypeRequestLog EventType = "request_log"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping message
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// VerdictEvent summarizes one verdict
type VerdictEvent struct {
	Action          string  `json:"action"`
	RiskTier        string  `json:"risk_tier"`
	HighestSeverity string  `json:"highest_severity"`
	PIICount        int     `json:"pii_count"`
	InjectionCount  int     `json:"injection_count"`
	CacheHit        bool    `json:"cache_hit"`
	ProcessingMS    float64 `json:"processing_ms"`
}

// InjectionDetectionEvent lists the injection categories found in a request
type InjectionDetectionEvent struct {
	Categories      []string `json:"categories"`
	HighestSeverity string   `json:"highest_severity"`
	TotalMatches    int      `json:"total_matches"`
	Blocked         bool     `json:"blocked"`
}

// PIIDetectionEvent lists the PII types found in a request
type PIIDetectionEvent struct {
	Types         []string `json:"types"`
	TotalFindings int      `json:"total_findings"`
}

// RateLimitedEvent describes a rate limit rejection
type RateLimitedEvent struct {
	Dimension    string `json:"dimension"`
	Reason       string `json:"reason"`
	RetryAfterMS int64  `json:"retry_after_ms"`
	Endpoint     string `json:"endpoint,omitempty"`
}

// RequestLogEvent represents a request logging event
type RequestLogEvent struct {
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	StatusCode   int           `json:"status_code"`
	ClientIP     string        `json:"client_ip"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Duration     time.Duration `json:"duration"`
	RequestSize  int64         `json:"request_size"`
	ResponseSize int64         `json:"response_size"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter represents filtering options for events
type EventFilter struct {
	// MinSeverity drops verdict and injection events below this severity
	MinSeverity string `json:"min_severity,omitempty"`
	// Categories keeps only injection events with one of these categories
	Categories    []string `json:"categories,omitempty"`
	ExcludeHealth bool     `json:"exclude_health,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

// Subscription returns the client's current subscription, nil for all events
func (c *Client) Subscription() *SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription
}

func (c *Client) setSubscription(sub *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = sub
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}
