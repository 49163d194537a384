// Package client calls the Reflex Layer processing service from an
// orchestrator. Calls go through a circuit breaker and are retried with
// backoff on transport errors and 5xx responses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("reflex: circuit breaker open")

const maxResponseBody = 1 << 20

// Config configures a Client
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Breaker settings
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// DefaultConfig returns a Config for the service at baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		Timeout:          2 * time.Second,
		MaxRetries:       2,
		BackoffBase:      50 * time.Millisecond,
		BackoffMax:       time.Second,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Client is safe for concurrent use
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	logger  *zap.Logger
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// CallOption adjusts an outgoing request
type CallOption func(*http.Request)

// WithRequestID sets X-Request-ID
func WithRequestID(id string) CallOption {
	return func(r *http.Request) { r.Header.Set("X-Request-ID", id) }
}

// WithUser sets the caller identity headers
func WithUser(userID, tier string) CallOption {
	return func(r *http.Request) {
		if userID != "" {
			r.Header.Set("X-User-ID", userID)
		}
		if tier != "" {
			r.Header.Set("X-User-Tier", tier)
		}
	}
}

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("reflex: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 50 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{cfg: cfg, http: httpClient, logger: log}
	threshold := cfg.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "reflex-layer",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about the service
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// State returns the breaker state
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Process screens one input
func (c *Client) Process(ctx context.Context, req ProcessRequest, opts ...CallOption) (*ProcessResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("reflex: encode request: %w", err)
	}

	var out ProcessResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/process", body, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready calls GET /ready once, outside the breaker. A 503 is reported as a
// not-ready response rather than an error.
func (c *Client) Ready(ctx context.Context) (*ReadyResponse, error) {
	res, err := c.roundTrip(ctx, http.MethodGet, "/ready", nil, nil)
	var serr *serverError
	if errors.As(err, &serr) && serr.StatusCode == http.StatusServiceUnavailable && res != nil {
		err = nil
	}
	if err != nil {
		return nil, err
	}

	var out ReadyResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return nil, fmt.Errorf("reflex: decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, opts []CallOption) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		res, err := c.breaker.Execute(func() (*response, error) {
			return c.roundTrip(ctx, method, path, body, opts)
		})
		if err == nil {
			return c.decode(res, out)
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		c.logger.Debug("Reflex call failed",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("reflex: max retries exceeded: %w", lastErr)
}

// roundTrip performs one HTTP exchange. Transport errors and 5xx are errors;
// every other status is returned for decoding.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, opts []CallOption) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("reflex: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reflex: read response: %w", err)
	}

	res := &response{status: resp.StatusCode, header: resp.Header, body: data}
	if resp.StatusCode >= 500 {
		return res, &serverError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return res, nil
}

func (c *Client) decode(res *response, out any) error {
	switch {
	case res.status >= 200 && res.status < 300:
		if err := json.Unmarshal(res.body, out); err != nil {
			return fmt.Errorf("reflex: decode response: %w", err)
		}
		return nil

	case res.status == http.StatusTooManyRequests:
		var e errorBody
		_ = json.Unmarshal(res.body, &e)
		retryAfter := time.Duration(e.RetryAfterMS) * time.Millisecond
		if retryAfter == 0 {
			if secs, err := strconv.Atoi(res.header.Get("Retry-After")); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{Dimension: e.Dimension, RetryAfter: retryAfter, RequestID: e.RequestID}

	default:
		var e errorBody
		_ = json.Unmarshal(res.body, &e)
		msg := e.Message
		if msg == "" {
			msg = http.StatusText(res.status)
		}
		return &APIError{StatusCode: res.status, Message: msg, RequestID: e.RequestID}
	}
}

// backoff is exponential with +/-25% jitter, capped at BackoffMax
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > c.cfg.BackoffMax || d <= 0 {
		d = c.cfg.BackoffMax
	}
	jitter := (rand.Float64() - 0.5) * 0.5 * float64(d)
	return d + time.Duration(jitter)
}

func errorMessage(body []byte) string {
	var e errorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}
