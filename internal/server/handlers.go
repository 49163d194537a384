package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/audit"
	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/pii"
	"github.com/raaihank/reflex-layer/internal/pipeline"
)

const (
	readyTimeout       = time.Second
	auditQueryTimeout  = 5 * time.Second
	defaultAuditLimit  = 50
	maxAuditLimit      = 500
	defaultAuditWindow = 24 * time.Hour
)

// ProcessRequest is the body of POST /process
type ProcessRequest struct {
	Text           string         `json:"text"`
	Context        map[string]any `json:"context,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CheckPII       *bool          `json:"check_pii,omitempty"`
	CheckInjection *bool          `json:"check_injection,omitempty"`
	UseCache       *bool          `json:"use_cache,omitempty"`
}

// Processing status values
const (
	StatusSuccess = "success"
	StatusBlocked = "blocked"
)

// ProcessResponse is the body of a successful POST /process
type ProcessResponse struct {
	RequestID         string            `json:"request_id"`
	Action            pipeline.Action   `json:"action"`
	Status            string            `json:"status"`
	PIIDetected       bool              `json:"pii_detected"`
	PIIMatches        []pii.Match       `json:"pii_matches"`
	InjectionDetected bool              `json:"injection_detected"`
	InjectionMatches  []injection.Match `json:"injection_matches"`
	SanitizedText     string            `json:"sanitized_text,omitempty"`
	RiskTier          pipeline.RiskTier `json:"risk_tier"`
	CacheHit          bool              `json:"cache_hit"`
	ProcessingTimeMS  float64           `json:"processing_time_ms"`
}

// ErrorResponse is returned for every rejected request
type ErrorResponse struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	RequestID    string `json:"request_id,omitempty"`
	Timestamp    string `json:"timestamp"`
	Dimension    string `json:"dimension,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// handleProcess screens one input
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := getRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodySize)
	var body ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	// Identity headers count only when the orchestrator in front is trusted
	// to set them
	userID := body.UserID
	var tier string
	if s.config.Server.TrustIdentityHeaders {
		if h := strings.TrimSpace(r.Header.Get("X-User-ID")); h != "" {
			userID = h
		}
		tier = strings.TrimSpace(r.Header.Get("X-User-Tier"))
	}

	defaults := pipeline.DefaultOptions()
	req := pipeline.Request{
		RequestID: requestID,
		Text:      body.Text,
		Context:   body.Context,
		UserID:    userID,
		Tier:      tier,
		IP:        s.clientIP(r),
		Endpoint:  r.URL.Path,
		Options: pipeline.Options{
			CheckPII:       boolOr(body.CheckPII, defaults.CheckPII),
			CheckInjection: boolOr(body.CheckInjection, defaults.CheckInjection),
			UseCache:       boolOr(body.UseCache, defaults.UseCache),
		},
	}

	verdict, err := s.pipeline.Process(r.Context(), req)
	if err != nil {
		s.writeProcessError(w, r, err)
		return
	}

	status := StatusSuccess
	if verdict.Action == pipeline.ActionBlock {
		status = StatusBlocked
	}

	s.writeJSON(w, http.StatusOK, ProcessResponse{
		RequestID:         requestID,
		Action:            verdict.Action,
		Status:            status,
		PIIDetected:       verdict.PIIDetected(),
		PIIMatches:        verdict.PIIMatches,
		InjectionDetected: verdict.InjectionDetected(),
		InjectionMatches:  verdict.InjectionMatches,
		SanitizedText:     verdict.SanitizedText,
		RiskTier:          verdict.RiskTier,
		CacheHit:          verdict.CacheHit,
		ProcessingTimeMS:  float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (s *Server) writeProcessError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *pipeline.ValidationError
	var rerr *pipeline.RateLimitedError

	switch {
	case errors.As(err, &verr):
		s.writeError(w, r, http.StatusBadRequest, verr.Error())

	case errors.As(err, &rerr):
		seconds := int64((rerr.RetryAfter + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		s.writeErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
			Message:      "Rate limit exceeded",
			RequestID:    getRequestID(r.Context()),
			Dimension:    string(rerr.Dimension),
			RetryAfterMS: rerr.RetryAfter.Milliseconds(),
		})

	case errors.Is(err, pipeline.ErrUnavailable):
		s.writeError(w, r, http.StatusServiceUnavailable, "Processing unavailable")

	default:
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Unexpected pipeline error", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports whether the shared store is reachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	storeReady := true
	if err := s.store.Ping(ctx); err != nil {
		storeReady = false
		s.logger.Warn("Store readiness check failed", zap.Error(err))
	}

	status, code := "ready", http.StatusOK
	if !storeReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status": status,
		"ready":  storeReady,
		"checks": map[string]bool{"store": storeReady, "config": true},
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":               "reflex-layer",
		"version":            Version,
		"store_backend":      s.config.Redis.Backend,
		"pii_enabled":        s.config.PII.Enabled,
		"injection_enabled":  s.config.Injection.Enabled,
		"rate_limit_enabled": s.config.RateLimit.Enabled,
		"rate_limit_policy":  s.config.RateLimit.FailPolicy,
		"pipeline":           s.pipeline.Info(),
		"websocket_enabled":  s.config.WebSocket.Enabled && s.wsHub != nil,
		"context_analysis":   s.config.Injection.ContextAnalysis,
		"severity_threshold": s.config.Injection.SeverityThreshold,
	}
	if s.wsHub != nil {
		info["websocket"] = s.wsHub.Stats()
	}
	if s.auditW != nil {
		info["audit"] = s.auditW.Stats()
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleAuditRecent returns the latest audit events
func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxAuditLimit))
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), auditQueryTimeout)
	defer cancel()

	events, err := s.audit.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("Audit query failed", zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, "Audit store unavailable")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleAuditSummary aggregates audit events over a trailing window
func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	window := defaultAuditWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), auditQueryTimeout)
	defer cancel()

	since := time.Now().Add(-window)
	summary, err := s.audit.Summarize(ctx, since)
	if err != nil {
		s.logger.Error("Audit summary failed", zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, "Audit store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"since":   since.UTC().Format(time.RFC3339),
		"summary": summary,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeErrorResponse(w, status, ErrorResponse{
		Message:   message,
		RequestID: getRequestID(r.Context()),
	})
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	resp.Code = status
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	s.writeJSON(w, status, resp)
}
