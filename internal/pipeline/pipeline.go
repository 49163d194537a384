package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/cache"
	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/pii"
	"github.com/raaihank/reflex-layer/internal/ratelimit"
)

// Components are the stages a pipeline composes. Limiter and Cache are
// optional.
type Components struct {
	Limiter   *ratelimit.Limiter
	Cache     *cache.Manager
	PII       *pii.Detector
	Injection *injection.Detector
}

// Pipeline screens one request at a time: validate, rate limit, cache
// lookup, PII, injection, verdict, cache store.
type Pipeline struct {
	cfg       config.PipelineConfig
	limiter   *ratelimit.Limiter
	cache     *cache.Manager
	pii       *pii.Detector
	injection *injection.Detector
	metrics   *metrics.Metrics
	logger    *logger.Logger

	mu    sync.RWMutex
	sinks []EventSink
}

// New creates a pipeline
func New(cfg config.PipelineConfig, c Components, m *metrics.Metrics, log *logger.Logger) (*Pipeline, error) {
	if c.PII == nil || c.Injection == nil {
		return nil, errors.New("pipeline requires both pii and injection detectors")
	}
	if cfg.Deadline <= 0 {
		return nil, fmt.Errorf("invalid pipeline deadline: %s", cfg.Deadline)
	}
	if cfg.MinLength < 1 || cfg.MaxLength < cfg.MinLength {
		return nil, fmt.Errorf("invalid input length bounds: [%d, %d]", cfg.MinLength, cfg.MaxLength)
	}

	return &Pipeline{
		cfg:       cfg,
		limiter:   c.Limiter,
		cache:     c.Cache,
		pii:       c.PII,
		injection: c.Injection,
		metrics:   m,
		logger:    log.WithComponent("pipeline"),
	}, nil
}

// AddSink registers an event sink
func (p *Pipeline) AddSink(sink EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, sink)
}

func (p *Pipeline) publish(rec Record) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sink := range p.sinks {
		sink.Publish(rec)
	}
}

// Validate checks the shape of the input text
func (p *Pipeline) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Message: "must not be empty or whitespace"}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "text", Message: "must be valid UTF-8"}
	}
	n := utf8.RuneCountInString(text)
	if n < p.cfg.MinLength || n > p.cfg.MaxLength {
		return &ValidationError{
			Field:   "text",
			Message: fmt.Sprintf("length %d outside [%d, %d]", n, p.cfg.MinLength, p.cfg.MaxLength),
		}
	}
	return nil
}

// Process screens one request. Errors are *ValidationError,
// *RateLimitedError or ErrUnavailable.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Verdict, error) {
	start := time.Now()
	log := p.logger.WithRequestID(req.RequestID)

	if err := p.Validate(req.Text); err != nil {
		p.metrics.RecordRequest("invalid", time.Since(start))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	if p.limiter != nil {
		stageStart := time.Now()
		decision := p.limiter.CheckAll(ctx, ratelimit.Subject{
			UserID:   req.UserID,
			Tier:     req.Tier,
			IP:       req.IP,
			Endpoint: req.Endpoint,
		})
		p.metrics.RecordStage("ratelimit", time.Since(stageStart))

		if !decision.Allowed {
			p.metrics.RecordRequest("rate_limited", time.Since(start))
			log.Info("Request rate limited",
				zap.String("dimension", string(decision.Dimension)),
				zap.String("reason", decision.Reason),
				zap.Duration("retry_after", decision.RetryAfter))
			p.publish(Record{
				Kind:      RecordRateLimited,
				RequestID: req.RequestID,
				Timestamp: time.Now().UTC(),
				UserID:    req.UserID,
				IP:        req.IP,
				Endpoint:  req.Endpoint,
				Duration:  time.Since(start),
				RateLimit: &decision,
			})
			return nil, &RateLimitedError{
				Dimension:  decision.Dimension,
				RetryAfter: decision.RetryAfter,
				Reason:     decision.Reason,
			}
		}
	}
	if err := p.checkDeadline(ctx, log, "ratelimit", start); err != nil {
		return nil, err
	}

	useCache := req.Options.UseCache && p.cache != nil && p.cache.Enabled()
	var key, digest string
	if useCache {
		stageStart := time.Now()
		key = p.cache.Key(req.Text, req.Options.Fingerprint())
		digest = cache.Digest(req.Text)
		entry, hit := p.cache.Lookup(ctx, key, digest)
		p.metrics.RecordStage("cache_lookup", time.Since(stageStart))

		if hit {
			var verdict Verdict
			if err := json.Unmarshal(entry.Verdict, &verdict); err == nil {
				verdict.CacheHit = true
				p.finish(req, &verdict, start)
				return &verdict, nil
			}
			log.Warn("Discarding undecodable cached verdict")
		}
		if err := p.checkDeadline(ctx, log, "cache_lookup", start); err != nil {
			return nil, err
		}
	}

	var piiResult pii.ProcessResult
	if req.Options.CheckPII {
		stageStart := time.Now()
		piiResult = p.pii.ProcessText(req.Text)
		p.metrics.RecordStage("pii", time.Since(stageStart))
		if err := p.checkDeadline(ctx, log, "pii", start); err != nil {
			return nil, err
		}
	}

	var injResult injection.Result
	if req.Options.CheckInjection {
		stageStart := time.Now()
		injResult = p.injection.Analyze(req.Text)
		p.metrics.RecordStage("injection", time.Since(stageStart))
		if err := p.checkDeadline(ctx, log, "injection", start); err != nil {
			return nil, err
		}
	}

	verdict := Decide(piiResult, injResult)
	for _, m := range verdict.PIIMatches {
		p.metrics.RecordDetection("pii", string(m.Type))
	}
	for _, m := range verdict.InjectionMatches {
		p.metrics.RecordDetection("injection", string(m.Category))
	}

	if useCache {
		stageStart := time.Now()
		p.storeVerdict(ctx, log, key, digest, verdict)
		p.metrics.RecordStage("cache_store", time.Since(stageStart))
	}

	p.finish(req, verdict, start)
	return verdict, nil
}

// checkDeadline fails the request once the deadline has passed
func (p *Pipeline) checkDeadline(ctx context.Context, log *logger.Logger, stage string, start time.Time) error {
	if ctx.Err() == nil {
		return nil
	}
	p.metrics.RecordRequest("unavailable", time.Since(start))
	log.Warn("Pipeline deadline exceeded",
		zap.String("stage", stage),
		zap.Duration("elapsed", time.Since(start)),
		zap.Duration("deadline", p.cfg.Deadline))
	return ErrUnavailable
}

func (p *Pipeline) storeVerdict(ctx context.Context, log *logger.Logger, key, digest string, verdict *Verdict) {
	data, err := json.Marshal(verdict)
	if err != nil {
		log.Error("Failed to encode verdict for cache", zap.Error(err))
		return
	}
	entry := &cache.Entry{Verdict: data, InputDigest: digest}
	if err := p.cache.Store(ctx, key, entry, string(verdict.RiskTier)); err != nil {
		log.Debug("Verdict not cached", zap.Error(err))
	}
}

func (p *Pipeline) finish(req Request, verdict *Verdict, start time.Time) {
	elapsed := time.Since(start)
	p.metrics.RecordRequest(string(verdict.Action), elapsed)

	rec := Record{
		Kind:                RecordVerdict,
		RequestID:           req.RequestID,
		Timestamp:           time.Now().UTC(),
		UserID:              req.UserID,
		IP:                  req.IP,
		Endpoint:            req.Endpoint,
		Action:              verdict.Action,
		RiskTier:            verdict.RiskTier,
		PIICount:            len(verdict.PIIMatches),
		InjectionCount:      len(verdict.InjectionMatches),
		HighestSeverity:     verdict.HighestSeverity,
		CacheHit:            verdict.CacheHit,
		Duration:            elapsed,
		PIITypes:            piiTypes(verdict.PIIMatches),
		InjectionCategories: injectionCategories(verdict.InjectionMatches),
	}
	p.publish(rec)

	p.logger.WithRequestID(req.RequestID).Info("Request processed",
		zap.String("action", string(verdict.Action)),
		zap.String("risk_tier", string(verdict.RiskTier)),
		zap.Int("pii_matches", rec.PIICount),
		zap.Int("injection_matches", rec.InjectionCount),
		zap.Bool("cache_hit", verdict.CacheHit),
		zap.Duration("duration", elapsed))
}

// Decide combines detector results into a verdict. Block iff any injection
// match is critical; otherwise sanitize iff any PII was found; otherwise
// pass.
func Decide(piiResult pii.ProcessResult, injResult injection.Result) *Verdict {
	v := &Verdict{
		Action:           ActionPass,
		PIIMatches:       piiResult.Matches,
		InjectionMatches: injResult.Matches,
	}
	if v.PIIMatches == nil {
		v.PIIMatches = []pii.Match{}
	}
	if v.InjectionMatches == nil {
		v.InjectionMatches = []injection.Match{}
	}

	for _, m := range v.InjectionMatches {
		if m.Severity > v.HighestSeverity {
			v.HighestSeverity = m.Severity
		}
	}

	switch {
	case v.HighestSeverity == injection.SeverityCritical:
		v.Action = ActionBlock
	case len(v.PIIMatches) > 0:
		v.Action = ActionSanitize
		v.SanitizedText = piiResult.SanitizedText
	}

	v.RiskTier = riskTier(v)
	return v
}

func riskTier(v *Verdict) RiskTier {
	switch {
	case v.Action == ActionBlock:
		return RiskCritical
	case v.HighestSeverity == injection.SeverityHigh:
		return RiskHigh
	case len(v.PIIMatches) > 0 || v.HighestSeverity == injection.SeverityMedium:
		return RiskMedium
	case v.HighestSeverity == injection.SeverityLow:
		return RiskLow
	default:
		return RiskNone
	}
}

func piiTypes(matches []pii.Match) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[string(m.Type)] {
			seen[string(m.Type)] = true
			out = append(out, string(m.Type))
		}
	}
	sort.Strings(out)
	return out
}

func injectionCategories(matches []injection.Match) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[string(m.Category)] {
			seen[string(m.Category)] = true
			out = append(out, string(m.Category))
		}
	}
	sort.Strings(out)
	return out
}

// Info describes the active pipeline configuration
type Info struct {
	PIIPatterns         []string    `json:"pii_patterns"`
	InjectionMode       string      `json:"injection_mode"`
	InjectionCategories []string    `json:"injection_categories"`
	RateLimitTiers      []string    `json:"rate_limit_tiers,omitempty"`
	Cache               cache.Stats `json:"cache"`
	DeadlineMS          int64       `json:"deadline_ms"`
}

// Info returns a snapshot of the pipeline's configuration and cache stats
func (p *Pipeline) Info() Info {
	info := Info{
		PIIPatterns:   p.pii.EnabledPatterns(),
		InjectionMode: string(p.injection.Mode()),
		DeadlineMS:    p.cfg.Deadline.Milliseconds(),
	}
	for _, c := range p.injection.Categories() {
		info.InjectionCategories = append(info.InjectionCategories, string(c))
	}
	if p.limiter != nil {
		info.RateLimitTiers = p.limiter.Tiers()
	}
	if p.cache != nil {
		info.Cache = p.cache.Stats()
	}
	return info
}
