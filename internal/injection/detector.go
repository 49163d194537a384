package injection

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"go.uber.org/zap"
)

const (
	baseConfidence     = 0.8
	mitigationPenalty  = 0.3
	highEntropy        = 4.5
	longSpan           = 50
	multiMatchStep     = 0.05
	multiMatchMaxBoost = 0.15
)

var indicatorKeywords = []string{
	"ignore", "disregard", "forget", "override", "dan", "jailbreak",
	"unrestricted", "bypass", "prompt", "instructions", "system", "execute",
	"decode", "role",
}

// Detector finds prompt-injection attempts. Detection is pure; the only
// mutable state is the context rule set, swapped atomically on reload.
type Detector struct {
	registry          *Registry
	patterns          []*Pattern
	mode              Mode
	rules             atomic.Pointer[contextRules]
	contextAnalysis   bool
	threshold         Severity
	minPayloadEntropy float64
	fuzzy             bool
	fuzzyThreshold    float64
	enabled           bool
	logger            *logger.Logger
}

// New creates a detector from configuration
func New(cfg config.InjectionConfig, log *logger.Logger) (*Detector, error) {
	registry, err := DefaultRegistry()
	if err != nil {
		return nil, err
	}
	return NewWithRegistry(registry, cfg, log)
}

// NewWithRegistry creates a detector over an explicit registry
func NewWithRegistry(registry *Registry, cfg config.InjectionConfig, log *logger.Logger) (*Detector, error) {
	mode := Mode(cfg.Mode)
	if mode == "" {
		mode = ModeStandard
	}
	patterns, err := registry.forMode(mode)
	if err != nil {
		return nil, err
	}

	threshold := SeverityLow
	if cfg.SeverityThreshold != "" {
		if threshold, err = ParseSeverity(cfg.SeverityThreshold); err != nil {
			return nil, err
		}
	}

	d := &Detector{
		registry:          registry,
		patterns:          patterns,
		mode:              mode,
		contextAnalysis:   cfg.ContextAnalysis,
		threshold:         threshold,
		minPayloadEntropy: cfg.MinPayloadEntropy,
		fuzzy:             cfg.FuzzyMatching,
		fuzzyThreshold:    cfg.FuzzyThreshold,
		enabled:           cfg.Enabled,
		logger:            log,
	}
	if d.fuzzyThreshold <= 0 {
		d.fuzzyThreshold = 0.85
	}

	rules, err := newContextRules(academicMarkers(cfg), cfg.TestingMarkers, cfg.NegationWindow)
	if err != nil {
		return nil, err
	}
	d.rules.Store(rules)

	log.Info("Injection detector initialized",
		zap.String("mode", string(mode)),
		zap.Int("patterns", len(patterns)),
		zap.Bool("context_analysis", d.contextAnalysis),
		zap.Bool("fuzzy_matching", d.fuzzy),
		zap.String("severity_threshold", threshold.String()),
	)

	return d, nil
}

func academicMarkers(cfg config.InjectionConfig) []string {
	markers := make([]string, 0, len(cfg.FramingMarkers)+len(cfg.ExtraFramingMarkers))
	markers = append(markers, cfg.FramingMarkers...)
	return append(markers, cfg.ExtraFramingMarkers...)
}

// SetMarkers replaces the framing marker lists. In-flight detections keep the
// rule set they started with.
func (d *Detector) SetMarkers(cfg config.InjectionConfig) error {
	rules, err := newContextRules(academicMarkers(cfg), cfg.TestingMarkers, d.rules.Load().negationWindow)
	if err != nil {
		return err
	}
	d.rules.Store(rules)
	d.logger.Info("Injection framing markers updated",
		zap.Int("academic", len(cfg.FramingMarkers)+len(cfg.ExtraFramingMarkers)),
		zap.Int("testing", len(cfg.TestingMarkers)),
	)
	return nil
}

// Mode returns the detection mode
func (d *Detector) Mode() Mode {
	return d.mode
}

// Categories returns the categories this detector runs
func (d *Detector) Categories() []Category {
	out := make([]Category, len(d.patterns))
	for i, p := range d.patterns {
		out[i] = p.Category
	}
	return out
}

// scan is the per-call state of one Detect. The context analysis and the
// text entropy are only computed once something matched.
type scan struct {
	text     string
	rules    *contextRules
	withCtx  bool
	tc       *textContext
	entropy  float64
	prepared bool
}

func (s *scan) prepare() {
	if s.prepared {
		return
	}
	s.prepared = true
	if s.withCtx {
		s.tc = s.rules.analyze(s.text)
	}
	s.entropy = Entropy(s.text)
}

// Detect returns every injection match at or above the severity threshold,
// ordered by final severity (highest first), then start offset, then pattern ID
func (d *Detector) Detect(text string) []Match {
	if !d.enabled || text == "" {
		return nil
	}

	sc := &scan{text: text, rules: d.rules.Load(), withCtx: d.contextAnalysis}
	lower := foldCase(text)

	var matches []Match
	matched := make(map[Category]bool)
	var tokens [][]int
	encodedEnabled := false

	for _, p := range d.patterns {
		if p.Category == CategoryEncodedInstruction {
			encodedEnabled = true
		}
		if !p.candidate(lower) {
			continue
		}
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			if p.Category == CategoryEncodedInstruction {
				if tokens == nil {
					tokens = encodedTokens(text)
				}
				if d.lowEntropyPayload(text, tokens, loc[0]) {
					continue
				}
			}
			matches = append(matches, d.newMatch(sc, p.ID, p.Category, p.BaseSeverity, loc[0], loc[1]))
			matched[p.Category] = true
		}
	}

	if encodedEnabled {
		matches = append(matches, d.detectPayloads(sc)...)
	}

	// Boost confidence when several independent patterns agree
	if n := len(matches); n > 1 {
		boost := min(multiMatchStep*float64(n-1), multiMatchMaxBoost)
		for i := range matches {
			matches[i].Confidence = clamp(matches[i].Confidence + boost)
		}
	}

	if d.fuzzy {
		matches = append(matches, d.detectObfuscated(sc, matched)...)
	}

	reported := matches[:0]
	for _, m := range matches {
		if m.Severity >= d.threshold {
			reported = append(reported, m)
		}
	}

	sort.SliceStable(reported, func(i, j int) bool {
		if reported[i].Severity != reported[j].Severity {
			return reported[i].Severity > reported[j].Severity
		}
		if reported[i].Start != reported[j].Start {
			return reported[i].Start < reported[j].Start
		}
		return reported[i].PatternID < reported[j].PatternID
	})

	return reported
}

// lowEntropyPayload reports whether the first encoded-looking token at or
// after start has entropy below the configured minimum. Without a token
// there is nothing to judge.
func (d *Detector) lowEntropyPayload(text string, tokens [][]int, start int) bool {
	for _, t := range tokens {
		if t[0] >= start {
			return Entropy(text[t[0]:t[1]]) < d.minPayloadEntropy
		}
	}
	return false
}

// detectPayloads decodes base64 and hex tokens and reports those carrying an
// instruction
func (d *Detector) detectPayloads(sc *scan) []Match {
	var out []Match
	for _, pl := range findPayloads(sc.text) {
		if Entropy(sc.text[pl.start:pl.end]) < d.minPayloadEntropy {
			continue
		}
		if !imperativeRegex.MatchString(pl.decoded) && !d.matchesCritical(pl.decoded) {
			continue
		}
		m := d.newMatch(sc, "encoded_payload", CategoryEncodedInstruction, SeverityHigh, pl.start, pl.end)
		m.Indicators = appendUnique(m.Indicators, extractIndicators(pl.decoded)...)
		out = append(out, m)
	}
	return out
}

func (d *Detector) matchesCritical(text string) bool {
	for _, p := range d.registry.patterns {
		if p.BaseSeverity == SeverityCritical && p.Regex.MatchString(text) {
			return true
		}
	}
	return false
}

// detectObfuscated reports fuzzy hits for enabled categories that no
// expression matched
func (d *Detector) detectObfuscated(sc *scan, matched map[Category]bool) []Match {
	var categories []Category
	for _, p := range d.patterns {
		if _, ok := canonicalPhrases[p.Category]; ok && !matched[p.Category] {
			categories = append(categories, p.Category)
		}
	}
	if len(categories) == 0 {
		return nil
	}

	var out []Match
	for _, hit := range fuzzyScan(sc.text, categories, d.fuzzyThreshold) {
		p, _ := d.registry.Lookup(hit.category)
		m := d.newMatch(sc, "fuzzy_"+string(hit.category), hit.category, p.BaseSeverity, hit.start, hit.end)
		m.Confidence = hit.similarity
		m.Obfuscated = true
		out = append(out, m)
	}
	return out
}

func (d *Detector) newMatch(sc *scan, id string, category Category, base Severity, start, end int) Match {
	sc.prepare()

	severity := base
	var mitigations []string
	if sc.tc != nil {
		severity, mitigations = sc.rules.reduce(sc.tc, base, start, end)
	}

	confidence := baseConfidence
	if len(mitigations) > 0 {
		confidence -= mitigationPenalty
	}
	if sc.entropy > highEntropy {
		confidence += 0.1
	}
	if base == SeverityCritical {
		confidence += 0.1
	}
	if end-start > longSpan {
		confidence += 0.05
	}

	return Match{
		PatternID:    id,
		Category:     category,
		Start:        start,
		End:          end,
		Severity:     severity,
		BaseSeverity: base,
		Confidence:   clamp(confidence),
		Mitigations:  mitigations,
		Indicators:   extractIndicators(sc.text[start:end]),
	}
}

// Analyze detects and summarizes the result
func (d *Detector) Analyze(text string) Result {
	matches := d.Detect(text)
	result := Result{Matches: matches}
	if result.Matches == nil {
		result.Matches = []Match{}
	}

	for _, m := range matches {
		if m.Severity > result.HighestSeverity {
			result.HighestSeverity = m.Severity
		}
	}
	result.Blocked = result.HighestSeverity == SeverityCritical
	result.RiskScore = result.HighestSeverity.Score()

	if result.Blocked {
		d.logger.Debug("Injection blocked",
			zap.Int("matches", len(matches)),
			zap.String("category", string(matches[0].Category)),
		)
	}
	return result
}

// DetectBySeverity returns matches at or above floor
func (d *Detector) DetectBySeverity(text string, floor Severity) []Match {
	var out []Match
	for _, m := range d.Detect(text) {
		if m.Severity >= floor {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the number of matches per category
func (d *Detector) Count(text string) map[Category]int {
	counts := make(map[Category]int)
	for _, m := range d.Detect(text) {
		counts[m.Category]++
	}
	return counts
}

func extractIndicators(span string) []string {
	lower := strings.ToLower(span)
	var indicators []string
	for _, kw := range indicatorKeywords {
		if strings.Contains(lower, kw) {
			indicators = append(indicators, kw)
		}
	}
	if strings.Contains(span, "$(") || strings.Contains(span, "`") {
		indicators = append(indicators, "shell_syntax")
	}
	if strings.Contains(span, "{{") || strings.Contains(span, "{%") {
		indicators = append(indicators, "template_syntax")
	}
	if strings.Contains(span, "</") || strings.Contains(span, "<!--") {
		indicators = append(indicators, "markup_syntax")
	}
	return indicators
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

// String renders a short summary for logs
func (m Match) String() string {
	return fmt.Sprintf("%s[%d:%d] %s", m.Category, m.Start, m.End, m.Severity)
}
