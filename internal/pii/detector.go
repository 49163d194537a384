package pii

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"go.uber.org/zap"
)

const contextWindow = 40

// Detector handles PII detection and redaction. It is immutable after
// construction and safe for concurrent use.
type Detector struct {
	registry   *Registry
	patterns   []*Pattern
	strategies map[string]Strategy
	validate   bool
	enabled    bool
	logger     *logger.Logger
}

// New creates a new PII detector instance
func New(cfg config.PIIConfig, log *logger.Logger) (*Detector, error) {
	registry, err := DefaultRegistry()
	if err != nil {
		return nil, err
	}
	return NewWithRegistry(registry, cfg, log)
}

// NewWithRegistry creates a detector over an explicit registry
func NewWithRegistry(registry *Registry, cfg config.PIIConfig, log *logger.Logger) (*Detector, error) {
	detector := &Detector{
		registry:   registry,
		strategies: make(map[string]Strategy),
		validate:   cfg.ValidateEntities,
		enabled:    cfg.Enabled,
		logger:     log,
	}

	set := PatternSet(cfg.PatternSet)
	if set == "" {
		set = PatternSetStandard
	}
	if set != PatternSetStrict && set != PatternSetStandard && set != PatternSetRelaxed {
		return nil, fmt.Errorf("unknown pii pattern set: %s", cfg.PatternSet)
	}

	// Configure enabled detectors
	if err := detector.configureDetectors(set, cfg.Detectors); err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	for key, value := range cfg.Strategies {
		strategy, err := ParseStrategy(value)
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", key, err)
		}
		detector.strategies[key] = strategy
	}

	log.Info("PII detector initialized",
		zap.String("pattern_set", string(set)),
		zap.Int("total_patterns", len(registry.patterns)),
		zap.Int("enabled_patterns", len(detector.patterns)),
		zap.Bool("validation", detector.validate),
	)

	return detector, nil
}

// configureDetectors selects the patterns of a set, optionally narrowed to
// the listed pattern IDs or types ("all" keeps the whole set)
func (d *Detector) configureDetectors(set PatternSet, detectors []string) error {
	wanted := make(map[string]bool)
	all := len(detectors) == 0
	for _, name := range detectors {
		if name == "all" {
			all = true
			continue
		}

		found := false
		for _, p := range d.registry.patterns {
			if p.ID == name || string(p.Type) == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown detector: %s", name)
		}
		wanted[name] = true
	}

	for _, p := range d.registry.patterns {
		if !p.inSet(set) {
			continue
		}
		if all || wanted[p.ID] || wanted[string(p.Type)] {
			d.patterns = append(d.patterns, p)
		}
	}

	return nil
}

// Detect returns every validated match in text ordered by start offset.
// It has no side effects and returns the same result for the same input.
func (d *Detector) Detect(text string) []Match {
	if !d.enabled || text == "" {
		return nil
	}

	type ranked struct {
		Match
		priority int
	}
	var found []ranked
	lower := strings.ToLower(text)

	for priority, p := range d.patterns {
		if !p.candidate(text, lower) {
			continue
		}
		for _, loc := range p.Regex.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if p.valueGroup > 0 && loc[2*p.valueGroup] >= 0 {
				start, end = loc[2*p.valueGroup], loc[2*p.valueGroup+1]
			}
			value := text[start:end]

			confidence := 0.9
			if p.Validate != nil {
				if d.validate {
					if !p.Validate(value) {
						continue
					}
					confidence = 1.0
				} else {
					confidence = 0.8
				}
			}

			hasContext := precededByKeyword(text, start, p.ContextKeywords)
			if p.RequireContext && !hasContext {
				continue
			}
			if hasContext {
				confidence = min(1.0, confidence+0.1)
			}

			found = append(found, ranked{
				Match: Match{
					PatternID:  p.ID,
					Type:       p.Type,
					Start:      start,
					End:        end,
					Confidence: confidence,
					Strategy:   d.strategyFor(p),
					Value:      value,
				},
				priority: priority,
			})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		if found[i].End != found[j].End {
			return found[i].End > found[j].End
		}
		return found[i].priority < found[j].priority
	})

	matches := make([]Match, len(found))
	for i := range found {
		matches[i] = found[i].Match
	}
	return matches
}

// DetectByType returns only matches of the given type
func (d *Detector) DetectByType(text string, typ Type) []Match {
	var out []Match
	for _, m := range d.Detect(text) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the number of matches per type
func (d *Detector) Count(text string) map[Type]int {
	counts := make(map[Type]int)
	for _, m := range d.Detect(text) {
		counts[m.Type]++
	}
	return counts
}

// ProcessText detects and redacts PII in one pass
func (d *Detector) ProcessText(text string) ProcessResult {
	matches := d.Detect(text)
	if len(matches) == 0 {
		return ProcessResult{SanitizedText: text, Matches: []Match{}, Original: text}
	}

	if ce := d.logger.Check(zap.DebugLevel, "PII detected"); ce != nil {
		counts := make(map[string]int)
		for _, m := range matches {
			counts[string(m.Type)]++
		}
		ce.Write(zap.Int("count", len(matches)), zap.Any("types", counts))
	}

	return ProcessResult{
		SanitizedText: Redact(text, matches),
		Matches:       matches,
		Original:      text,
	}
}

// EnabledPatterns returns the IDs of the active patterns
func (d *Detector) EnabledPatterns() []string {
	ids := make([]string, len(d.patterns))
	for i, p := range d.patterns {
		ids[i] = p.ID
	}
	return ids
}

func (d *Detector) strategyFor(p *Pattern) Strategy {
	if s, ok := d.strategies[p.ID]; ok {
		return s
	}
	if s, ok := d.strategies[string(p.Type)]; ok {
		return s
	}
	return p.Strategy
}

// precededByKeyword reports whether one of the keywords appears as a word in
// the window before offset start
func precededByKeyword(text string, start int, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}

	from := start - contextWindow
	if from < 0 {
		from = 0
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	window := strings.ToLower(text[from:start])

	for _, kw := range keywords {
		if containsWord(window, kw) {
			return true
		}
	}
	return false
}

func containsWord(haystack, word string) bool {
	for offset := 0; ; {
		idx := strings.Index(haystack[offset:], word)
		if idx < 0 {
			return false
		}
		idx += offset
		end := idx + len(word)
		if (idx == 0 || !isWordByte(haystack[idx-1])) && (end == len(haystack) || !isWordByte(haystack[end])) {
			return true
		}
		offset = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
