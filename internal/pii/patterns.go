package pii

import (
	"fmt"
	"regexp"
	"sync"
)

var (
	strictSets   = []PatternSet{PatternSetStrict, PatternSetStandard, PatternSetRelaxed}
	standardSets = []PatternSet{PatternSetStandard, PatternSetRelaxed}
	relaxedSets  = []PatternSet{PatternSetRelaxed}
)

type patternSpec struct {
	id       string
	typ      Type
	expr     string
	validate Validator
	strategy Strategy
	sets     []PatternSet
	keywords []string
	require  bool
	// needs holds characters of which at least one must occur in the text
	// for the regex to match; literals are lowercase substrings with the
	// same role. Either gate skips the regex when it cannot match.
	needs    string
	literals []string
}

// patternSpecs is the source of the registry. Order matters: on identical
// spans the earlier entry wins during redaction.
var patternSpecs = []patternSpec{
	{
		id:       "ssn",
		typ:      TypeSSN,
		expr:     `\b\d{3}-?\d{2}-?\d{4}\b`,
		needs:    "0123456789",
		validate: validSSN,
		strategy: StrategyMask,
		sets:     strictSets,
		keywords: []string{"ssn", "social security"},
	},
	{
		id:       "credit_card",
		typ:      TypeCreditCard,
		expr:     `\b(?:4\d{3}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}|5[1-5]\d{2}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}|2[2-7]\d{2}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}|3[47]\d{2}[\s-]?\d{6}[\s-]?\d{5}|6(?:011|5\d{2})[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4})\b`,
		needs:    "0123456789",
		validate: validLuhn,
		strategy: StrategyPartial,
		sets:     strictSets,
		keywords: []string{"card", "visa", "mastercard", "amex", "credit"},
	},
	{
		id:       "api_key",
		typ:      TypeAPIKey,
		expr:     `\b(?:AKIA[0-9A-Z]{16}|ASIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,255}|sk_(?:live|test)_[A-Za-z0-9]{24,99}|sk-[A-Za-z0-9]{20,}|xox[abprs]-[A-Za-z0-9-]{10,}|AIza[0-9A-Za-z_-]{35})\b`,
		literals: []string{"akia", "asia", "gh", "sk_", "sk-", "xox", "aiza"},
		strategy: StrategyHash,
		sets:     strictSets,
	},
	{
		id:       "api_key_assignment",
		typ:      TypeAPIKey,
		expr:     `(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token|auth[_-]?token)\s*[:=]\s*["']?(?P<value>[A-Za-z0-9_\-]{16,})`,
		literals: []string{"key", "token"},
		strategy: StrategyHash,
		sets:     standardSets,
	},
	{
		id:       "passport",
		typ:      TypePassport,
		expr:     `\b[A-Z]{1,2}[0-9]{6,9}\b`,
		needs:    "0123456789",
		strategy: StrategyMask,
		sets:     strictSets,
		keywords: []string{"passport"},
	},
	{
		id:       "medical_record",
		typ:      TypeMedicalRecord,
		expr:     `(?i)\bMRN[:#-]?\s*(?P<value>[0-9]{6,10})\b`,
		literals: []string{"mrn"},
		strategy: StrategyMask,
		sets:     strictSets,
	},
	{
		id:       "iban",
		typ:      TypeIBAN,
		expr:     `\b[A-Z]{2}[0-9]{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`,
		needs:    "0123456789",
		validate: validIBAN,
		strategy: StrategyPartial,
		sets:     strictSets,
		keywords: []string{"iban", "bank"},
	},
	{
		id:       "email",
		typ:      TypeEmail,
		expr:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		needs:    "@",
		validate: validEmail,
		strategy: StrategyPartial,
		sets:     standardSets,
	},
	{
		id:       "phone",
		typ:      TypePhone,
		expr:     `(?:\+?\b1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`,
		needs:    "0123456789",
		validate: validPhone,
		strategy: StrategyMask,
		sets:     standardSets,
		keywords: []string{"phone", "call", "tel", "mobile", "cell"},
	},
	{
		id:       "ipv4",
		typ:      TypeIPv4,
		expr:     `\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`,
		needs:    ".",
		validate: validIPv4,
		strategy: StrategyMask,
		sets:     standardSets,
	},
	{
		id:       "ipv6",
		typ:      TypeIPv6,
		expr:     `\b(?:[0-9A-Fa-f]{0,4}:){2,7}[0-9A-Fa-f]{0,4}\b`,
		needs:    ":",
		validate: validIPv6,
		strategy: StrategyMask,
		sets:     standardSets,
	},
	{
		id:       "bitcoin",
		typ:      TypeBitcoin,
		expr:     `\b(?:bc1[02-9ac-hj-np-z]{25,59}|[13][1-9A-HJ-NP-Za-km-z]{25,34})\b`,
		needs:    "13",
		validate: validBitcoin,
		strategy: StrategyHash,
		sets:     standardSets,
	},
	{
		id:       "ethereum",
		typ:      TypeEthereum,
		expr:     `\b0x[a-fA-F0-9]{40}\b`,
		literals: []string{"0x"},
		strategy: StrategyHash,
		sets:     standardSets,
	},
	{
		id:       "drivers_license",
		typ:      TypeDriversLicense,
		expr:     `\b[A-Z][0-9]{7}\b`,
		needs:    "0123456789",
		strategy: StrategyMask,
		sets:     standardSets,
		keywords: []string{"license", "licence", "driver", "dl"},
	},
	{
		id:       "itin",
		typ:      TypeITIN,
		expr:     `\b9\d{2}-?(?:5\d|6[0-5]|7\d|8[0-8]|9[0-24-9])-?\d{4}\b`,
		needs:    "9",
		strategy: StrategyMask,
		sets:     standardSets,
		keywords: []string{"itin", "taxpayer"},
	},
	{
		id:       "date_of_birth",
		typ:      TypeDateOfBirth,
		expr:     `\b(?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12][0-9]|3[01])[-/](?:19|20)\d{2}\b`,
		needs:    "0123456789",
		strategy: StrategyMask,
		sets:     standardSets,
		keywords: []string{"dob", "born", "birth", "birthday"},
	},
	{
		id:       "vin",
		typ:      TypeVIN,
		expr:     `\b[A-HJ-NPR-Z0-9]{17}\b`,
		needs:    "0123456789",
		validate: validVIN,
		strategy: StrategyMask,
		sets:     standardSets,
		keywords: []string{"vin", "vehicle", "chassis"},
	},
	{
		id:       "bank_account",
		typ:      TypeBankAccount,
		expr:     `\b[0-9]{8,17}\b`,
		needs:    "0123456789",
		strategy: StrategyPartial,
		sets:     standardSets,
		keywords: []string{"account", "acct", "a/c", "bank"},
		require:  true,
	},
	{
		id:       "routing_number",
		typ:      TypeRoutingNumber,
		expr:     `\b[0-9]{9}\b`,
		needs:    "0123456789",
		validate: validRoutingNumber,
		strategy: StrategyMask,
		sets:     standardSets,
		keywords: []string{"routing", "aba", "rtn", "transit"},
		require:  true,
	},
	{
		id:       "mac_address",
		typ:      TypeMACAddress,
		expr:     `\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`,
		needs:    ":-",
		validate: validMAC,
		strategy: StrategyMask,
		sets:     relaxedSets,
	},
	{
		id:       "url",
		typ:      TypeURL,
		expr:     `\bhttps?://[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)+(?::\d{1,5})?(?:/[^\s<>"']*[^\s<>"'.,;:!?)\]])?`,
		literals: []string{"://"},
		validate: validURL,
		strategy: StrategyMask,
		sets:     relaxedSets,
	},
	{
		id:       "coordinates",
		typ:      TypeCoordinates,
		expr:     `[-+]?\b\d{1,2}\.\d{3,}\s*,\s*[-+]?\d{1,3}\.\d{3,}\b`,
		needs:    ".",
		validate: validCoordinates,
		strategy: StrategyMask,
		sets:     relaxedSets,
		keywords: []string{"lat", "location", "coordinates", "gps"},
	},
}

// Registry is the immutable, process-wide set of compiled PII patterns
type Registry struct {
	patterns []*Pattern
	byID     map[string]*Pattern
}

// NewRegistry compiles every pattern. A pattern that fails to compile is a
// startup error; nothing is skipped.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		patterns: make([]*Pattern, 0, len(patternSpecs)),
		byID:     make(map[string]*Pattern, len(patternSpecs)),
	}

	for _, ps := range patternSpecs {
		re, err := regexp.Compile(ps.expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pii pattern %s: %w", ps.id, err)
		}
		if _, dup := r.byID[ps.id]; dup {
			return nil, fmt.Errorf("duplicate pii pattern id: %s", ps.id)
		}

		p := &Pattern{
			ID:              ps.id,
			Type:            ps.typ,
			Regex:           re,
			Validate:        ps.validate,
			Strategy:        ps.strategy,
			Sets:            ps.sets,
			ContextKeywords: ps.keywords,
			RequireContext:  ps.require,
			valueGroup:      re.SubexpIndex("value"),
			needs:           ps.needs,
			literals:        ps.literals,
		}
		r.patterns = append(r.patterns, p)
		r.byID[p.ID] = p
	}

	return r, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryErr  error
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the shared registry, compiling it on first use
func DefaultRegistry() (*Registry, error) {
	defaultRegistryOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = NewRegistry()
	})
	return defaultRegistry, defaultRegistryErr
}

// Patterns returns the registry entries in priority order
func (r *Registry) Patterns() []*Pattern {
	out := make([]*Pattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Lookup finds a pattern by ID
func (r *Registry) Lookup(id string) (*Pattern, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Types returns the distinct PII types in the registry
func (r *Registry) Types() []Type {
	seen := make(map[Type]bool)
	var types []Type
	for _, p := range r.patterns {
		if !seen[p.Type] {
			seen[p.Type] = true
			types = append(types, p.Type)
		}
	}
	return types
}
