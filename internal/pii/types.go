package pii

import (
	"fmt"
	"regexp"
	"strings"
)

// Type identifies a category of personally identifiable information
type Type string

const (
	TypeEmail          Type = "email"
	TypePhone          Type = "phone"
	TypeSSN            Type = "ssn"
	TypeCreditCard     Type = "credit_card"
	TypeIPv4           Type = "ipv4"
	TypeIPv6           Type = "ipv6"
	TypeMACAddress     Type = "mac_address"
	TypeAPIKey         Type = "api_key"
	TypePassport       Type = "passport"
	TypeDriversLicense Type = "drivers_license"
	TypeBankAccount    Type = "bank_account"
	TypeRoutingNumber  Type = "routing_number"
	TypeIBAN           Type = "iban"
	TypeBitcoin        Type = "bitcoin"
	TypeEthereum       Type = "ethereum"
	TypeURL            Type = "url"
	TypeCoordinates    Type = "coordinates"
	TypeVIN            Type = "vin"
	TypeITIN           Type = "itin"
	TypeDateOfBirth    Type = "date_of_birth"
	TypeMedicalRecord  Type = "medical_record"
)

// Strategy is how a match is rewritten in sanitized text
type Strategy string

const (
	StrategyMask     Strategy = "mask"
	StrategyHash     Strategy = "hash"
	StrategyPartial  Strategy = "partial"
	StrategyTokenize Strategy = "tokenize"
	StrategyRemove   Strategy = "remove"
)

// ParseStrategy converts a configuration value into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyMask:
		return StrategyMask, nil
	case StrategyHash:
		return StrategyHash, nil
	case StrategyPartial, "partial_mask", "partialmask":
		return StrategyPartial, nil
	case StrategyTokenize, "token":
		return StrategyTokenize, nil
	case StrategyRemove:
		return StrategyRemove, nil
	default:
		return "", fmt.Errorf("unknown redaction strategy: %q", s)
	}
}

// PatternSet selects which registry entries a detector runs
type PatternSet string

const (
	PatternSetStrict   PatternSet = "strict"
	PatternSetStandard PatternSet = "standard"
	PatternSetRelaxed  PatternSet = "relaxed"
)

// Validator is a secondary structural or checksum check on a regex candidate
type Validator func(value string) bool

// Pattern is one immutable registry entry
type Pattern struct {
	ID       string
	Type     Type
	Regex    *regexp.Regexp
	Validate Validator
	Strategy Strategy
	// Sets lists the pattern sets the entry belongs to.
	Sets []PatternSet
	// ContextKeywords boost confidence when one appears shortly before a
	// match. With RequireContext set, a keyword is mandatory.
	ContextKeywords []string
	RequireContext  bool

	// valueGroup is the index of a `value` capture group narrowing the
	// reported span, or -1.
	valueGroup int
	needs      string
	literals   []string
}

// candidate reports whether the pattern can match text at all. lower is
// text folded with strings.ToLower.
func (p *Pattern) candidate(text, lower string) bool {
	if p.needs != "" && !strings.ContainsAny(text, p.needs) {
		return false
	}
	if len(p.literals) == 0 {
		return true
	}
	for _, lit := range p.literals {
		if strings.Contains(lower, lit) {
			return true
		}
	}
	return false
}

func (p *Pattern) inSet(set PatternSet) bool {
	for _, s := range p.Sets {
		if s == set {
			return true
		}
	}
	return false
}

// Match is one validated PII hit. Offsets are byte offsets into the original
// input. The matched value itself is never serialized.
type Match struct {
	PatternID  string   `json:"pattern_id"`
	Type       Type     `json:"type"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"redaction_strategy"`
	Value      string   `json:"-"`
}

// ProcessResult contains the result of processing text through the detector
type ProcessResult struct {
	SanitizedText string  `json:"sanitized_text"`
	Matches       []Match `json:"matches"`
	Original      string  `json:"-"` // Never serialize original text
}

// HasPII reports whether any match was found
func (r ProcessResult) HasPII() bool {
	return len(r.Matches) > 0
}
