package injection

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the graded risk of an injection match. The zero value means no
// detection.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Score maps a severity onto a 0-10 risk scale
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 5
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 9
	default:
		return 0
	}
}

// Reduce lowers the severity by one level, never below Low
func (s Severity) Reduce() Severity {
	if s <= SeverityLow {
		return s
	}
	return s - 1
}

// ParseSeverity converts a configuration value into a Severity
func ParseSeverity(value string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for sev, name := range severityNames {
		if name == v {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity: %q", value)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category identifies a family of injection attacks
type Category string

const (
	CategoryIgnorePrevious     Category = "ignore_previous_instructions"
	CategoryNewInstruction     Category = "new_instruction_injection"
	CategorySystemRole         Category = "system_role_manipulation"
	CategoryJailbreakKeyword   Category = "jailbreak_keyword"
	CategoryDirectExtraction   Category = "direct_prompt_extraction"
	CategoryIndirectExtraction Category = "indirect_prompt_extraction"
	CategoryDelimiter          Category = "delimiter_injection"
	CategoryContextBoundary    Category = "context_boundary"
	CategoryCommand            Category = "command_injection"
	CategoryTemplate           Category = "template_injection"
	CategoryDataExfiltration   Category = "data_exfiltration"
	CategoryRoleReversal       Category = "role_reversal"
	CategoryFalseAuthority     Category = "false_authority"
	CategoryMultilingualBypass Category = "multilingual_bypass"
	CategoryEncodedInstruction Category = "encoded_instruction"
	CategoryConfusion          Category = "confusion_attack"
	CategoryRolePlaying        Category = "role_playing"
	CategoryNestedPrompt       Category = "nested_prompt"
	CategoryChainOfThought     Category = "chain_of_thought_manipulation"
	CategoryOutputFormat       Category = "output_format_manipulation"
	CategoryMemoryAccess       Category = "memory_state_access"
)

// Mode selects which categories a detector runs
type Mode string

const (
	// ModeStrict runs only the Critical categories
	ModeStrict Mode = "strict"
	// ModeStandard adds the High categories
	ModeStandard Mode = "standard"
	// ModeRelaxed runs every category
	ModeRelaxed Mode = "relaxed"
)

// minSeverity is the lowest base severity a mode runs
func (m Mode) minSeverity() (Severity, error) {
	switch m {
	case ModeStrict:
		return SeverityCritical, nil
	case ModeStandard, "":
		return SeverityHigh, nil
	case ModeRelaxed:
		return SeverityLow, nil
	default:
		return SeverityNone, fmt.Errorf("unknown injection mode: %s", m)
	}
}

// Mitigation names recorded on a match when a context rule lowered it
const (
	MitigationQuoted          = "quoted"
	MitigationAcademicFraming = "academic_framing"
	MitigationTestingFraming  = "testing_framing"
	MitigationNegation        = "negation"
)

// Match is one injection hit. Offsets are byte offsets into the input; the
// matched text is never carried.
type Match struct {
	PatternID    string   `json:"pattern_id"`
	Category     Category `json:"category"`
	Start        int      `json:"start"`
	End          int      `json:"end"`
	Severity     Severity `json:"severity"`
	BaseSeverity Severity `json:"base_severity"`
	Confidence   float64  `json:"confidence"`
	Mitigations  []string `json:"mitigations,omitempty"`
	Indicators   []string `json:"indicators,omitempty"`
	Obfuscated   bool     `json:"obfuscated,omitempty"`
}

// Result is the outcome of analyzing one text
type Result struct {
	Matches         []Match  `json:"matches"`
	Blocked         bool     `json:"blocked"`
	HighestSeverity Severity `json:"highest_severity"`
	RiskScore       int      `json:"risk_score"`
}
