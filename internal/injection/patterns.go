package injection

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Pattern is one immutable registry entry
type Pattern struct {
	ID           string
	Category     Category
	BaseSeverity Severity
	Regex        *regexp.Regexp
	Description  string
	// Keywords are lowercase literals at least one of which occurs in every
	// match. A text containing none of them skips the expression.
	Keywords []string
}

// candidate reports whether lower, the folded input (see foldCase), can match
func (p *Pattern) candidate(lower string) bool {
	if len(p.Keywords) == 0 {
		return true
	}
	for _, k := range p.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

type patternSpec struct {
	category    Category
	severity    Severity
	expr        string
	description string
	keywords    []string
}

// patternSpecs holds one expression per category. Backticks are written as
// \x60 so the expressions stay raw strings.
var patternSpecs = []patternSpec{
	{
		category:    CategoryIgnorePrevious,
		severity:    SeverityCritical,
		description: "Asks the model to ignore or override earlier instructions",
		expr:        `(?i)\b(?:ignore|disregard|forget|override)\s+(?:(?:all|everything|the|my|your|any)\s+)?(?:(?:previous|above|prior|earlier|preceding|below)(?:\s+(?:and|or)\s+(?:above|below|previous|earlier))?(?:\s*(?:instructions?|prompts?|directions?|commands?|programming|guidelines?|rules))?|instructions?|prompts?|directions?|commands?|programming|guidelines?)\b`,
		keywords:    []string{"ignore", "disregard", "forget", "override"},
	},
	{
		category:    CategoryNewInstruction,
		severity:    SeverityCritical,
		description: "Injects a new role or task for the model",
		expr:        `(?i)\b(?:now|from\s+now\s+on|henceforth|starting\s+now),?\s+(?:you\s+are|act\s+as|behave\s+like|your\s+(?:new\s+)?role\s+is|your\s+(?:new\s+)?task\s+is)\b`,
		keywords:    []string{"now", "henceforth"},
	},
	{
		category:    CategorySystemRole,
		severity:    SeverityCritical,
		description: "Tries to change the model's persona into an unrestricted one",
		expr:        `(?i)\b(?:pretend\s+you\s+are|act\s+as(?:\s+if\s+you(?:'re|\s+are))?|simulate\s+being|imagine\s+you\s+are|you\s+are\s+now|you're\s+now)\s+(?:an?\s+)?(?:unrestricted|unfiltered|uncensored|(?:unrestricted\s+)?(?:assistant|ai|bot|system|chatbot|agent|human|person))\b`,
		keywords:    []string{"pretend", "act", "simulate", "imagine", "now"},
	},
	{
		category:    CategoryJailbreakKeyword,
		severity:    SeverityCritical,
		description: "Named jailbreak techniques such as DAN or developer mode",
		expr:        `\bDAN\b|(?i:\bdo\s+anything\s+now\b|\b(?:with|without|have|has)\s+(?:no|any)\s+restrictions?\b|\b(?:unrestricted|jailbreak|developer|god|admin|sudo)\s+mode\b|\bjailbreak(?:ing|ed)?\b)`,
		keywords:    []string{"dan", "anything", "restriction", "mode", "jailbreak"},
	},
	{
		category:    CategoryDirectExtraction,
		severity:    SeverityHigh,
		description: "Directly asks for the system prompt",
		expr:        `(?i)\b(?:show|reveal|display|print|output|repeat|tell\s+me|what\s+is|what's)\s+(?:me\s+)?(?:your|the)?\s*(?:initial\s+|system\s+|hidden\s+|original\s+)?(?:prompt|instructions?|directives?|configuration|guidelines?)\b`,
		keywords:    []string{"prompt", "instruction", "directive", "configuration", "guideline"},
	},
	{
		category:    CategoryIndirectExtraction,
		severity:    SeverityHigh,
		description: "Indirect questions about the model's rules and programming",
		expr:        `(?i)\b(?:tell\s+me|explain|describe|what\s+are)\s+(?:what\s+you\s+were\s+(?:told|programmed)|your\s+(?:programming|rules|guidelines|constraints|limitations|capabilities))\b`,
		keywords:    []string{"tell", "explain", "describe", "what"},
	},
	{
		category:    CategoryDelimiter,
		severity:    SeverityHigh,
		description: "Markup or fences that fake the end of a prompt section",
		expr:        `(?i)</?system>|</?prompt>|</?context>|<!--\s*end|--!>|:::\s*end\s*:::|\[END\]|\{/?prompt\}|<\|(?:im_start|im_end|endoftext|system)\|>|\x60{3}\s*(?:system|instructions?)\b`,
		keywords:    []string{"system>", "prompt>", "context>", "<!--", "--!>", ":::", "[end]", "prompt}", "<|", "\x60\x60\x60"},
	},
	{
		category:    CategoryContextBoundary,
		severity:    SeverityHigh,
		description: "Claims the current context ended and a new one begins",
		expr:        `(?i)\bend\s+of\s+(?:the\s+)?(?:system\s+)?(?:prompt|instructions?|context)\b|-{3,}\s*(?:new|begin|start)\s+(?:session|conversation|context|instructions?)\b|\b(?:begin|start)\s+(?:a\s+)?new\s+(?:session|conversation|context)\s*[:.]`,
		keywords:    []string{"end", "---", "new"},
	},
	{
		category:    CategoryCommand,
		severity:    SeverityHigh,
		description: "Shell command syntax",
		expr:        `\$\([^)]*\)|\x60[^\x60\n]+\x60|&&|\|\||<\(|>\(|;\s*(?:rm|curl|wget|nc|bash|sh|python)\b`,
		keywords:    []string{"$(", "\x60", "&&", "||", "<(", ">(", ";"},
	},
	{
		category:    CategoryTemplate,
		severity:    SeverityHigh,
		description: "Server-side template expressions",
		expr:        `\{\{[^}]*\}\}|\{%[^%]*%\}|\$\{[^}]+\}|<%[^%]*%>`,
		keywords:    []string{"{{", "{%", "${", "<%"},
	},
	{
		category:    CategoryDataExfiltration,
		severity:    SeverityHigh,
		description: "Attempts to move conversation data elsewhere",
		expr:        `(?i)\b(?:send|email|post|upload|transmit|export|forward)\s+(?:(?:all|the|this|my|your|our)\s+)*(?:data|conversation|history|logs|messages|chat|context)\b|\b(?:send|post|upload|forward)\b[^.\n]{0,60}?\bto\s+(?:https?://|mailto:)|!\[[^\]]*\]\(https?://[^)\s]*\?[^)\s]*=`,
		keywords:    []string{"send", "email", "post", "upload", "transmit", "export", "forward", "!["},
	},
	{
		category:    CategoryRoleReversal,
		severity:    SeverityHigh,
		description: "User text impersonating the system or assistant",
		expr:        `(?im)^\s*(?:system|assistant)\s*:|\[(?:system|assistant)\]|\b(?:i\s+am|i'm)\s+(?:now\s+)?(?:the\s+)?(?:system|assistant|your\s+(?:creator|developer|administrator|admin))\b`,
		keywords:    []string{"system", "assistant", "admin", "creator", "developer"},
	},
	{
		category:    CategoryFalseAuthority,
		severity:    SeverityHigh,
		description: "Appeals to developer or vendor authority",
		expr:        `(?i)\bas\s+(?:your|the)\s+(?:developer|administrator|admin|creator|owner|operator)\b|\b(?:openai|anthropic)\s+(?:staff|team|employee|engineer)s?\b|\b(?:official|authorized|emergency)\s+(?:override|directive|instruction)s?\b|\bthis\s+is\s+(?:an?\s+)?(?:authorized|official|emergency)\s+(?:request|override|instruction)\b`,
		keywords:    []string{"developer", "admin", "creator", "owner", "operator", "openai", "anthropic", "override", "directive", "instruction", "request"},
	},
	{
		category:    CategoryMultilingualBypass,
		severity:    SeverityHigh,
		description: "Instruction overrides written in another language",
		expr:        `(?i)\bignora\s+(?:todas\s+)?(?:las\s+)?instrucciones\b|\bignore[rz]?\s+(?:toutes\s+)?(?:les\s+)?instructions\s+pr[ée]c[ée]dentes\b|\bignoriere\s+(?:alle\s+)?(?:vorherigen\s+)?anweisungen\b|\bignora\s+(?:tutte\s+)?(?:le\s+)?istruzioni\b|忽略(?:之前|以前|所有|上面)?的?(?:指令|指示)|前の指示を無視|игнорируй(?:те)?\s+(?:все\s+)?(?:предыдущие\s+)?инструкции|\btranslate\s+(?:this|the\s+following)\s+and\s+(?:follow|obey|execute)\b`,
		keywords:    []string{"ignor", "忽略", "無視", "игнорируй", "translate"},
	},
	{
		category:    CategoryEncodedInstruction,
		severity:    SeverityHigh,
		description: "Asks the model to decode something and act on it",
		expr:        `(?i)\b(?:decode|decrypt|deobfuscate|translate|convert)(?:\s+\w+){0,6}\s+(?:and\s+)?(?:then\s+)?(?:execute|run|process|evaluate|follow)\b`,
		keywords:    []string{"decode", "decrypt", "deobfuscate", "translate", "convert"},
	},
	{
		category:    CategoryConfusion,
		severity:    SeverityMedium,
		description: "Contradictory claims meant to confuse the rule set",
		expr:        `(?i)\byou\s+(?:already|previously)\s+(?:agreed|said|confirmed)\s+(?:that\s+)?you\s+(?:would|could|can)\b|\bthe\s+rules\s+(?:have|were)\s+(?:been\s+)?(?:changed|updated|lifted)\b|\b(?:both|all)\s+(?:sets\s+of\s+)?instructions\s+are\s+(?:valid|correct)\b|\bthe\s+(?:opposite|reverse)\s+of\s+(?:your|the)\s+(?:rules|instructions)\b`,
		keywords:    []string{"already", "previously", "rules", "instructions", "opposite", "reverse"},
	},
	{
		category:    CategoryRolePlaying,
		severity:    SeverityMedium,
		description: "Hypothetical games used to step around restrictions",
		expr:        `(?i)\b(?:let's\s+play|imagine|hypothetically|in\s+a\s+hypothetical\s+scenario|for\s+(?:educational|research|academic)\s+purposes)\s+(?:a\s+)?(?:game|scenario|simulation|exercise)\b`,
		keywords:    []string{"game", "scenario", "simulation", "exercise"},
	},
	{
		category:    CategoryNestedPrompt,
		severity:    SeverityMedium,
		description: "A quoted prompt embedded for execution",
		expr:        `(?i)\b(?:respond\s+to|execute|process|evaluate):\s*['"\x60].*(?:ignore|override|bypass)`,
		keywords:    []string{"ignore", "override", "bypass"},
	},
	{
		category:    CategoryChainOfThought,
		severity:    SeverityMedium,
		description: "Step-by-step reasoning steered toward bypassing rules",
		expr:        `(?i)\bthink\s+step\s+by\s+step\s+(?:about\s+)?how\s+to\s+(?:bypass|ignore|override|break|disable)\b|\b(?:step\s+\d+|first)\s*[:,]\s*(?:ignore|disable|forget|bypass)\s+(?:your|all|the)\b|\breason\s+(?:through|about)\s+why\s+(?:your|the)\s+(?:rules|restrictions|guidelines)\s+(?:don't|do\s+not)\s+apply\b`,
		keywords:    []string{"step", "first", "apply"},
	},
	{
		category:    CategoryOutputFormat,
		severity:    SeverityMedium,
		description: "Forces an unfiltered or pre-committed output format",
		expr:        `(?i)\b(?:respond|reply|answer|output)\s+only\s+(?:with|in)\s+(?:raw|unfiltered|uncensored)\b|\b(?:without|no)\s+(?:any\s+)?(?:warnings?|disclaimers?|filters?|censorship)\b|\bbegin\s+(?:your\s+)?(?:response|reply|answer)\s+with\s+["'“]?(?:sure|absolutely|of\s+course)\b`,
		keywords:    []string{"raw", "filter", "censor", "warning", "disclaimer", "sure", "absolutely", "course"},
	},
	{
		category:    CategoryMemoryAccess,
		severity:    SeverityMedium,
		description: "Requests to dump internal memory or state",
		expr:        `(?i)\b(?:show|list|display|dump|access)\s+(?:me\s+)?(?:all\s+)?(?:your\s+)?(?:memory|cache|history|state|context|buffer|previous\s+conversations?)\b`,
		keywords:    []string{"memory", "cache", "history", "state", "context", "buffer", "conversation"},
	},
}

// Registry is the immutable, process-wide set of compiled injection patterns
type Registry struct {
	patterns   []*Pattern
	byCategory map[Category]*Pattern
}

// NewRegistry compiles every pattern. A pattern that fails to compile is a
// startup error.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		patterns:   make([]*Pattern, 0, len(patternSpecs)),
		byCategory: make(map[Category]*Pattern, len(patternSpecs)),
	}

	for _, ps := range patternSpecs {
		re, err := regexp.Compile(ps.expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile injection pattern %s: %w", ps.category, err)
		}
		if _, dup := r.byCategory[ps.category]; dup {
			return nil, fmt.Errorf("duplicate injection pattern: %s", ps.category)
		}

		p := &Pattern{
			ID:           string(ps.category),
			Category:     ps.category,
			BaseSeverity: ps.severity,
			Regex:        re,
			Description:  ps.description,
			Keywords:     ps.keywords,
		}
		r.patterns = append(r.patterns, p)
		r.byCategory[p.Category] = p
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

// Patterns returns the registry entries in declaration order
func (r *Registry) Patterns() []*Pattern {
	out := make([]*Pattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Lookup returns the pattern for a category
func (r *Registry) Lookup(category Category) (*Pattern, bool) {
	p, ok := r.byCategory[category]
	return p, ok
}

// forMode returns the patterns whose base severity the mode runs
func (r *Registry) forMode(mode Mode) ([]*Pattern, error) {
	floor, err := mode.minSeverity()
	if err != nil {
		return nil, err
	}

	var out []*Pattern
	for _, p := range r.patterns {
		if p.BaseSeverity >= floor {
			out = append(out, p)
		}
	}
	return out, nil
}

// foldCase lowercases text for the keyword prefilter. The long s matches "s"
// under (?i) but ToLower leaves it alone.
func foldCase(text string) string {
	return strings.Map(func(r rune) rune {
		if r == 'ſ' {
			return 's'
		}
		return unicode.ToLower(r)
	}, text)
}
