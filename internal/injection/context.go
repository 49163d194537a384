package injection

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// region is the content between a matching pair of quotes
type region struct {
	start, end int
}

// textContext holds the per-text facts the reduction rules consult. It is
// computed once per Detect call.
type textContext struct {
	text            string
	quoted          []region
	academicFraming bool
	testingFraming  bool
	negations       [][]int
}

// rule is one severity reduction. Rules are independent; every rule that
// applies lowers the accumulator by one level.
type rule struct {
	name    string
	applies func(tc *textContext, start, end int) bool
}

// contextRules is the immutable compiled form of the context configuration
type contextRules struct {
	academic       *regexp.Regexp
	testing        *regexp.Regexp
	negationWindow int
	rules          []rule
}

var negationRegex = regexp.MustCompile(`(?i)\b(?:don['’]?t|do\s+not|never|avoid|should\s+not|shouldn['’]t|must\s+not|mustn['’]t|won['’]t|will\s+not|cannot|can['’]t|refuse\s+to)\b`)

func newContextRules(academic, testing []string, negationWindow int) (*contextRules, error) {
	academicRe, err := markerRegex(academic)
	if err != nil {
		return nil, fmt.Errorf("invalid framing markers: %w", err)
	}
	testingRe, err := markerRegex(testing)
	if err != nil {
		return nil, fmt.Errorf("invalid testing markers: %w", err)
	}

	cr := &contextRules{
		academic:       academicRe,
		testing:        testingRe,
		negationWindow: negationWindow,
	}
	cr.rules = []rule{
		{name: MitigationQuoted, applies: func(tc *textContext, start, end int) bool {
			return tc.isQuoted(start, end)
		}},
		{name: MitigationAcademicFraming, applies: func(tc *textContext, _, _ int) bool {
			return tc.academicFraming
		}},
		{name: MitigationTestingFraming, applies: func(tc *textContext, _, _ int) bool {
			return tc.testingFraming
		}},
		{name: MitigationNegation, applies: func(tc *textContext, start, _ int) bool {
			return tc.negatedBefore(start, cr.negationWindow)
		}},
	}
	return cr, nil
}

// markerRegex builds one case-insensitive word-bounded alternation. An empty
// list yields nil, which never matches.
func markerRegex(markers []string) (*regexp.Regexp, error) {
	var parts []string
	seen := make(map[string]bool)
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		words := strings.Fields(m)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		parts = append(parts, strings.Join(words, `\s+`))
	}
	if len(parts) == 0 {
		return nil, nil
	}

	// Longest first so overlapping markers prefer the more specific phrase
	sort.SliceStable(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	return regexp.Compile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}

func (cr *contextRules) analyze(text string) *textContext {
	tc := &textContext{
		text:   text,
		quoted: quotedRegions(text),
	}
	if cr.academic != nil {
		tc.academicFraming = cr.academic.MatchString(text)
	}
	if cr.testing != nil {
		tc.testingFraming = cr.testing.MatchString(text)
	}
	tc.negations = negationRegex.FindAllStringIndex(text, -1)
	return tc
}

// reduce applies every rule in order and returns the final severity and the
// names of the rules that applied
func (cr *contextRules) reduce(tc *textContext, base Severity, start, end int) (Severity, []string) {
	severity := base
	var applied []string
	for _, r := range cr.rules {
		if r.applies(tc, start, end) {
			severity = severity.Reduce()
			applied = append(applied, r.name)
		}
	}
	return severity, applied
}

func (tc *textContext) isQuoted(start, end int) bool {
	for _, r := range tc.quoted {
		if r.start <= start && end <= r.end {
			return true
		}
	}
	return false
}

// negatedBefore reports whether a negation phrase ends within window bytes
// before start, in the same sentence
func (tc *textContext) negatedBefore(start, window int) bool {
	from := start - window
	for _, loc := range tc.negations {
		if loc[1] <= start && loc[1] >= from && !strings.ContainsAny(tc.text[loc[1]:start], ".!?;\n") {
			return true
		}
	}
	return false
}

var quotePairs = []struct {
	open, close rune
}{
	{'"', '"'},
	{'\'', '\''},
	{'“', '”'},
	{'‘', '’'},
	{'«', '»'},
}

// quotedRegions pairs quote characters left to right and returns the byte
// ranges enclosed by each pair. Apostrophes inside words are not quotes.
func quotedRegions(text string) []region {
	var regions []region
	for _, pair := range quotePairs {
		if !strings.ContainsRune(text, pair.open) {
			continue
		}

		openAt := -1
		for i, r := range text {
			if r != pair.open && r != pair.close {
				continue
			}
			width := utf8.RuneLen(r)
			before, after := runeBefore(text, i), runeAfter(text, i+width)
			wordy := pair.open == '\'' || pair.close == '’'

			if openAt < 0 {
				if r != pair.open {
					continue
				}
				if wordy && isLetter(before) {
					continue
				}
				openAt = i + width
				continue
			}

			if r != pair.close {
				continue
			}
			if wordy && isLetter(after) {
				continue
			}
			regions = append(regions, region{start: openAt, end: i})
			openAt = -1
		}
	}
	return regions
}

func runeBefore(text string, i int) rune {
	if i <= 0 {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return r
}

func runeAfter(text string, i int) rune {
	if i >= len(text) {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return r
}

func isLetter(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
