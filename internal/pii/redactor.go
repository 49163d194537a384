package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// span is a run of overlapping matches that is replaced as one unit
type span struct {
	start, end int
	rep        Match
}

// Redact rewrites every match in text using its strategy. Offsets refer to
// the original string; overlapping matches are merged and replaced once, and
// replacements run from the highest offset down so earlier offsets stay valid.
func Redact(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}

	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].End > ordered[j].End
	})

	var spans []span
	for _, m := range ordered {
		if m.Start < 0 || m.End > len(text) || m.Start >= m.End {
			continue
		}
		if n := len(spans); n > 0 && m.Start < spans[n-1].end {
			last := &spans[n-1]
			if m.End > last.end {
				last.end = m.End
			}
			if m.End-m.Start > last.rep.End-last.rep.Start {
				last.rep = m
			}
			continue
		}
		spans = append(spans, span{start: m.Start, end: m.End, rep: m})
	}

	ordinals := make(map[Type]int)
	replacements := make([]string, len(spans))
	for i, s := range spans {
		ordinals[s.rep.Type]++
		replacements[i] = replacement(s.rep.Strategy, s.rep.Type, text[s.start:s.end], ordinals[s.rep.Type])
	}

	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		out = out[:spans[i].start] + replacements[i] + out[spans[i].end:]
	}
	return out
}

// replacement renders one value under a strategy. ordinal numbers tokens of
// the same type from left to right.
func replacement(strategy Strategy, typ Type, value string, ordinal int) string {
	switch strategy {
	case StrategyHash:
		sum := sha256.Sum256([]byte(value))
		return "[HASH:" + hex.EncodeToString(sum[:])[:16] + "]"
	case StrategyPartial:
		if typ == TypeEmail {
			return partialEmail(value)
		}
		return partialKeepLast(value, 4)
	case StrategyTokenize:
		return fmt.Sprintf("<%s-TOKEN-%d>", strings.ToUpper(string(typ)), ordinal)
	case StrategyRemove:
		return ""
	default:
		return strings.Repeat("*", utf8.RuneCountInString(value))
	}
}

// partialEmail keeps the first character of the local part and the domain
func partialEmail(value string) string {
	at := strings.LastIndexByte(value, '@')
	if at <= 0 {
		return strings.Repeat("*", utf8.RuneCountInString(value))
	}
	local := value[:at]
	first, size := utf8.DecodeRuneInString(local)
	return string(first) + strings.Repeat("*", utf8.RuneCountInString(local[size:])) + value[at:]
}

// partialKeepLast replaces all but the last n letters and digits with X.
// Separators such as spaces and dashes are kept so grouping survives. Values
// with n or fewer letters and digits are replaced entirely.
func partialKeepLast(value string, n int) string {
	runes := []rune(value)
	keep := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			keep++
		}
	}
	if keep <= n {
		keep = 0
	} else {
		keep = n
	}

	for i := len(runes) - 1; i >= 0; i-- {
		r := runes[i]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		if keep > 0 {
			keep--
			continue
		}
		runes[i] = 'X'
	}
	return string(runes)
}
