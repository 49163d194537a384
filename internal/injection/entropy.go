package injection

import (
	"encoding/base64"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Encoded tokens shorter than 16 characters are not worth decoding
var (
	base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{16,}={0,2}`)
	hexCandidate    = regexp.MustCompile(`\b(?:[0-9a-fA-F]{2}){8,}\b`)

	imperativeRegex = regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget|override|bypass|execute|run|reveal|print|show|delete|send|pretend|act\s+as|you\s+are\s+now)\b`)
)

// Entropy returns the Shannon entropy of text in bits per character
func Entropy(text string) float64 {
	if text == "" {
		return 0
	}

	freq := make(map[rune]int)
	total := 0
	for _, r := range text {
		freq[r]++
		total++
	}

	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// payload is an encoded-looking token and its decoded text
type payload struct {
	start, end int
	decoded    string
}

// findPayloads returns base64 and hex tokens that decode to printable text
func findPayloads(text string) []payload {
	var out []payload
	seen := make(map[[2]int]bool)

	for _, loc := range hexCandidate.FindAllStringIndex(text, -1) {
		raw, err := hex.DecodeString(text[loc[0]:loc[1]])
		if err != nil || !printable(raw) {
			continue
		}
		seen[[2]int{loc[0], loc[1]}] = true
		out = append(out, payload{start: loc[0], end: loc[1], decoded: string(raw)})
	}

	for _, loc := range base64Candidate.FindAllStringIndex(text, -1) {
		if seen[[2]int{loc[0], loc[1]}] {
			continue
		}
		token := text[loc[0]:loc[1]]
		raw, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(token, "="))
		}
		if err != nil || !printable(raw) {
			continue
		}
		out = append(out, payload{start: loc[0], end: loc[1], decoded: string(raw)})
	}
	return out
}

// encodedTokens returns the spans of every encoded-looking token, decodable
// or not, ordered by start offset
func encodedTokens(text string) [][]int {
	spans := hexCandidate.FindAllStringIndex(text, -1)
	spans = append(spans, base64Candidate.FindAllStringIndex(text, -1)...)
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	return spans
}

// printable reports whether decoded bytes look like human text
func printable(raw []byte) bool {
	if len(raw) == 0 || !utf8.Valid(raw) {
		return false
	}
	letters, total := 0, 0
	for _, r := range string(raw) {
		total++
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
		if unicode.IsLetter(r) || r == ' ' {
			letters++
		}
	}
	return float64(letters)/float64(total) >= 0.7
}
