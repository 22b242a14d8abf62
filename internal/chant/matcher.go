package chant

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// MatchKind records which step of the policy accepted a transcript.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchSubstring MatchKind = "substring"
	MatchFuzzy     MatchKind = "fuzzy"
)

// Match describes an accepted transcript.
type Match struct {
	Kind       MatchKind
	Variant    string
	Similarity float64
}

// Matcher classifies transcript fragments against a fixed phrase set.
// Variants are normalized once at construction; a Matcher is safe for
// concurrent use.
type Matcher struct {
	variants  []variant
	threshold float64
}

type variant struct {
	raw   string
	norm  string
	words int
}

// NewMatcher builds a matcher. A threshold of 0 is accepted; callers are
// expected to pick a positive value.
func NewMatcher(variants []string, threshold float64) (*Matcher, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold %v outside [0,1]", threshold)
	}
	m := &Matcher{threshold: threshold}
	for _, raw := range variants {
		n := Normalize(raw)
		if n == "" {
			continue
		}
		m.variants = append(m.variants, variant{raw: raw, norm: n, words: wordCount(n)})
	}
	if len(m.variants) == 0 {
		return nil, errors.New("at least one non-empty phrase variant is required")
	}
	return m, nil
}

// Threshold reports the configured minimum similarity.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Variants returns the accepted phrases as configured.
func (m *Matcher) Variants() []string {
	out := make([]string, len(m.variants))
	for i, v := range m.variants {
		out[i] = v.raw
	}
	return out
}

// Match runs exact, substring and fuzzy checks in that order across all variants.
func (m *Matcher) Match(text string) (Match, bool) {
	return m.matchNormalized(Normalize(text))
}

func (m *Matcher) matchNormalized(text string) (Match, bool) {
	if text == "" {
		return Match{}, false
	}
	for _, v := range m.variants {
		if text == v.norm {
			return Match{Kind: MatchExact, Variant: v.raw, Similarity: 1}, true
		}
	}
	for _, v := range m.variants {
		if strings.Contains(text, v.norm) {
			return Match{Kind: MatchSubstring, Variant: v.raw, Similarity: Similarity(text, v.norm)}, true
		}
	}
	words := wordCount(text)
	for _, v := range m.variants {
		if words != v.words {
			continue
		}
		if sim := Similarity(text, v.norm); sim >= m.threshold {
			return Match{Kind: MatchFuzzy, Variant: v.raw, Similarity: sim}, true
		}
	}
	return Match{}, false
}

// IsMatch reports whether text contains an utterance of any variant.
func IsMatch(text string, variants []string, threshold float64) bool {
	m, err := NewMatcher(variants, threshold)
	if err != nil {
		return false
	}
	_, ok := m.Match(text)
	return ok
}

// Normalize lowercases, composes, collapses whitespace and strips trailing punctuation.
func Normalize(text string) string {
	text = norm.NFC.String(cases.Lower(language.Und).String(text))
	text = strings.Join(strings.Fields(text), " ")
	for {
		trimmed := strings.TrimRightFunc(text, isTerminalPunct)
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
		if trimmed == text {
			return text
		}
		text = trimmed
	}
}

func isTerminalPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':', '\'', '"', '।', '॥':
		return true
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
