package chant

import (
	"math"
	"testing"
)

var hariJap = []string{"jai jai ram krishna hari"}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Jai   Jai Ram\tKrishna HARI!! ": "jai jai ram krishna hari",
		"जय जय राम कृष्ण हरि ।":           "जय जय राम कृष्ण हरि",
		"hari, ":                         "hari",
		"":                               "",
		"?!":                             "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsMatchPolicy(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		threshold float64
		want      bool
	}{
		{"exact", "jai jai ram krishna hari", 0.7, true},
		{"exact after normalization", "Jai Jai  Ram Krishna Hari.", 1, true},
		{"substring", "om jai jai ram krishna hari om", 1, true},
		{"one edit", "jai jai ram krishna haari", 0.7, true},
		{"word count differs", "jai jai ram krishnahari", 0.7, false},
		{"too different", "good morning to all of you", 0.7, false},
		{"empty", "", 0.7, false},
		{"whitespace only", "   ", 0, false},
		{"zero threshold equal words", "a b c d e", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMatch(tt.text, hariJap, tt.threshold); got != tt.want {
				t.Fatalf("IsMatch(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestMatchReportsKind(t *testing.T) {
	m, err := NewMatcher(append([]string{"राम कृष्ण हरि"}, hariJap...), 0.7)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	match, ok := m.Match("jai jai ram krishna haari")
	if !ok || match.Kind != MatchFuzzy {
		t.Fatalf("expected fuzzy match, got %+v ok=%v", match, ok)
	}
	if math.Abs(match.Similarity-0.96) > 1e-9 {
		t.Fatalf("expected similarity 0.96, got %v", match.Similarity)
	}
	match, ok = m.Match("जय जय राम कृष्ण हरि")
	if !ok || match.Kind != MatchSubstring || match.Variant != "राम कृष्ण हरि" {
		t.Fatalf("expected devanagari substring match, got %+v", match)
	}
}

func TestEqualNormalizedAlwaysMatches(t *testing.T) {
	for _, phrase := range []string{"ram", "jai jai ram krishna hari", "राम कृष्ण हरि"} {
		for _, threshold := range []float64{0, 0.5, 1} {
			if !IsMatch(phrase, []string{phrase}, threshold) {
				t.Fatalf("%q should match itself at threshold %v", phrase, threshold)
			}
			if !IsMatch("prefix "+phrase+" suffix", []string{phrase}, threshold) {
				t.Fatalf("%q should match as substring at threshold %v", phrase, threshold)
			}
		}
	}
}

func TestNewMatcherRejectsBadInput(t *testing.T) {
	if _, err := NewMatcher(nil, 0.7); err == nil {
		t.Fatal("expected error for empty variants")
	}
	if _, err := NewMatcher([]string{"  ", "."}, 0.7); err == nil {
		t.Fatal("expected error for blank variants")
	}
	if _, err := NewMatcher(hariJap, 1.5); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
	if IsMatch("jai jai ram krishna hari", nil, 0.7) {
		t.Fatal("no variants should never match")
	}
}

func TestLevenshtein(t *testing.T) {
	pairs := [][2]string{
		{"", ""},
		{"kitten", "sitting"},
		{"hari", "haari"},
		{"राम", "रम"},
		{"", "abc"},
	}
	want := []int{0, 3, 1, 1, 3}
	for i, p := range pairs {
		ab := Levenshtein(p[0], p[1])
		ba := Levenshtein(p[1], p[0])
		if ab != ba {
			t.Fatalf("distance not symmetric for %q/%q: %d vs %d", p[0], p[1], ab, ba)
		}
		if ab != want[i] {
			t.Fatalf("Levenshtein(%q,%q) = %d, want %d", p[0], p[1], ab, want[i])
		}
		if Levenshtein(p[0], p[0]) != 0 {
			t.Fatalf("distance to self must be zero for %q", p[0])
		}
	}
}

func TestSimilarityBounds(t *testing.T) {
	inputs := []string{"a", "jai", "jai jai ram krishna hari", "zzzzzzzzzz", "राम"}
	for _, a := range inputs {
		for _, b := range inputs {
			s := Similarity(a, b)
			if s < 0 || s > 1 {
				t.Fatalf("Similarity(%q,%q) = %v out of range", a, b, s)
			}
		}
	}
	if got := Similarity("jai jai ram krishna hari", "jai jai ram krishna haari"); math.Abs(got-0.96) > 1e-9 {
		t.Fatalf("expected 0.96, got %v", got)
	}
}
