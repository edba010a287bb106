// Package search re-roots a forest onto the nodes whose titles match a query.
package search

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hbollon/go-edlib"
	"github.com/surgebase/porter2"
)

// Match modes
const (
	ModeSubstring = "substring"
	ModeGlob      = "glob"
	ModeFuzzy     = "fuzzy"
	ModeStem      = "stem"
)

// Fuzzy algorithms
const (
	AlgorithmJaroWinkler = "jaro-winkler"
	AlgorithmLevenshtein = "levenshtein"
	AlgorithmCosine      = "cosine"
)

// Matcher defaults
const (
	DefaultFuzzyThreshold = 0.80
	DefaultStemMinLength  = 3
)

// Matcher decides whether a node title matches the active query
type Matcher interface {
	Match(title string) bool
}

// MatcherFunc adapts a function to Matcher
type MatcherFunc func(title string) bool

// Match implements Matcher
func (f MatcherFunc) Match(title string) bool { return f(title) }

// NewMatcher builds the matcher for mode. An empty mode means substring.
func NewMatcher(query string, opts Options) (Matcher, error) {
	switch opts.Mode {
	case "", ModeSubstring:
		return NewSubstringMatcher(query), nil
	case ModeGlob:
		return NewGlobMatcher(query)
	case ModeFuzzy:
		return NewFuzzyMatcher(query, opts.FuzzyThreshold, opts.FuzzyAlgorithm)
	case ModeStem:
		return NewStemMatcher(query, opts.StemMinLength), nil
	default:
		return nil, fmt.Errorf("search: unknown mode %q", opts.Mode)
	}
}

// SubstringMatcher matches titles containing the query, ignoring case
type SubstringMatcher struct {
	needle string
}

// NewSubstringMatcher creates a case-insensitive substring matcher
func NewSubstringMatcher(query string) *SubstringMatcher {
	return &SubstringMatcher{needle: strings.ToLower(strings.TrimSpace(query))}
}

// Match implements Matcher
func (m *SubstringMatcher) Match(title string) bool {
	return strings.Contains(strings.ToLower(title), m.needle)
}

// GlobMatcher matches whole titles against a doublestar pattern. A query
// without glob metacharacters falls back to substring matching.
type GlobMatcher struct {
	pattern  string
	fallback *SubstringMatcher
}

// NewGlobMatcher validates pattern and creates a case-insensitive matcher
func NewGlobMatcher(pattern string) (*GlobMatcher, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if !strings.ContainsAny(pattern, "*?[{") {
		return &GlobMatcher{fallback: NewSubstringMatcher(pattern)}, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("search: invalid glob %q", pattern)
	}
	return &GlobMatcher{pattern: pattern}, nil
}

// Match implements Matcher
func (m *GlobMatcher) Match(title string) bool {
	if m.fallback != nil {
		return m.fallback.Match(title)
	}
	ok, err := doublestar.Match(m.pattern, strings.ToLower(title))
	return err == nil && ok
}

// FuzzyMatcher matches when the query is similar enough to the whole title
// or to any single word of it
type FuzzyMatcher struct {
	query     string
	threshold float64
	algorithm edlib.Algorithm
}

// NewFuzzyMatcher creates a fuzzy matcher. A threshold outside [0,1] falls
// back to the default.
func NewFuzzyMatcher(query string, threshold float64, algorithm string) (*FuzzyMatcher, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	var algo edlib.Algorithm
	switch algorithm {
	case "", AlgorithmJaroWinkler:
		algo = edlib.JaroWinkler
	case AlgorithmLevenshtein:
		algo = edlib.Levenshtein
	case AlgorithmCosine:
		algo = edlib.Cosine
	default:
		return nil, fmt.Errorf("search: unknown fuzzy algorithm %q", algorithm)
	}
	return &FuzzyMatcher{
		query:     strings.ToLower(strings.TrimSpace(query)),
		threshold: threshold,
		algorithm: algo,
	}, nil
}

// Match implements Matcher
func (m *FuzzyMatcher) Match(title string) bool {
	if m.query == "" {
		return true
	}
	title = strings.ToLower(title)
	if strings.Contains(title, m.query) || m.Similarity(m.query, title) >= m.threshold {
		return true
	}
	for _, word := range words(title) {
		if m.Similarity(m.query, word) >= m.threshold {
			return true
		}
	}
	return false
}

// Similarity returns the similarity score between two strings (0.0-1.0)
func (m *FuzzyMatcher) Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	score, err := edlib.StringsSimilarity(a, b, m.algorithm)
	if err != nil {
		return 0.0
	}
	return float64(score)
}

// StemMatcher matches titles containing every query word in some inflected
// form, so "archived runs" matches "Archive run".
type StemMatcher struct {
	stems     []string
	minLength int
}

// NewStemMatcher creates a stem matcher. Words shorter than minLength are
// compared as typed.
func NewStemMatcher(query string, minLength int) *StemMatcher {
	if minLength < 0 {
		minLength = DefaultStemMinLength
	}
	m := &StemMatcher{minLength: minLength}
	for _, w := range words(strings.ToLower(query)) {
		m.stems = append(m.stems, m.stem(w))
	}
	return m
}

// Match implements Matcher
func (m *StemMatcher) Match(title string) bool {
	if len(m.stems) == 0 {
		return true
	}
	have := make(map[string]bool)
	for _, w := range words(strings.ToLower(title)) {
		have[m.stem(w)] = true
	}
	for _, s := range m.stems {
		if !have[s] {
			return false
		}
	}
	return true
}

func (m *StemMatcher) stem(word string) string {
	if len(word) < m.minLength {
		return word
	}
	return porter2.Stem(word)
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
