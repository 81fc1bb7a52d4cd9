// Package transcript repairs recogniser output before it reaches the
// conversation. Proper names a caller says, such as the business, the
// assistant, or a transfer target, are often transcribed as similar-sounding
// ordinary words. The [Corrector] restores them.
//
// Matching uses Double Metaphone codes to find candidates that sound alike
// and Jaro-Winkler similarity to rank them. It is deliberately strict:
// a window of caller words is only compared against a name with the same
// number of words, every word must be close in length to its counterpart,
// and single-word names shorter than five letters are never corrected.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.92

	// minSingleWordLen keeps short names like "Sam" from swallowing
	// common words like "same".
	minSingleWordLen = 5

	// maxTokenLenDiff bounds how far a heard word may differ in length
	// from the name word it is aligned with.
	maxTokenLenDiff = 1
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a window
// whose every word sounds like its counterpart. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window that
// does not align phonetically. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores word windows against prepared names. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a [Matcher] configured with opts.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// name is a vocabulary entry with its phonetic codes computed once.
type name struct {
	canonical string
	lower     string
	tokens    []string
	codes     []codeSet
}

type codeSet map[string]struct{}

func newName(s string) (name, bool) {
	canonical := strings.Join(strings.Fields(s), " ")
	lower := strings.ToLower(canonical)
	tokens := strings.Fields(lower)
	if len(tokens) == 0 {
		return name{}, false
	}
	if len(tokens) == 1 && len(tokens[0]) < minSingleWordLen {
		return name{}, false
	}
	n := name{canonical: canonical, lower: lower, tokens: tokens, codes: make([]codeSet, len(tokens))}
	for i, t := range tokens {
		n.codes[i] = codesFor(t)
	}
	return n, true
}

// score compares the lowercased, punctuation-free words of window against
// n. It returns the Jaro-Winkler similarity and whether it clears the
// applicable threshold.
func (m *Matcher) score(window []string, n name) (float64, bool) {
	if len(window) != len(n.tokens) {
		return 0, false
	}
	aligned := true
	for i, w := range window {
		if abs(len(w)-len(n.tokens[i])) > maxTokenLenDiff {
			return 0, false
		}
		if !overlap(codesFor(w), n.codes[i]) {
			aligned = false
		}
	}
	s := matchr.JaroWinkler(strings.Join(window, " "), n.lower, false)
	if aligned {
		return s, s >= m.phoneticThreshold
	}
	return s, s >= m.fuzzyThreshold
}

func codesFor(word string) codeSet {
	codes := make(codeSet, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func overlap(a, b codeSet) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
