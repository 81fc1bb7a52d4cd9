package transcript

import (
	"strings"
	"unicode"
)

// Correction records one substitution made by [Corrector.Correct].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Corrector rewrites misheard names in transcript text. The zero value and
// a nil *Corrector both leave text unchanged.
type Corrector struct {
	m        *Matcher
	names    []name
	maxWords int
}

// NewCorrector prepares a corrector for names. Blank entries, duplicates,
// and single words shorter than five letters are ignored.
func NewCorrector(names []string, opts ...Option) *Corrector {
	c := &Corrector{m: NewMatcher(opts...)}
	seen := make(map[string]struct{}, len(names))
	for _, s := range names {
		n, ok := newName(s)
		if !ok {
			continue
		}
		if _, dup := seen[n.lower]; dup {
			continue
		}
		seen[n.lower] = struct{}{}
		c.names = append(c.names, n)
		c.maxWords = max(c.maxWords, len(n.tokens))
	}
	return c
}

// Len reports how many names the corrector knows.
func (c *Corrector) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// Correct returns text with misheard names replaced by their canonical
// spelling. Windows are tried longest first, left to right, and a replaced
// window is never revisited. Leading punctuation of the first word and
// trailing punctuation of the last word of a window survive replacement.
// Windows that already spell a name, ignoring case, are left alone.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c.Len() == 0 {
		return text, nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text, nil
	}
	bare := make([]string, len(words))
	for i, w := range words {
		bare[i] = strings.ToLower(strings.TrimFunc(w, isPunct))
	}

	var (
		out   []string
		fixes []Correction
	)
	for i := 0; i < len(words); {
		n, size, score, exact := c.best(bare, i)
		if size == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		if exact {
			out = append(out, words[i:i+size]...)
			i += size
			continue
		}
		original := strings.Join(words[i:i+size], " ")
		lead := leading(words[i])
		trail := trailing(words[i+size-1])
		out = append(out, lead+n.canonical+trail)
		fixes = append(fixes, Correction{
			Original:   original,
			Corrected:  n.canonical,
			Confidence: score,
		})
		i += size
	}
	if len(fixes) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), fixes
}

// best finds the highest-scoring name for the longest window starting at i.
// A size of zero means nothing matches at i. exact reports a window that
// already spells a name, which claims its words without a correction.
func (c *Corrector) best(bare []string, i int) (name, int, float64, bool) {
	for size := min(c.maxWords, len(bare)-i); size > 0; size-- {
		window := bare[i : i+size]
		if hasEmpty(window) {
			continue
		}
		joined := strings.Join(window, " ")
		var (
			found bool
			pick  name
			top   float64
		)
		for _, cand := range c.names {
			if cand.lower == joined {
				return cand, size, 1, true
			}
			s, ok := c.m.score(window, cand)
			if ok && s > top {
				pick, top, found = cand, s, true
			}
		}
		if found {
			return pick, size, top, false
		}
	}
	return name{}, 0, 0, false
}

func hasEmpty(ws []string) bool {
	for _, w := range ws {
		if w == "" {
			return true
		}
	}
	return false
}

func isPunct(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func leading(w string) string {
	return w[:len(w)-len(strings.TrimLeftFunc(w, isPunct))]
}

func trailing(w string) string {
	return w[len(strings.TrimRightFunc(w, isPunct)):]
}
