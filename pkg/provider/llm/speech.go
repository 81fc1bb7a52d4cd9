package llm

import (
	"strings"
	"unicode"
)

// emphasis is stripped from replies; a caller would hear it read out.
var emphasis = strings.NewReplacer("**", "", "__", "", "`", "")

var bullets = []string{"- ", "* ", "• "}

// Speakable turns raw model output into text that can be synthesized. It
// drops markdown emphasis, headings and list bullets, folds line breaks into
// spaces and, when truncated is set, cuts the reply back to its last
// complete sentence so the caller never hears half a thought. A truncated
// reply without any sentence end is returned whole.
func Speakable(content string, truncated bool) string {
	lines := strings.Split(emphasis.Replace(content), "\n")
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if h := strings.TrimLeft(l, "#"); h != l && strings.HasPrefix(h, " ") {
			l = strings.TrimSpace(h)
		}
		for _, b := range bullets {
			l = strings.TrimPrefix(l, b)
		}
		if l != "" {
			parts = append(parts, l)
		}
	}
	out := strings.Join(parts, " ")
	if truncated {
		out = lastSentence(out)
	}
	return out
}

// lastSentence returns s up to its last sentence end. A period inside a
// token, such as "9.50", is not a sentence end.
func lastSentence(s string) string {
	for i := len(s) - 1; i > 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || unicode.IsSpace(rune(s[i+1])) {
				return s[:i+1]
			}
		}
	}
	return s
}
