package callsession

import (
	"regexp"
	"strings"
	"unicode"
)

// minPhoneDigits is the digit count of a North American number without the
// country code.
const minPhoneDigits = 10

var spokenDigits = map[string]int{
	"zero": 1, "oh": 1, "o": 1, "one": 1, "two": 1, "three": 1, "four": 1,
	"five": 1, "six": 1, "seven": 1, "eight": 1, "nine": 1,
}

var (
	emailRe = regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)

	houseNumberRe  = regexp.MustCompile(`\b\d{1,6}[a-z]?\b`)
	streetSuffixRe = regexp.MustCompile(`\b(street|st|avenue|ave|road|rd|drive|dr|lane|ln|boulevard|blvd|way|court|ct|place|pl|circle|cir|parkway|pkwy|highway|hwy|terrace|trail|square|suite)\b`)

	dayRe  = regexp.MustCompile(`\b(today|tomorrow|tonight|monday|tuesday|wednesday|thursday|friday|saturday|sunday|january|february|march|april|may|june|july|august|september|october|november|december|next week|\d{1,2}(st|nd|rd|th)|\d{1,2}/\d{1,2})\b`)
	timeRe = regexp.MustCompile(`\b(\d{1,2}(:\d{2})?\s*(a\.?m\.?|p\.?m\.?)|\d{1,2}:\d{2}|noon|midnight|o'clock|morning|afternoon|evening)`)
)

// IsComplete reports whether text looks like a complete answer of type t.
// General input is always complete.
func IsComplete(t InputType, text string) bool {
	lower := strings.ToLower(text)
	switch t {
	case InputPhone:
		return countDigits(lower) >= minPhoneDigits
	case InputEmail:
		return emailRe.MatchString(normalizeEmail(lower))
	case InputAddress:
		return houseNumberRe.MatchString(lower) && streetSuffixRe.MatchString(lower)
	case InputDateTime:
		return dayRe.MatchString(lower) && timeRe.MatchString(lower)
	default:
		return true
	}
}

// countDigits counts numeric digits plus spoken digit words, with "double"
// and "triple" multiplying the following digit.
func countDigits(text string) int {
	n := 0
	mult := 1
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		switch w {
		case "double":
			mult = 2
			continue
		case "triple":
			mult = 3
			continue
		}
		d := 0
		if c, ok := spokenDigits[w]; ok {
			d = c
		} else {
			for _, r := range w {
				if unicode.IsDigit(r) {
					d++
				}
			}
		}
		if d > 0 {
			n += d + (mult-1)*min(d, 1)
		}
		mult = 1
	}
	return n
}

// normalizeEmail turns a dictated address ("jane at example dot com") into
// its written form and strips the remaining spaces.
func normalizeEmail(text string) string {
	r := strings.NewReplacer(" at ", "@", " dot ", ".", " underscore ", "_", " dash ", "-", " hyphen ", "-")
	s := r.Replace(" " + text + " ")
	return strings.Join(strings.Fields(s), "")
}
