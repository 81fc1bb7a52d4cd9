package callsession

import "strings"

// inferRules are checked in order; the first rule with a matching phrase wins.
var inferRules = []struct {
	t       InputType
	phrases []string
}{
	{InputPhone, []string{"phone number", "callback number", "call back number", "best number", "number to reach", "contact number"}},
	{InputEmail, []string{"email", "e-mail"}},
	{InputAddress, []string{"address", "where are you located", "street"}},
	{InputDateTime, []string{"what day", "which day", "what date", "what time", "which time", "when would", "when works", "preferred time", "good time"}},
}

// InferInputType guesses what the caller will answer next from the question
// the assistant just asked. Replies without a question expect general input.
func InferInputType(reply string) InputType {
	q := lastQuestion(strings.ToLower(reply))
	if q == "" {
		return InputGeneral
	}
	for _, rule := range inferRules {
		for _, p := range rule.phrases {
			if strings.Contains(q, p) {
				return rule.t
			}
		}
	}
	return InputGeneral
}

// lastQuestion returns the final sentence of s ending in '?', or "".
func lastQuestion(s string) string {
	end := strings.LastIndexByte(s, '?')
	if end < 0 {
		return ""
	}
	start := strings.LastIndexAny(s[:end], ".!?") + 1
	return s[start : end+1]
}
