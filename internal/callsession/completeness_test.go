package callsession

import "testing"

func TestIsComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  InputType
		text string
		want bool
	}{
		{InputGeneral, "anything", true},
		{InputPhone, "555 - 123 - 4567", true},
		{InputPhone, "555 - 123", false},
		{InputPhone, "(555) 123-4567", true},
		{InputPhone, "five five five one two three four five six seven", true},
		{InputPhone, "five five five one two three", false},
		{InputPhone, "five double five one two three oh oh one two", true},
		{InputEmail, "jane.doe@example.com", true},
		{InputEmail, "jane at example dot com", true},
		{InputEmail, "jane at example", false},
		{InputEmail, "my email is jane", false},
		{InputAddress, "123 Main Street", true},
		{InputAddress, "42 Elm Ave", true},
		{InputAddress, "Main Street", false},
		{InputAddress, "123", false},
		{InputDateTime, "Tuesday at 3pm", true},
		{InputDateTime, "tomorrow at 10:30", true},
		{InputDateTime, "March 5th in the afternoon", true},
		{InputDateTime, "next Tuesday", false},
		{InputDateTime, "at 3 p.m.", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.text, func(t *testing.T) {
			t.Parallel()
			if got := IsComplete(tt.typ, tt.text); got != tt.want {
				t.Errorf("IsComplete(%q, %q) = %v, want %v", tt.typ, tt.text, got, tt.want)
			}
		})
	}
}

func TestInferInputType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reply string
		want  InputType
	}{
		{"Sure. What's the best phone number to reach you?", InputPhone},
		{"Got it. And what email address should we send the confirmation to?", InputEmail},
		{"What's the address of the property?", InputAddress},
		{"What day and time work best for you?", InputDateTime},
		{"When would you like to come in?", InputDateTime},
		{"Thanks, we'll call your phone number tomorrow.", InputGeneral},
		{"How can I help you today?", InputGeneral},
		{"I have your phone number. What day works for you?", InputDateTime},
	}
	for _, tt := range tests {
		if got := InferInputType(tt.reply); got != tt.want {
			t.Errorf("InferInputType(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}
