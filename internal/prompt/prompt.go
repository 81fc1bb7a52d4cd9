// Package prompt assembles the system prompt and greeting for a call from
// its loaded [callctx.Context]. Build is pure: the same context and clock
// always produce the same text.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/callwire/internal/callctx"
)

// Result is the assembled conversation opener.
type Result struct {
	// SystemPrompt is pinned at index 0 of the message list for the whole
	// call.
	SystemPrompt string

	// Greeting is spoken as soon as the media stream starts.
	Greeting string
}

// phoneGuidance steers the model toward speech that sounds right on a phone
// line.
const phoneGuidance = `- You are speaking on a live phone call. Keep replies to one or two short sentences.
- Never use lists, markdown, emojis, or URLs. Everything you write is read aloud.
- Ask one question at a time and wait for the answer.
- When the caller gives a phone number, email address, street address, or appointment time, read it back once to confirm it.
- Spell out numbers the way a person would say them.
- If you do not know something, say so and offer to take a message.`

// Build renders the system prompt and greeting for c at time now.
func Build(c *callctx.Context, now time.Time) Result {
	return Result{
		SystemPrompt: systemPrompt(c, now),
		Greeting:     greeting(c),
	}
}

func systemPrompt(c *callctx.Context, now time.Time) string {
	var sb strings.Builder
	a, o := &c.Assistant, &c.Organization

	// ── Opening line ──────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "You are %s, the phone assistant for %s.", a.Name, o.Name)
	if p := strings.TrimSpace(a.Prompt); p != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p)
	}

	// ── Business facts ────────────────────────────────────────────────────────
	loc := c.Location()
	local := now.In(loc)
	sb.WriteString("\n\n## Business Details\n")
	fmt.Fprintf(&sb, "- Business name: %s\n", o.Name)
	fmt.Fprintf(&sb, "- Current local time: %s (%s)\n", local.Format("Monday, January 2, 2006 3:04 PM"), loc.String())
	if hours := formatHours(o.BusinessHours); hours != "" {
		sb.WriteString("- Business hours:\n")
		sb.WriteString(hours)
	}
	if o.DefaultAppointmentMinutes > 0 {
		fmt.Fprintf(&sb, "- Appointments last %d minutes unless the caller asks otherwise.\n", o.DefaultAppointmentMinutes)
	}
	if c.CallerPhone != "" {
		fmt.Fprintf(&sb, "- The caller is calling from %s. Confirm before using it as their callback number.\n", c.CallerPhone)
	}

	// ── Knowledge ─────────────────────────────────────────────────────────────
	if k := strings.TrimSpace(c.Knowledge); k != "" {
		sb.WriteString("\n## Knowledge Base\n")
		sb.WriteString("Answer questions using only this information:\n\n")
		sb.WriteString(k)
		sb.WriteByte('\n')
	}

	// ── Scheduling ────────────────────────────────────────────────────────────
	sb.WriteString("\n## Scheduling\n")
	if c.CalendarConnected {
		sb.WriteString("The calendar is connected. You may offer appointment times within business hours and collect the caller's name, phone number, and preferred time.\n")
	} else {
		sb.WriteString("You cannot book appointments directly. Take the caller's name, phone number, and preferred time so the team can call back.\n")
	}

	// ── Transfers ─────────────────────────────────────────────────────────────
	if len(c.TransferRules) > 0 {
		sb.WriteString("\n## Transfers\n")
		sb.WriteString("Offer to transfer the caller when one of these applies:\n")
		for _, r := range c.TransferRules {
			cond := strings.TrimSpace(r.Condition)
			if cond == "" {
				cond = "the caller asks for " + r.Name
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", r.Name, r.PhoneNumber, cond)
		}
	}

	// ── Phone style ───────────────────────────────────────────────────────────
	sb.WriteString("\n## How to Speak\n")
	sb.WriteString(phoneGuidance)

	return sb.String()
}

// formatHours renders one line per weekday present in hours, in week order.
func formatHours(hours map[string]callctx.DayHours) string {
	var sb strings.Builder
	for _, day := range callctx.Weekdays {
		h, ok := hours[day]
		if !ok {
			continue
		}
		name := strings.ToUpper(day[:1]) + day[1:]
		if h.Closed {
			fmt.Fprintf(&sb, "  - %s: closed\n", name)
			continue
		}
		fmt.Fprintf(&sb, "  - %s: %s to %s\n", name, h.Open, h.Close)
	}
	return sb.String()
}

func greeting(c *callctx.Context) string {
	if g := strings.TrimSpace(c.Assistant.FirstMessage); g != "" {
		return g
	}
	return fmt.Sprintf("Thank you for calling %s. How can I help you today?", c.Organization.Name)
}
