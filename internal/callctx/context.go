// Package callctx resolves a dialed number into everything a call needs
// before the first word is spoken: the assistant configuration, the owning
// organization, its knowledge text, calendar availability, and transfer
// rules. The loaded [Context] is read-only for the life of the call.
package callctx

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Context is the validated, read-only configuration of one call.
type Context struct {
	CallSID      string
	CalledNumber string
	CallerPhone  string

	Assistant    Assistant
	Organization Organization

	// Knowledge is the organization's knowledge documents joined into one
	// block of text.
	Knowledge string

	// CalendarConnected reports whether the organization has an active
	// calendar integration, so the assistant may offer to book.
	CalendarConnected bool

	TransferRules []TransferRule
}

// Location returns the organization's time zone, or UTC if it cannot be
// loaded.
func (c *Context) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Organization.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// Validate checks every record and returns all problems joined.
func (c *Context) Validate() error {
	errs := []error{c.Assistant.Validate(), c.Organization.Validate()}
	if c.Assistant.OrganizationID != c.Organization.ID {
		errs = append(errs, fmt.Errorf("callctx: assistant %q belongs to organization %q, not %q",
			c.Assistant.ID, c.Assistant.OrganizationID, c.Organization.ID))
	}
	for i := range c.TransferRules {
		if err := c.TransferRules[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("transfer rule %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Assistant is the voice agent answering a number.
type Assistant struct {
	ID             string
	OrganizationID string
	Name           string

	// Prompt is the operator-written instruction text.
	Prompt string

	// FirstMessage is spoken when the call connects. Empty selects a
	// default greeting.
	FirstMessage string

	VoiceID     string
	Language    string
	Temperature float64
	MaxTokens   int
	Active      bool
}

// Validate checks the assistant for logical consistency. It returns a joined
// error describing every violation found, or nil if the assistant is valid.
func (a *Assistant) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("callctx: assistant id must not be empty"))
	}
	if a.Name == "" {
		errs = append(errs, errors.New("callctx: assistant name must not be empty"))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("callctx: assistant temperature must be in [0, 2], got %g", a.Temperature))
	}
	if a.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("callctx: assistant max_tokens must not be negative, got %d", a.MaxTokens))
	}
	return errors.Join(errs...)
}

// Weekdays lists the keys of [Organization.BusinessHours] in display order.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// DayHours is the opening window for one weekday in "HH:MM" local time.
type DayHours struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	Closed bool   `json:"closed"`
}

var clockRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Organization is the business that owns the number.
type Organization struct {
	ID       string
	Name     string
	Timezone string

	// BusinessHours is keyed by lower-case weekday name. Days that are
	// missing are treated as unknown, not closed.
	BusinessHours map[string]DayHours

	DefaultAppointmentMinutes int
}

// Validate checks the organization for logical consistency.
func (o *Organization) Validate() error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, errors.New("callctx: organization id must not be empty"))
	}
	if o.Name == "" {
		errs = append(errs, errors.New("callctx: organization name must not be empty"))
	}
	if _, err := time.LoadLocation(o.Timezone); err != nil || o.Timezone == "" {
		errs = append(errs, fmt.Errorf("callctx: organization timezone %q is not a valid IANA zone", o.Timezone))
	}
	if o.DefaultAppointmentMinutes < 0 {
		errs = append(errs, fmt.Errorf("callctx: default appointment minutes must not be negative, got %d", o.DefaultAppointmentMinutes))
	}
	for day, h := range o.BusinessHours {
		if h.Closed {
			continue
		}
		if !clockRe.MatchString(h.Open) || !clockRe.MatchString(h.Close) {
			errs = append(errs, fmt.Errorf("callctx: business hours for %s must be HH:MM, got %q-%q", day, h.Open, h.Close))
		} else if h.Open >= h.Close {
			errs = append(errs, fmt.Errorf("callctx: business hours for %s close before they open", day))
		}
	}
	return errors.Join(errs...)
}

// TransferRule tells the assistant when to hand the caller to a person.
type TransferRule struct {
	Name        string
	PhoneNumber string

	// Condition is a natural-language description of when the rule applies.
	Condition string
}

var e164Re = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Validate checks the rule for logical consistency.
func (r *TransferRule) Validate() error {
	var errs []error
	if r.Name == "" {
		errs = append(errs, errors.New("callctx: transfer rule name must not be empty"))
	}
	if !e164Re.MatchString(r.PhoneNumber) {
		errs = append(errs, fmt.Errorf("callctx: transfer rule phone number %q is not E.164", r.PhoneNumber))
	}
	return errors.Join(errs...)
}
