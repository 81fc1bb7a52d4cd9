// Package ledger keeps the durable record of every call and tells the
// downstream system when a call is over.
//
// A record is created in-progress when the media stream is authorised and
// transitions exactly once to a terminal status. The completion
// notification is best effort: it is retried on transient failures and then
// given up on, never failing the call.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a call record.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotInProgress is returned by [Store.Complete] when the record does
	// not exist or has already reached a terminal status.
	ErrNotInProgress = errors.New("ledger: call is not in progress")

	// ErrNoRecord is returned when completing a call whose record could not
	// be created.
	ErrNoRecord = errors.New("ledger: no call record")
)

// NewCall describes a call at the moment it starts.
type NewCall struct {
	CallSID        string
	OrganizationID string
	AssistantID    string
	CallerPhone    string
	CalledNumber   string
	StartedAt      time.Time
}

// Completion is the terminal state of a call.
type Completion struct {
	Status          Status
	DurationSeconds int
	Transcript      string
	EndedReason     string
	EndedAt         time.Time
}

// Store persists call records.
type Store interface {
	// Create inserts an in-progress record and returns its id.
	Create(ctx context.Context, call NewCall) (string, error)

	// Complete moves an in-progress record to its terminal status. It
	// returns [ErrNotInProgress] if the record is missing or already
	// terminal.
	Complete(ctx context.Context, id string, c Completion) error
}
