package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/callwire/internal/observe"
)

// Ledger is the facade the orchestrator uses for call bookkeeping. Record
// creation and notification never fail the call; completion errors are
// returned so the caller can decide their significance.
type Ledger struct {
	store    Store
	notifier *Notifier
	metrics  *observe.Metrics
}

// Option configures a [Ledger].
type Option func(*Ledger)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a [Ledger]. notifier may be nil, in which case completion
// notifications are skipped.
func New(store Store, notifier *Notifier, opts ...Option) *Ledger {
	l := &Ledger{store: store, notifier: notifier}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// CreateCallRecord inserts an in-progress record and returns its id, or ""
// if the write failed. A failure is logged at error level because it means
// the call will not be billed.
func (l *Ledger) CreateCallRecord(ctx context.Context, call NewCall) string {
	id, err := l.store.Create(ctx, call)
	if err != nil {
		l.metrics.RecordLedgerError(ctx, "create")
		slog.Error("ledger: call record not created, call will not be billed",
			"call_sid", call.CallSID,
			"organization_id", call.OrganizationID,
			"err", err,
		)
		return ""
	}
	return id
}

// CompleteCallRecord moves the record to its terminal status.
func (l *Ledger) CompleteCallRecord(ctx context.Context, id string, c Completion) error {
	if id == "" {
		return ErrNoRecord
	}
	if err := l.store.Complete(ctx, id, c); err != nil {
		l.metrics.RecordLedgerError(ctx, "complete")
		return fmt.Errorf("ledger: complete call record: %w", err)
	}
	return nil
}

// NotifyCallCompleted delivers the notification with retries. Terminal
// failure is logged and swallowed.
func (l *Ledger) NotifyCallCompleted(ctx context.Context, note Notification) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Send(ctx, note); err != nil {
		slog.Error("ledger: call-completed notification dropped",
			"call_id", note.CallID,
			"organization_id", note.OrganizationID,
			"err", err,
		)
	}
}
