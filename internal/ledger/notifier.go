package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/callwire/internal/observe"
)

// SecretHeader carries the shared secret on internal notifications.
const SecretHeader = "X-Internal-Secret"

// Default notification parameters.
const (
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
	defaultTimeout    = 10 * time.Second
)

// Notification is the payload POSTed when a call ends.
type Notification struct {
	CallID          string `json:"callId"`
	OrganizationID  string `json:"organizationId"`
	AssistantID     string `json:"assistantId"`
	CallerPhone     string `json:"callerPhone"`
	Status          Status `json:"status"`
	DurationSeconds int    `json:"durationSeconds"`
	Transcript      string `json:"transcript"`
	EndedReason     string `json:"endedReason"`
}

// NotifierConfig configures a [Notifier].
type NotifierConfig struct {
	// URL is the internal notification endpoint. Required.
	URL string

	// Secret is sent in the [SecretHeader] header. Required.
	Secret string

	// MaxRetries is the number of retries after the first attempt.
	// Defaults to 3 if zero. A negative value disables retries.
	MaxRetries int

	// Backoff is the delay before the first retry. Doubles each attempt up
	// to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 5s if
	// zero.
	MaxBackoff time.Duration

	// Timeout bounds each individual attempt. Defaults to 10s if zero.
	Timeout time.Duration

	// Client overrides the HTTP client. Defaults to an otelhttp-instrumented
	// client.
	Client *http.Client

	// Metrics receives attempt counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Notifier delivers call-completed notifications downstream.
type Notifier struct {
	url        string
	secret     string
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	timeout    time.Duration
	client     *http.Client
	metrics    *observe.Metrics
}

// statusError is a non-2xx response from the notification endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ledger: notify: status %d: %s", e.code, e.body)
}

// retryable reports whether a failed attempt should be tried again. Only
// server errors and transport failures qualify.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

// NewNotifier creates a [Notifier] from cfg.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger: notify url must not be empty")
	}
	if cfg.Secret == "" {
		return nil, errors.New("ledger: notify secret must not be empty")
	}
	n := &Notifier{
		url:        cfg.URL,
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		timeout:    cfg.Timeout,
		client:     cfg.Client,
		metrics:    cfg.Metrics,
	}
	switch {
	case n.maxRetries == 0:
		n.maxRetries = defaultMaxRetries
	case n.maxRetries < 0:
		n.maxRetries = 0
	}
	if n.backoff <= 0 {
		n.backoff = defaultBackoff
	}
	if n.maxBackoff <= 0 {
		n.maxBackoff = defaultMaxBackoff
	}
	if n.maxBackoff < n.backoff {
		n.maxBackoff = n.backoff
	}
	if n.timeout <= 0 {
		n.timeout = defaultTimeout
	}
	if n.client == nil {
		n.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n, nil
}

// Send POSTs the notification, retrying server and network failures with
// exponential backoff. It returns the last error once retries are exhausted
// or a client error is received.
func (n *Notifier) Send(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("ledger: notify: marshal: %w", err)
	}

	var lastErr error
	backoff := n.backoff
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > n.maxBackoff {
				backoff = n.maxBackoff
			}
		}

		err := n.post(ctx, body)
		if err == nil {
			n.metrics.RecordNotifyAttempt(ctx, "ok")
			return nil
		}
		lastErr = err
		if !retryable(err) {
			n.metrics.RecordNotifyAttempt(ctx, "rejected")
			return err
		}
		n.metrics.RecordNotifyAttempt(ctx, "retryable")
		slog.Warn("ledger: notify attempt failed",
			"call_id", note.CallID,
			"attempt", attempt+1,
			"max_attempts", n.maxRetries+1,
			"err", err,
		)
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, n.secret)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: notify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(msg)}
}
