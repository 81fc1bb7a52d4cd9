// Package token issues and validates the short-lived, single-use credentials
// that bind a carrier media stream to the caller metadata recorded when the
// inbound-call webhook was accepted, and validates the carrier's webhook
// signatures.
//
// The token travels through the carrier as an opaque stream parameter; the
// metadata it refers to never leaves the server, so a connecting client
// cannot claim to represent a number it was not called on.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRejected is the parent of every validation failure. A rejected token or
// webhook must not create a call session.
var ErrRejected = errors.New("token: rejected")

var (
	// ErrMalformed is returned for tokens that do not parse.
	ErrMalformed = fmt.Errorf("%w: malformed token", ErrRejected)

	// ErrUnknown is returned for tokens that were never issued, were already
	// consumed, or were evicted by the sweep.
	ErrUnknown = fmt.Errorf("%w: unknown or already used token", ErrRejected)

	// ErrBadSignature is returned when the token MAC does not verify.
	ErrBadSignature = fmt.Errorf("%w: bad token signature", ErrRejected)

	// ErrExpired is returned when the token is older than the TTL.
	ErrExpired = fmt.Errorf("%w: token expired", ErrRejected)
)

const (
	// DefaultTTL is how long an issued token stays consumable.
	DefaultTTL = 30 * time.Second

	// DefaultSweepInterval is how often [Authority.Run] evicts expired tokens.
	DefaultSweepInterval = 10 * time.Second
)

// Metadata is the caller information bound to a token at issue time.
type Metadata struct {
	CalledNumber string
	CallerPhone  string
	IssuedAt     time.Time
}

// Option configures an [Authority].
type Option func(*Authority)

// WithTTL overrides [DefaultTTL].
func WithTTL(d time.Duration) Option {
	return func(a *Authority) { a.ttl = d }
}

// WithSweepInterval overrides [DefaultSweepInterval].
func WithSweepInterval(d time.Duration) Option {
	return func(a *Authority) { a.sweepEvery = d }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// Authority issues and consumes stream tokens. All methods are safe for
// concurrent use; the token map is the only state shared between calls.
type Authority struct {
	secret     []byte
	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]Metadata
}

// NewAuthority creates an Authority signing tokens with secret.
func NewAuthority(secret []byte, opts ...Option) (*Authority, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: secret must not be empty")
	}
	a := &Authority{
		secret:     append([]byte(nil), secret...),
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		entries:    make(map[string]Metadata),
	}
	for _, o := range opts {
		o(a)
	}
	if a.ttl <= 0 {
		return nil, errors.New("token: ttl must be positive")
	}
	return a, nil
}

// Issue creates a token for the given numbers. The token has the form
// "<unix-millis>.<nonce>.<hex mac>" where the MAC covers the first two parts.
func (a *Authority) Issue(calledNumber, callerPhone string) string {
	now := a.now()
	payload := strconv.FormatInt(now.UnixMilli(), 10) + "." + uuid.NewString()
	tok := payload + "." + hex.EncodeToString(a.mac(payload))

	a.mu.Lock()
	a.entries[tok] = Metadata{
		CalledNumber: calledNumber,
		CallerPhone:  callerPhone,
		IssuedAt:     now,
	}
	a.mu.Unlock()
	return tok
}

// Consume validates tok and returns its metadata. The entry is deleted before
// any check runs, so a token is consumable at most once whatever the outcome.
func (a *Authority) Consume(tok string) (Metadata, error) {
	payload, sig, issued, err := parse(tok)
	if err != nil {
		return Metadata{}, err
	}

	a.mu.Lock()
	md, ok := a.entries[tok]
	delete(a.entries, tok)
	a.mu.Unlock()
	if !ok {
		return Metadata{}, ErrUnknown
	}

	if !hmac.Equal(sig, a.mac(payload)) {
		return Metadata{}, ErrBadSignature
	}
	if a.now().Sub(issued) > a.ttl {
		return Metadata{}, ErrExpired
	}
	return md, nil
}

// Sweep evicts every entry older than the TTL and returns how many it removed.
func (a *Authority) Sweep() int {
	cutoff := a.now().Add(-a.ttl)

	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for tok, md := range a.entries {
		if md.IssuedAt.Before(cutoff) {
			delete(a.entries, tok)
			n++
		}
	}
	return n
}

// Run sweeps expired tokens periodically until ctx is done.
func (a *Authority) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := a.Sweep(); n > 0 {
				slog.Debug("evicted expired stream tokens", "count", n)
			}
		}
	}
}

// Len returns the number of outstanding tokens.
func (a *Authority) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Authority) mac(payload string) []byte {
	m := hmac.New(sha256.New, a.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

// parse splits tok into its signed payload, decoded MAC and issue time.
func parse(tok string) (payload string, sig []byte, issued time.Time, err error) {
	i := strings.LastIndexByte(tok, '.')
	if i <= 0 {
		return "", nil, time.Time{}, ErrMalformed
	}
	payload = tok[:i]
	sig, err = hex.DecodeString(tok[i+1:])
	if err != nil || len(sig) != sha256.Size {
		return "", nil, time.Time{}, ErrMalformed
	}
	tsPart, nonce, ok := strings.Cut(payload, ".")
	if !ok || nonce == "" {
		return "", nil, time.Time{}, ErrMalformed
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return "", nil, time.Time{}, ErrMalformed
	}
	return payload, sig, time.UnixMilli(ms), nil
}
