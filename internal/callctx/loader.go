package callctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwire/internal/observe"
)

var (
	// ErrNotFound is returned when the dialed number does not resolve to an
	// active assistant.
	ErrNotFound = errors.New("callctx: not found")

	// ErrAssistantInactive is returned for numbers whose assistant has been
	// disabled. It matches [ErrNotFound] with errors.Is.
	ErrAssistantInactive = fmt.Errorf("%w: assistant inactive", ErrNotFound)

	// ErrInvalid is returned when stored configuration fails validation.
	ErrInvalid = errors.New("callctx: invalid configuration")
)

// Schema is the SQL DDL for the tables the loader reads. Execute it via
// [Loader.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS organizations (
    id                          TEXT PRIMARY KEY,
    name                        TEXT NOT NULL,
    timezone                    TEXT NOT NULL DEFAULT 'UTC',
    business_hours              JSONB NOT NULL DEFAULT '{}',
    default_appointment_minutes INTEGER NOT NULL DEFAULT 30
);
CREATE TABLE IF NOT EXISTS assistants (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    name            TEXT NOT NULL,
    prompt          TEXT NOT NULL DEFAULT '',
    first_message   TEXT NOT NULL DEFAULT '',
    voice_id        TEXT NOT NULL DEFAULT '',
    language        TEXT NOT NULL DEFAULT 'en-US',
    temperature     DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    max_tokens      INTEGER NOT NULL DEFAULT 250,
    active          BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS phone_numbers (
    number          TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    assistant_id    TEXT NOT NULL REFERENCES assistants(id),
    active          BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS knowledge_documents (
    id              BIGSERIAL PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    assistant_id    TEXT REFERENCES assistants(id),
    title           TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL,
    position        INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS calendar_connections (
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    provider        TEXT NOT NULL,
    active          BOOLEAN NOT NULL DEFAULT true,
    PRIMARY KEY (organization_id, provider)
);
CREATE TABLE IF NOT EXISTS transfer_rules (
    id              BIGSERIAL PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id),
    assistant_id    TEXT REFERENCES assistants(id),
    name            TEXT NOT NULL,
    phone_number    TEXT NOT NULL,
    condition       TEXT NOT NULL DEFAULT '',
    position        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_knowledge_documents_org ON knowledge_documents(organization_id);
CREATE INDEX IF NOT EXISTS idx_transfer_rules_org ON transfer_rules(organization_id);
`

const (
	defaultLoadTimeout       = 5 * time.Second
	defaultMaxKnowledgeChars = 12000
)

// DB is the database interface used by [Loader]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Option configures a [Loader].
type Option func(*Loader)

// WithTimeout bounds a whole [Loader.Load]. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) { l.timeout = d }
}

// WithMaxKnowledgeChars caps the aggregated knowledge text so the system
// prompt stays within the model's context. Default: 12000.
func WithMaxKnowledgeChars(n int) Option {
	return func(l *Loader) { l.maxKnowledge = n }
}

// WithMetrics sets the metrics the loader records into. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// Loader reads call configuration from PostgreSQL. It never writes.
type Loader struct {
	db           DB
	timeout      time.Duration
	maxKnowledge int
	metrics      *observe.Metrics
}

// NewLoader creates a [Loader] on top of db. The caller is responsible for
// calling [Loader.Migrate] if the schema may not exist yet.
func NewLoader(db DB, opts ...Option) *Loader {
	l := &Loader{
		db:           db,
		timeout:      defaultLoadTimeout,
		maxKnowledge: defaultMaxKnowledgeChars,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Migrate executes the [Schema] DDL against the database.
func (l *Loader) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("callctx: migrate: %w", err)
	}
	return nil
}

// Load resolves calledNumber and fetches the rest of the configuration in
// parallel. It returns an error wrapping [ErrNotFound] when the number is
// unknown or its assistant is inactive, and [ErrInvalid] when stored
// configuration fails validation.
func (l *Loader) Load(ctx context.Context, calledNumber, callerPhone string) (*Context, error) {
	start := time.Now()
	defer func() {
		l.metrics.ContextLoadDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var orgID, assistantID string
	err := l.db.QueryRow(ctx,
		`SELECT organization_id, assistant_id FROM phone_numbers WHERE number = $1 AND active`,
		calledNumber,
	).Scan(&orgID, &assistantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: number %s", ErrNotFound, calledNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("callctx: resolve number: %w", err)
	}

	c := &Context{CalledNumber: calledNumber, CallerPhone: callerPhone}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := l.assistant(gctx, assistantID)
		c.Assistant = a
		return err
	})
	g.Go(func() error {
		o, err := l.organization(gctx, orgID)
		c.Organization = o
		return err
	})
	g.Go(func() error {
		k, err := l.knowledge(gctx, orgID, assistantID)
		c.Knowledge = k
		return err
	})
	g.Go(func() error {
		err := l.db.QueryRow(gctx,
			`SELECT EXISTS (SELECT 1 FROM calendar_connections WHERE organization_id = $1 AND active)`,
			orgID,
		).Scan(&c.CalendarConnected)
		if err != nil {
			return fmt.Errorf("callctx: calendar: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r, err := l.transferRules(gctx, orgID, assistantID)
		c.TransferRules = r
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !c.Assistant.Active {
		return nil, fmt.Errorf("%w: %s", ErrAssistantInactive, assistantID)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return c, nil
}

func (l *Loader) assistant(ctx context.Context, id string) (Assistant, error) {
	var a Assistant
	err := l.db.QueryRow(ctx, `
		SELECT id, organization_id, name, prompt, first_message, voice_id,
		       language, temperature, max_tokens, active
		FROM assistants WHERE id = $1`, id,
	).Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Prompt, &a.FirstMessage, &a.VoiceID,
		&a.Language, &a.Temperature, &a.MaxTokens, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("%w: assistant %s", ErrNotFound, id)
	}
	if err != nil {
		return a, fmt.Errorf("callctx: assistant: %w", err)
	}
	return a, nil
}

func (l *Loader) organization(ctx context.Context, id string) (Organization, error) {
	var (
		o     Organization
		hours []byte
	)
	err := l.db.QueryRow(ctx, `
		SELECT id, name, timezone, business_hours, default_appointment_minutes
		FROM organizations WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Timezone, &hours, &o.DefaultAppointmentMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("%w: organization %s", ErrNotFound, id)
	}
	if err != nil {
		return o, fmt.Errorf("callctx: organization: %w", err)
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &o.BusinessHours); err != nil {
			return o, fmt.Errorf("%w: organization %s business_hours: %w", ErrInvalid, id, err)
		}
	}
	return o, nil
}

// knowledge joins organization-wide and assistant-specific documents. Each
// document becomes a titled section; the result is cut at the configured cap.
func (l *Loader) knowledge(ctx context.Context, orgID, assistantID string) (string, error) {
	rows, err := l.db.Query(ctx, `
		SELECT title, content FROM knowledge_documents
		WHERE organization_id = $1 AND (assistant_id IS NULL OR assistant_id = $2)
		ORDER BY position, id`, orgID, assistantID)
	if err != nil {
		return "", fmt.Errorf("callctx: knowledge: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var title, content string
		if err := rows.Scan(&title, &content); err != nil {
			return "", fmt.Errorf("callctx: knowledge scan: %w", err)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if title != "" {
			b.WriteString("## ")
			b.WriteString(title)
			b.WriteByte('\n')
		}
		b.WriteString(content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("callctx: knowledge rows: %w", err)
	}
	return truncateRunes(b.String(), l.maxKnowledge), nil
}

func (l *Loader) transferRules(ctx context.Context, orgID, assistantID string) ([]TransferRule, error) {
	rows, err := l.db.Query(ctx, `
		SELECT name, phone_number, condition FROM transfer_rules
		WHERE organization_id = $1 AND (assistant_id IS NULL OR assistant_id = $2)
		ORDER BY position, id`, orgID, assistantID)
	if err != nil {
		return nil, fmt.Errorf("callctx: transfer rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TransferRule, error) {
		var r TransferRule
		err := row.Scan(&r.Name, &r.PhoneNumber, &r.Condition)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("callctx: transfer rules scan: %w", err)
	}
	return rules, nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
