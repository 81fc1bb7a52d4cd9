package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the calls table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    id               UUID PRIMARY KEY,
    call_sid         TEXT NOT NULL,
    organization_id  TEXT NOT NULL,
    assistant_id     TEXT NOT NULL,
    caller_phone     TEXT NOT NULL DEFAULT '',
    called_number    TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'in-progress',
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ,
    duration_seconds INTEGER,
    transcript       TEXT NOT NULL DEFAULT '',
    ended_reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_calls_organization ON calls(organization_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_call_sid ON calls(call_sid);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db    DB
	newID func() string
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given database
// connection or pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, newID: uuid.NewString}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Create inserts an in-progress record with a fresh UUID.
func (s *PostgresStore) Create(ctx context.Context, call NewCall) (string, error) {
	id := s.newID()
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (id, call_sid, organization_id, assistant_id, caller_phone, called_number, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, call.CallSID, call.OrganizationID, call.AssistantID, call.CallerPhone, call.CalledNumber,
		string(StatusInProgress), call.StartedAt,
	)
	if err != nil {
		return "", fmt.Errorf("ledger: create call %s: %w", call.CallSID, err)
	}
	return id, nil
}

// Complete sets the terminal fields. The status guard in the WHERE clause
// makes the transition happen at most once even under concurrent callers.
func (s *PostgresStore) Complete(ctx context.Context, id string, c Completion) error {
	if c.Status == StatusInProgress || c.Status == "" {
		return fmt.Errorf("ledger: complete call %s: %q is not a terminal status", id, c.Status)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE calls
		SET status = $2, ended_at = $3, duration_seconds = $4, transcript = $5, ended_reason = $6
		WHERE id = $1 AND status = $7`,
		id, string(c.Status), c.EndedAt, c.DurationSeconds, c.Transcript, c.EndedReason,
		string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("ledger: complete call %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotInProgress, id)
	}
	return nil
}
