package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

// mockDB records Exec calls and emulates the in-progress guard on UPDATE.
type mockDB struct {
	mu       sync.Mutex
	execs    []execCall
	execErr  error
	statuses map[string]string
}

func newMockDB() *mockDB {
	return &mockDB{statuses: make(map[string]string)}
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	if m.execErr != nil {
		return pgconn.CommandTag{}, m.execErr
	}
	switch {
	case strings.Contains(sql, "INSERT INTO calls"):
		m.statuses[args[0].(string)] = args[6].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE calls"):
		id := args[0].(string)
		if m.statuses[id] != args[6].(string) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		m.statuses[id] = args[1].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (m *mockDB) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

func TestPostgresStore_CreateAndComplete(t *testing.T) {
	t.Parallel()

	db := newMockDB()
	s := NewPostgresStore(db)
	ctx := context.Background()

	id, err := s.Create(ctx, NewCall{
		CallSID:        "CA123",
		OrganizationID: "org-1",
		AssistantID:    "asst-1",
		CallerPhone:    "+15550001111",
		CalledNumber:   "+15552223333",
		StartedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}
	if got := db.status(id); got != string(StatusInProgress) {
		t.Errorf("status after create = %q, want %q", got, StatusInProgress)
	}

	err = s.Complete(ctx, id, Completion{
		Status:          StatusCompleted,
		DurationSeconds: 42,
		Transcript:      "Caller: hi\nAssistant: hello",
		EndedReason:     "stream-stopped",
		EndedAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := db.status(id); got != string(StatusCompleted) {
		t.Errorf("status after complete = %q, want %q", got, StatusCompleted)
	}
}

func TestPostgresStore_CompleteAtMostOnce(t *testing.T) {
	t.Parallel()

	db := newMockDB()
	s := NewPostgresStore(db)
	ctx := context.Background()

	id, err := s.Create(ctx, NewCall{CallSID: "CA1", StartedAt: time.Now()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c := Completion{Status: StatusCompleted, EndedAt: time.Now()}
	if err := s.Complete(ctx, id, c); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	c.Status = StatusFailed
	err = s.Complete(ctx, id, c)
	if !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("second Complete err = %v, want ErrNotInProgress", err)
	}
	if got := db.status(id); got != string(StatusCompleted) {
		t.Errorf("status = %q, want first terminal status to stick", got)
	}
}

func TestPostgresStore_CompleteUnknownID(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(newMockDB())
	err := s.Complete(context.Background(), "missing", Completion{Status: StatusCompleted})
	if !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("err = %v, want ErrNotInProgress", err)
	}
}

func TestPostgresStore_CompleteRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	db := newMockDB()
	s := NewPostgresStore(db)
	for _, st := range []Status{"", StatusInProgress} {
		if err := s.Complete(context.Background(), "id", Completion{Status: st}); err == nil {
			t.Errorf("Complete(status=%q): expected error", st)
		}
	}
	if len(db.execs) != 0 {
		t.Errorf("expected no queries, got %d", len(db.execs))
	}
}

func TestPostgresStore_CreateError(t *testing.T) {
	t.Parallel()

	db := newMockDB()
	db.execErr = errors.New("connection refused")
	s := NewPostgresStore(db)

	id, err := s.Create(context.Background(), NewCall{CallSID: "CA1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}
	if !strings.Contains(err.Error(), "CA1") {
		t.Errorf("error %q should name the call", err)
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	db := newMockDB()
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0].sql != Schema {
		t.Errorf("Migrate should execute Schema once, got %d execs", len(db.execs))
	}
}
