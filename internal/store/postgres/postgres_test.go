package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/tutorvox/internal/store"
)

// mockRow implements pgx.Row.
type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d values, %d destinations", len(r.values), len(dest))
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				tv := v.(time.Time)
				*d = &tv
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

type call struct {
	sql  string
	args []any
}

// mockDB implements DB. Rows are served in order from rows.
type mockDB struct {
	rows    []*mockRow
	execErr error
	calls   []call
}

func (m *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.calls = append(m.calls, call{sql, args})
	if len(m.rows) == 0 {
		return &mockRow{err: pgx.ErrNoRows}
	}
	r := m.rows[0]
	m.rows = m.rows[1:]
	return r
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.calls = append(m.calls, call{sql, args})
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

var (
	created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	expires = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func pendingRow(consumed any) *mockRow {
	return &mockRow{values: []any{
		"s1", "hash", "u1", "st1", "es", "teen",
		[]byte(`["doc-a","doc-b"]`), created, expires, consumed,
	}}
}

func TestGet_MapsColumns(t *testing.T) {
	t.Parallel()

	db := &mockDB{rows: []*mockRow{pendingRow(nil)}}
	p, err := New(db).Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.UserID != "u1" || p.Language != "es" || p.AgeGroup != "teen" || p.ConsumedAt != nil {
		t.Errorf("unexpected record %+v", p)
	}
	if len(p.ContextDocumentIDs) != 2 || p.ContextDocumentIDs[1] != "doc-b" {
		t.Errorf("document ids = %v", p.ContextDocumentIDs)
	}
	if !p.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v", p.ExpiresAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	_, err := New(&mockDB{}).Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestConsume(t *testing.T) {
	t.Parallel()

	now := created.Add(10 * time.Minute)
	tests := []struct {
		name    string
		rows    []*mockRow
		now     time.Time
		wantErr error
	}{
		{name: "claims", rows: []*mockRow{pendingRow(now)}, now: now},
		{name: "missing", rows: nil, now: now, wantErr: store.ErrNotFound},
		{name: "replayed", rows: []*mockRow{{err: pgx.ErrNoRows}, pendingRow(created)}, now: now, wantErr: store.ErrConsumed},
		{name: "expired", rows: []*mockRow{{err: pgx.ErrNoRows}, pendingRow(nil)}, now: expires.Add(time.Second), wantErr: store.ErrExpired},
		{name: "lost race", rows: []*mockRow{{err: pgx.ErrNoRows}, pendingRow(nil)}, now: now, wantErr: store.ErrConsumed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{rows: tc.rows}
			p, err := New(db).Consume(context.Background(), "s1", tc.now)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Consume = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && (p.ConsumedAt == nil || !p.ConsumedAt.Equal(tc.now)) {
				t.Errorf("ConsumedAt = %v", p.ConsumedAt)
			}
			if !strings.Contains(db.calls[0].sql, "consumed_at IS NULL") {
				t.Errorf("consume is not conditional: %s", db.calls[0].sql)
			}
		})
	}
}

func TestCreate_Duplicate(t *testing.T) {
	t.Parallel()

	db := &mockDB{execErr: &pgconn.PgError{Code: "23505"}}
	err := New(db).Create(context.Background(), store.PendingSession{SessionID: "s1", ExpiresAt: expires})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("Create = %v, want ErrDuplicate", err)
	}
}

func TestCreate_EncodesNilDocumentIDsAsEmptyArray(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := New(db).Create(context.Background(), store.PendingSession{SessionID: "s1", ExpiresAt: expires}); err != nil {
		t.Fatal(err)
	}
	if got := string(db.calls[0].args[6].([]byte)); got != "[]" {
		t.Errorf("document ids = %s, want []", got)
	}
}

// TestIntegration runs against a real database when TUTORVOX_TEST_POSTGRES_DSN is set.
func TestIntegration(t *testing.T) {
	dsn := os.Getenv("TUTORVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUTORVOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration test")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)

	id := fmt.Sprintf("it-%d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.Create(ctx, store.PendingSession{
		SessionID: id, TokenHash: store.HashToken("tok"), UserID: "u-it",
		ContextDocumentIDs: []string{"d1"}, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Consume(ctx, id, now); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := s.Consume(ctx, id, now); !errors.Is(err, store.ErrConsumed) {
		t.Fatalf("second Consume = %v, want ErrConsumed", err)
	}

	rec := store.SessionRecord{
		SessionID: id, UserID: "u-it", Status: "ended", StartedAt: now, EndedAt: now.Add(125 * time.Second),
		MinutesUsed: 3,
		Turns: []store.Turn{
			{Role: "user", Text: "hola", Timestamp: now},
			{Role: "assistant", Text: "¡Hola!", Timestamp: now.Add(time.Second)},
		},
	}
	if err := s.RecordSession(ctx, rec); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	var n int
	if err := s.Pool().QueryRow(ctx, `SELECT count(*) FROM session_turns WHERE session_id = $1`, id).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("turns = %d, want 2", n)
	}
}
