// Package postgres persists pending sessions and finished session records in
// PostgreSQL.
//
// The schema is managed with goose; migrations are embedded in the binary and
// applied by [Open]. The same migrations create the document_chunks table
// read by the docctx package.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/tutorvox/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the database interface used by [Store]. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ store.PendingStore = (*Store)(nil)
	_ store.Recorder     = (*Store)(nil)
)

// Store implements [store.PendingStore] and [store.Recorder].
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New wraps an existing connection. The caller is responsible for the schema.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, pings the server and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool, pool: pool}, nil
}

// Pool returns the underlying pool, or nil when the Store was built with New.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool if Open created it.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres store: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres store: goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	for _, r := range results {
		slog.Info("postgres store: applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

const pendingColumns = `session_id, token_hash, user_id, student_id, language, age_group,
	context_document_ids, created_at, expires_at, consumed_at`

// Create implements [store.PendingStore.Create].
func (s *Store) Create(ctx context.Context, p store.PendingSession) error {
	docs, err := json.Marshal(emptySlice(p.ContextDocumentIDs))
	if err != nil {
		return fmt.Errorf("postgres store: marshal document ids: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	const query = `
		INSERT INTO pending_sessions (` + pendingColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL)`
	_, err = s.db.Exec(ctx, query,
		p.SessionID, p.TokenHash, p.UserID, p.StudentID, p.Language, p.AgeGroup,
		docs, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("postgres store: create pending %q: %w", p.SessionID, err)
	}
	return nil
}

// Get implements [store.PendingStore.Get].
func (s *Store) Get(ctx context.Context, sessionID string) (store.PendingSession, error) {
	const query = `SELECT ` + pendingColumns + ` FROM pending_sessions WHERE session_id = $1`
	p, err := scanPending(s.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PendingSession{}, store.ErrNotFound
		}
		return store.PendingSession{}, fmt.Errorf("postgres store: get pending %q: %w", sessionID, err)
	}
	return p, nil
}

// Consume implements [store.PendingStore.Consume]. The conditional UPDATE
// makes the claim atomic across relay instances.
func (s *Store) Consume(ctx context.Context, sessionID string, now time.Time) (store.PendingSession, error) {
	const query = `
		UPDATE pending_sessions SET consumed_at = $2
		WHERE session_id = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING ` + pendingColumns
	p, err := scanPending(s.db.QueryRow(ctx, query, sessionID, now))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.PendingSession{}, fmt.Errorf("postgres store: consume %q: %w", sessionID, err)
	}

	// Nothing updated: report why.
	existing, err := s.Get(ctx, sessionID)
	if err != nil {
		return store.PendingSession{}, err
	}
	if err := existing.Usable(now); err != nil {
		return store.PendingSession{}, err
	}
	return store.PendingSession{}, store.ErrConsumed
}

// RecordSession implements [store.Recorder.RecordSession]. The session row
// and its turns are written in one transaction.
func (s *Store) RecordSession(ctx context.Context, rec store.SessionRecord) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		const insertSession = `
			INSERT INTO sessions (
				session_id, user_id, student_id, language, age_group, voice,
				status, end_reason, started_at, ended_at, minutes_used
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (session_id) DO UPDATE SET
				status = EXCLUDED.status, end_reason = EXCLUDED.end_reason,
				ended_at = EXCLUDED.ended_at, minutes_used = EXCLUDED.minutes_used`
		if _, err := tx.Exec(ctx, insertSession,
			rec.SessionID, rec.UserID, rec.StudentID, rec.Language, rec.AgeGroup, rec.Voice,
			rec.Status, rec.EndReason, rec.StartedAt, rec.EndedAt, rec.MinutesUsed,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if len(rec.Turns) == 0 {
			return nil
		}

		const insertTurn = `
			INSERT INTO session_turns (session_id, seq, role, text, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (session_id, seq) DO NOTHING`
		batch := &pgx.Batch{}
		for i, t := range rec.Turns {
			batch.Queue(insertTurn, rec.SessionID, i, t.Role, t.Text, t.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: record session %q: %w", rec.SessionID, err)
	}
	return nil
}

func scanPending(row pgx.Row) (store.PendingSession, error) {
	var p store.PendingSession
	var docs []byte
	if err := row.Scan(
		&p.SessionID, &p.TokenHash, &p.UserID, &p.StudentID, &p.Language, &p.AgeGroup,
		&docs, &p.CreatedAt, &p.ExpiresAt, &p.ConsumedAt,
	); err != nil {
		return store.PendingSession{}, err
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &p.ContextDocumentIDs); err != nil {
			return store.PendingSession{}, fmt.Errorf("unmarshal document ids: %w", err)
		}
	}
	return p, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
