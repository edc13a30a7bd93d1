package docctx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ Resolver = (*Postgres)(nil)

// Postgres reads chunks from the document_chunks table created by the store
// migrations.
type Postgres struct {
	db    Querier
	limit int
}

// NewPostgres returns a resolver returning at most limit chunks per call.
// limit <= 0 means 20.
func NewPostgres(db Querier, limit int) *Postgres {
	if limit <= 0 {
		limit = 20
	}
	return &Postgres{db: db, limit: limit}
}

// Resolve implements [Resolver].
func (p *Postgres) Resolve(ctx context.Context, documentIDs []string) ([]Chunk, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT document_id, chunk_index, rank, content
		FROM document_chunks
		WHERE document_id = ANY($1)
		ORDER BY rank DESC, document_id, chunk_index
		LIMIT $2`
	rows, err := p.db.Query(ctx, query, documentIDs, p.limit)
	if err != nil {
		return nil, fmt.Errorf("docctx: query chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var c Chunk
		var rank float32
		err := row.Scan(&c.DocumentID, &c.Index, &rank, &c.Text)
		c.Rank = float64(rank)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("docctx: scan chunks: %w", err)
	}
	return chunks, nil
}
