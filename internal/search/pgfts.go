package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks active posts with plainto_tsquery and ts_rank, using ts_headline
// for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Hit, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = q.normalized()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM posts
		WHERE status = 'active' AND fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title,
			ts_headline('english', body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			ts_rank(fts, plainto_tsquery('english', $1)) AS rank
		FROM posts
		WHERE status = 'active' AND fts @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.PostID, &h.Title, &h.Snippet, &h.Rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, total, rows.Err()
}

// LoadAllRecords returns all active posts for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, body, author_id, status
		FROM posts
		WHERE status = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	records := make([]PostRecord, 0)
	for rows.Next() {
		var r PostRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Body, &r.AuthorID, &r.Status); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return records, nil
}
