package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const replySelect = `
	SELECT r.id, r.post_id, r.author_id, COALESCE(u.display_name, ''), COALESCE(u.role, ''),
		r.body, r.created_at, r.updated_at
	FROM replies r
	LEFT JOIN users u ON u.id = r.author_id`

func scanReply(row interface{ Scan(...any) error }) (Reply, error) {
	var reply Reply
	err := row.Scan(
		&reply.ID,
		&reply.PostID,
		&reply.AuthorID,
		&reply.AuthorName,
		&reply.AuthorRole,
		&reply.Body,
		&reply.CreatedAt,
		&reply.UpdatedAt,
	)
	return reply, err
}

// InsertReply locks the parent post, checks it is active and below limit
// replies, and inserts in the same transaction. It returns sql.ErrNoRows for a
// missing or deleted post and ErrReplyLimit when the cap is reached.
func (s *PostgresStore) InsertReply(ctx context.Context, reply Reply, limit int) (Reply, error) {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM posts WHERE id=$1 FOR UPDATE`, reply.PostID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock post: %w", err)
		}
		if status != PostStatusActive {
			return sql.ErrNoRows
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies WHERE post_id=$1`, reply.PostID).Scan(&count); err != nil {
			return fmt.Errorf("count replies: %w", err)
		}
		if count >= limit {
			return ErrReplyLimit
		}

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO replies (id, post_id, author_id, body)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, updated_at
		`, reply.ID, reply.PostID, reply.AuthorID, reply.Body).Scan(&reply.CreatedAt, &reply.UpdatedAt); err != nil {
			return fmt.Errorf("insert reply: %w", err)
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// ListReplies returns the thread oldest first.
func (s *PostgresStore) ListReplies(ctx context.Context, postID string) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, replySelect+`
		WHERE r.post_id=$1
		ORDER BY r.created_at ASC, r.id ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]Reply, 0)
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

// ListRepliesForPosts batch-loads threads keyed by post id, each oldest first.
func (s *PostgresStore) ListRepliesForPosts(ctx context.Context, postIDs []string) (map[string][]Reply, error) {
	out := make(map[string][]Reply, len(postIDs))
	if len(postIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, replySelect+`
		WHERE r.post_id = ANY($1)
		ORDER BY r.post_id, r.created_at ASC, r.id ASC
	`, postIDs)
	if err != nil {
		return nil, fmt.Errorf("batch list replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		out[reply.PostID] = append(out[reply.PostID], reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return out, nil
}
