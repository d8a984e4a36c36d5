package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const postSelect = `
	SELECT p.id, p.title, p.body, p.author_id, COALESCE(u.display_name, ''), COALESCE(u.role, ''),
		p.visibility, p.status, p.created_at, p.updated_at
	FROM posts p
	LEFT JOIN users u ON u.id = p.author_id`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var post Post
	err := row.Scan(
		&post.ID,
		&post.Title,
		&post.Body,
		&post.AuthorID,
		&post.AuthorName,
		&post.AuthorRole,
		&post.Visibility,
		&post.Status,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
	return post, err
}

// InsertPost writes the post row and its grants in one transaction.
func (s *PostgresStore) InsertPost(ctx context.Context, post Post, roles, userIDs []string) (Post, error) {
	status := post.Status
	if status == "" {
		status = PostStatusActive
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO posts (id, title, body, author_id, visibility, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`, post.ID, post.Title, post.Body, post.AuthorID, post.Visibility, status).Scan(&post.CreatedAt, &post.UpdatedAt); err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		return insertGrants(ctx, tx, post.ID, roles, userIDs)
	})
	if err != nil {
		return Post{}, err
	}
	post.Status = status
	return post, nil
}

// UpdatePost rewrites the row and replaces the whole grant set under a row lock.
// It returns sql.ErrNoRows when the post does not exist or is no longer active.
func (s *PostgresStore) UpdatePost(ctx context.Context, post Post, roles, userIDs []string) (Post, error) {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM posts WHERE id=$1 FOR UPDATE`, post.ID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock post: %w", err)
		}
		if status != PostStatusActive {
			return sql.ErrNoRows
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE posts
			SET title=$2, body=$3, visibility=$4, updated_at=NOW()
			WHERE id=$1
			RETURNING author_id, status, created_at, updated_at
		`, post.ID, post.Title, post.Body, post.Visibility).Scan(&post.AuthorID, &post.Status, &post.CreatedAt, &post.UpdatedAt); err != nil {
			return fmt.Errorf("update post: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_role_grants WHERE post_id=$1`, post.ID); err != nil {
			return fmt.Errorf("clear role grants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_user_grants WHERE post_id=$1`, post.ID); err != nil {
			return fmt.Errorf("clear user grants: %w", err)
		}
		return insertGrants(ctx, tx, post.ID, roles, userIDs)
	})
	if err != nil {
		return Post{}, err
	}
	return post, nil
}

func insertGrants(ctx context.Context, tx *sql.Tx, postID string, roles, userIDs []string) error {
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO post_role_grants (post_id, role) VALUES ($1, $2)`, postID, role); err != nil {
			return fmt.Errorf("insert role grant %q: %w", role, err)
		}
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO post_user_grants (post_id, user_id) VALUES ($1, $2)`, postID, userID); err != nil {
			if hasSQLState(err, pgForeignKeyViolation) {
				return fmt.Errorf("%w: %s", ErrUnknownGrantee, userID)
			}
			return fmt.Errorf("insert user grant %q: %w", userID, err)
		}
	}
	return nil
}

// SoftDeletePost flips the status only; grants and replies stay in place.
func (s *PostgresStore) SoftDeletePost(ctx context.Context, postID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status=$2, updated_at=NOW() WHERE id=$1
	`, postID, PostStatusDeleted)
	if err != nil {
		return fmt.Errorf("soft delete post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete post rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetPost returns the post whatever its status.
func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, postSelect+` WHERE p.id=$1`, postID))
}

// ListActivePosts returns active posts newest first.
func (s *PostgresStore) ListActivePosts(ctx context.Context) ([]Post, error) {
	return s.queryPosts(ctx, postSelect+`
		WHERE p.status='active'
		ORDER BY p.created_at DESC, p.id DESC
	`)
}

// ListActivePostsByIDs returns the active subset of ids, newest first.
func (s *PostgresStore) ListActivePostsByIDs(ctx context.Context, postIDs []string) ([]Post, error) {
	if len(postIDs) == 0 {
		return []Post{}, nil
	}
	return s.queryPosts(ctx, postSelect+`
		WHERE p.status='active' AND p.id = ANY($1)
		ORDER BY p.created_at DESC, p.id DESC
	`, postIDs)
}

func (s *PostgresStore) queryPosts(ctx context.Context, query string, args ...any) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

// ListGrants batch-loads grant sets keyed by post id. Posts without grants are absent.
func (s *PostgresStore) ListGrants(ctx context.Context, postIDs []string) (map[string]Grants, error) {
	out := make(map[string]Grants, len(postIDs))
	if len(postIDs) == 0 {
		return out, nil
	}

	roleRows, err := s.db.QueryContext(ctx, `
		SELECT post_id, role FROM post_role_grants
		WHERE post_id = ANY($1)
		ORDER BY post_id, role
	`, postIDs)
	if err != nil {
		return nil, fmt.Errorf("list role grants: %w", err)
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var postID, role string
		if err := roleRows.Scan(&postID, &role); err != nil {
			return nil, fmt.Errorf("scan role grant: %w", err)
		}
		grants := out[postID]
		grants.Roles = append(grants.Roles, role)
		out[postID] = grants
	}
	if err := roleRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role grants: %w", err)
	}

	userRows, err := s.db.QueryContext(ctx, `
		SELECT g.post_id, g.user_id, COALESCE(u.display_name, ''), COALESCE(u.role, '')
		FROM post_user_grants g
		LEFT JOIN users u ON u.id = g.user_id
		WHERE g.post_id = ANY($1)
		ORDER BY g.post_id, u.display_name, g.user_id
	`, postIDs)
	if err != nil {
		return nil, fmt.Errorf("list user grants: %w", err)
	}
	defer userRows.Close()
	for userRows.Next() {
		var postID string
		var user GrantUser
		if err := userRows.Scan(&postID, &user.ID, &user.Name, &user.Role); err != nil {
			return nil, fmt.Errorf("scan user grant: %w", err)
		}
		grants := out[postID]
		grants.Users = append(grants.Users, user)
		out[postID] = grants
	}
	if err := userRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user grants: %w", err)
	}
	return out, nil
}
