package store

import (
	"context"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityEntry) error {
	details := entry.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, user_id, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, string(details))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest entries first.
func (s *PostgresStore) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, COALESCE(u.display_name, ''), a.action, a.entity_type, a.entity_id,
			a.details::text, a.created_at
		FROM activity_log a
		LEFT JOIN users u ON u.id = a.user_id
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var entry ActivityEntry
		var details string
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.UserName,
			&entry.Action,
			&entry.EntityType,
			&entry.EntityID,
			&details,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry.Details = json.RawMessage(details)
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}
