package store

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"
)

// UpsertRecentContribution records (or refreshes) a principal's most recent
// contribution to a message box, resetting its 30-day TTL. Per spec §9's
// documented open question, a principal's row is never actively purged when
// it is removed from the resource — it simply ages out via expiresAt.
func (s *Store) UpsertRecentContribution(ctx context.Context, boxID, principalID string, contributedAt, expiresAt int64) error {
	query, args := entsql.Dialect(dialectName).
		Insert("message_box_recent_contributions").
		Columns("message_box_id", "contributor_id", "last_contributed", "expires_at").
		Values(boxID, principalID, contributedAt, expiresAt).
		OnConflict(
			entsql.ConflictColumns("message_box_id", "contributor_id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert recent contribution: %w", err)
	}
	return nil
}

// ListRecentContributions returns principal ids ordered by most recent
// contribution first, skipping any row whose TTL has already elapsed.
func (s *Store) ListRecentContributions(ctx context.Context, boxID string, nowMillis int64, limit int) ([]string, error) {
	query, args := entsql.Dialect(dialectName).
		Select("contributor_id").
		From(entsql.Table("message_box_recent_contributions")).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.GT("expires_at", nowMillis))).
		OrderBy(entsql.Desc("last_contributed")).
		Limit(limit).
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent contributions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan contributor id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
