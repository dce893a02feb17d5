package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// AggregateRow is the persisted state of one (recipientId, streamType,
// groupingKey) aggregate — the Aggregator's merge target. Collection holds
// the per-role union of entity ids collapsed into this aggregate, keyed by
// role name ("actor", "object", "target") and JSON-encoded.
type AggregateRow struct {
	RecipientID      string
	StreamType       string
	GroupingKey      string
	ActivityID       string
	FirstPublished   int64
	LastPublished    int64
	NumNewActivities int
	Collection       json.RawMessage
}

// GetAggregate loads the current aggregate for a grouping key, if any.
func (s *Store) GetAggregate(ctx context.Context, recipientID, streamType, groupingKey string) (*AggregateRow, error) {
	query, args := entsql.Dialect(dialectName).
		Select("recipient_id", "stream_type", "grouping_key", "activity_id", "first_published", "last_published", "num_new_activities", "collection").
		From(entsql.Table("activity_aggregates")).
		Where(entsql.And(
			entsql.EQ("recipient_id", recipientID),
			entsql.EQ("stream_type", streamType),
			entsql.EQ("grouping_key", groupingKey),
		)).
		Query()

	var a AggregateRow
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&a.RecipientID, &a.StreamType, &a.GroupingKey, &a.ActivityID,
		&a.FirstPublished, &a.LastPublished, &a.NumNewActivities, &a.Collection,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return &a, nil
}

// UpsertAggregate inserts a new aggregate row or overwrites the existing one
// for the same (recipientId, streamType, groupingKey) key — the Aggregator
// calls this once per merge decision, having already computed the new
// numNewActivities, activityId, and collection (spec §4.5).
func (s *Store) UpsertAggregate(ctx context.Context, a AggregateRow) error {
	collection := a.Collection
	if len(collection) == 0 {
		collection = json.RawMessage("{}")
	}
	query, args := entsql.Dialect(dialectName).
		Insert("activity_aggregates").
		Columns("recipient_id", "stream_type", "grouping_key", "activity_id", "first_published", "last_published", "num_new_activities", "collection").
		Values(a.RecipientID, a.StreamType, a.GroupingKey, a.ActivityID, a.FirstPublished, a.LastPublished, a.NumNewActivities, []byte(collection)).
		OnConflict(
			entsql.ConflictColumns("recipient_id", "stream_type", "grouping_key"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	return nil
}

// ResetAggregate deletes the aggregate row for a recipient's stream after an
// acknowledgment event, so the next matching activity starts a fresh
// aggregate with numNewActivities == 1 (spec §4.5 step 4).
func (s *Store) ResetAggregate(ctx context.Context, recipientID, streamType string) error {
	query, args := entsql.Dialect(dialectName).
		Delete("activity_aggregates").
		Where(entsql.And(entsql.EQ("recipient_id", recipientID), entsql.EQ("stream_type", streamType))).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset aggregate: %w", err)
	}
	return nil
}

// StreamEntryRow is the persisted, fully materialized unit shown to a
// subscriber or listed in a stream.
type StreamEntryRow struct {
	RecipientID      string
	StreamType       string
	Format           string
	ActivityID       string
	ActivityType     string
	Verb             string
	Published        int64
	NumNewActivities int
	Actor            json.RawMessage
	Object           json.RawMessage
	Target           json.RawMessage
	ExpiresAt        int64
}

// PutStreamEntry writes (or overwrites) the materialized stream entry row.
func (s *Store) PutStreamEntry(ctx context.Context, e StreamEntryRow) error {
	query, args := entsql.Dialect(dialectName).
		Insert("stream_entries").
		Columns("recipient_id", "stream_type", "format", "activity_id", "activity_type", "verb",
			"published", "num_new_activities", "actor", "object", "target", "expires_at").
		Values(e.RecipientID, e.StreamType, e.Format, e.ActivityID, e.ActivityType, e.Verb,
			e.Published, e.NumNewActivities, nullableJSON(e.Actor), nullableJSON(e.Object), nullableJSON(e.Target), e.ExpiresAt).
		OnConflict(
			entsql.ConflictColumns("recipient_id", "stream_type", "format", "activity_id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put stream entry: %w", err)
	}
	return nil
}

// ListStreamEntries returns the most recent entries for a recipient's
// stream/format, newest published first.
func (s *Store) ListStreamEntries(ctx context.Context, recipientID, streamType, format string, limit int) ([]StreamEntryRow, error) {
	query, args := entsql.Dialect(dialectName).
		Select("recipient_id", "stream_type", "format", "activity_id", "activity_type", "verb",
			"published", "num_new_activities", "actor", "object", "target", "expires_at").
		From(entsql.Table("stream_entries")).
		Where(entsql.And(
			entsql.EQ("recipient_id", recipientID),
			entsql.EQ("stream_type", streamType),
			entsql.EQ("format", format),
		)).
		OrderBy(entsql.Desc("published")).
		Limit(limit).
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stream entries: %w", err)
	}
	defer rows.Close()

	var out []StreamEntryRow
	for rows.Next() {
		var e StreamEntryRow
		if err := rows.Scan(&e.RecipientID, &e.StreamType, &e.Format, &e.ActivityID, &e.ActivityType, &e.Verb,
			&e.Published, &e.NumNewActivities, &e.Actor, &e.Object, &e.Target, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan stream entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExpiredStreamEntries deletes rows past their TTL. No code in this
// module calls it, and ListStreamEntries does not filter on expires_at.
func (s *Store) PurgeExpiredStreamEntries(ctx context.Context, nowMillis int64) (int64, error) {
	query, args := entsql.Dialect(dialectName).
		Delete("stream_entries").
		Where(entsql.LT("expires_at", nowMillis)).
		Query()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired stream entries: %w", err)
	}
	return res.RowsAffected()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
