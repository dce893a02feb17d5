package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// MessageRow is the persisted row shape for a single message. Rows are
// returned unscrubbed; the messagebox listing's materialize applies the
// deleted-message scrub.
type MessageRow struct {
	ID           string
	MessageBoxID string
	ThreadKey    string
	Created      int64
	CreatedBy    string
	Body         string
	Level        int
	ReplyTo      *int64
	Deleted      *int64
}

// InsertMessage inserts a new message row. Callers are responsible for
// resolving created-timestamp collisions before calling this (see the
// locking package's unique-timestamp lock).
func (s *Store) InsertMessage(ctx context.Context, m MessageRow) error {
	builder := entsql.Dialect(dialectName).
		Insert("messages").
		Columns("id", "message_box_id", "thread_key", "created", "created_by", "body", "level", "reply_to").
		Values(m.ID, m.MessageBoxID, m.ThreadKey, m.Created, m.CreatedBy, m.Body, m.Level, m.ReplyTo)
	query, args := builder.Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// InsertThreadKeyIndexEntry inserts the pagination index row for a message.
func (s *Store) InsertThreadKeyIndexEntry(ctx context.Context, boxID, threadKey string, created int64) error {
	query, args := entsql.Dialect(dialectName).
		Insert("message_box_messages").
		Columns("message_box_id", "thread_key", "created").
		Values(boxID, threadKey, created).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert thread key index entry: %w", err)
	}
	return nil
}

// GetMessageByCreated loads a single message by its box id and created
// timestamp, used to validate a replyToCreated reference.
func (s *Store) GetMessageByCreated(ctx context.Context, boxID string, created int64) (*MessageRow, error) {
	query, args := entsql.Dialect(dialectName).
		Select("id", "message_box_id", "thread_key", "created", "created_by", "body", "level", "reply_to", "deleted").
		From(entsql.Table("messages")).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.EQ("created", created))).
		Query()

	row := s.db.QueryRowContext(ctx, query, args...)
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListThreadKeysReversed returns up to limit (thread_key, created) pairs
// in reverse lexicographic order starting at startThreadKey (exclusive), the
// order that yields most-recent-root-first traversal (spec §3). Callers that
// page ask for one row more than the page size to learn whether another
// page exists.
func (s *Store) ListThreadKeysReversed(ctx context.Context, boxID, startThreadKey string, limit int) ([]ThreadKeyEntry, error) {
	sel := entsql.Dialect(dialectName).
		Select("thread_key", "created").
		From(entsql.Table("message_box_messages")).
		Where(entsql.EQ("message_box_id", boxID))
	if startThreadKey != "" {
		sel = sel.Where(entsql.LT("thread_key", startThreadKey))
	}
	query, args := sel.OrderBy(entsql.Desc("thread_key")).Limit(limit).Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread keys: %w", err)
	}
	defer rows.Close()

	var out []ThreadKeyEntry
	for rows.Next() {
		var e ThreadKeyEntry
		if err := rows.Scan(&e.ThreadKey, &e.Created); err != nil {
			return nil, fmt.Errorf("failed to scan thread key row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ThreadKeyEntry is one row of the thread-key pagination index.
type ThreadKeyEntry struct {
	ThreadKey string
	Created   int64
}

// GetMessagesByCreated batches-loads message rows for the given created
// timestamps within boxID, preserving no particular order — callers
// re-sort by the thread-key page they already computed.
func (s *Store) GetMessagesByCreated(ctx context.Context, boxID string, createds []int64) (map[int64]*MessageRow, error) {
	if len(createds) == 0 {
		return map[int64]*MessageRow{}, nil
	}
	in := make([]any, len(createds))
	for i, c := range createds {
		in[i] = c
	}
	query, args := entsql.Dialect(dialectName).
		Select("id", "message_box_id", "thread_key", "created", "created_by", "body", "level", "reply_to", "deleted").
		From(entsql.Table("messages")).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.In("created", in...))).
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get messages: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*MessageRow, len(createds))
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out[m.Created] = m
	}
	return out, rows.Err()
}

// SoftDeleteMessage stamps the deleted timestamp on a message without
// removing it from the thread-key index.
func (s *Store) SoftDeleteMessage(ctx context.Context, boxID string, created, deletedAt int64) error {
	query, args := entsql.Dialect(dialectName).
		Update("messages").
		Set("deleted", deletedAt).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.EQ("created", created))).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to soft delete message: %w", err)
	}
	return nil
}

// HardDeleteMessage inserts the tombstone row, removes the thread-key index
// entry, then stamps the deleted timestamp on the message row itself (the
// body is retained for recovery but the message becomes invisible via the
// missing index entry — see spec §4.2's hard-delete contract).
func (s *Store) HardDeleteMessage(ctx context.Context, boxID, threadKey string, created, deletedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hard delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insQuery, insArgs := entsql.Dialect(dialectName).
		Insert("message_box_messages_deleted").
		Columns("message_box_id", "created_timestamp", "thread_key", "deleted_at").
		Values(boxID, created, threadKey, deletedAt).
		Query()
	if _, err := tx.ExecContext(ctx, insQuery, insArgs...); err != nil {
		return fmt.Errorf("failed to insert delete tombstone: %w", err)
	}

	delQuery, delArgs := entsql.Dialect(dialectName).
		Delete("message_box_messages").
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.EQ("thread_key", threadKey))).
		Query()
	if _, err := tx.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return fmt.Errorf("failed to delete thread key index entry: %w", err)
	}

	updQuery, updArgs := entsql.Dialect(dialectName).
		Update("messages").
		Set("deleted", deletedAt).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.EQ("created", created))).
		Query()
	if _, err := tx.ExecContext(ctx, updQuery, updArgs...); err != nil {
		return fmt.Errorf("failed to soft delete hard-deleted message row: %w", err)
	}

	return tx.Commit()
}

// FindPrecedingThreadKey returns the largest thread key below threadKey
// within boxID (the key immediately preceding it in lexicographic order,
// which is the row right after it in the reversed listing), used by the
// leaf-delete decision (spec §4.2). A child's thread key always
// sorts before its parent's (the parent's key ends in "|"; a child inserts
// "#" at the same offset, and "#" < "|"), so the nearest descendant, if any,
// is always the nearest preceding key, never a following one. Matches the
// reversed-order reads `ListThreadKeysReversed` and
// idx_message_box_messages_reverse already use. Returns ("",
// apperrors.ErrNotFound) when no key in the box sorts below threadKey.
func (s *Store) FindPrecedingThreadKey(ctx context.Context, boxID, threadKey string) (string, error) {
	query, args := entsql.Dialect(dialectName).
		Select("thread_key").
		From(entsql.Table("message_box_messages")).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.LT("thread_key", threadKey))).
		OrderBy(entsql.Desc("thread_key")).
		Limit(1).
		Query()

	var preceding string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&preceding)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find preceding thread key: %w", err)
	}
	return preceding, nil
}

// UpdateMessageBody updates only the body column, leaving threadKey and
// created intact.
func (s *Store) UpdateMessageBody(ctx context.Context, boxID string, created int64, body string) error {
	query, args := entsql.Dialect(dialectName).
		Update("messages").
		Set("body", body).
		Where(entsql.And(entsql.EQ("message_box_id", boxID), entsql.EQ("created", created))).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update message body: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*MessageRow, error) {
	var m MessageRow
	if err := row.Scan(&m.ID, &m.MessageBoxID, &m.ThreadKey, &m.Created, &m.CreatedBy, &m.Body, &m.Level, &m.ReplyTo, &m.Deleted); err != nil {
		return nil, err
	}
	return &m, nil
}
