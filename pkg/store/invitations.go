package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// InvitationRow is the persisted pending-invitation record.
type InvitationRow struct {
	Email        string
	ResourceID   string
	ResourceType string
	Role         string
	InviterID    string
	Token        string
	Created      int64
}

// UpsertInvitation inserts a new invitation or, if one already exists for
// (email, resourceId), overwrites it — the idempotent role-upgrade path in
// spec §4.7 decides beforehand whether the new role actually outranks the
// existing one and only calls this when it does.
func (s *Store) UpsertInvitation(ctx context.Context, inv InvitationRow) error {
	query, args := entsql.Dialect(dialectName).
		Insert("invitations").
		Columns("email", "resource_id", "resource_type", "role", "inviter_user_id", "token", "created").
		Values(inv.Email, inv.ResourceID, inv.ResourceType, inv.Role, inv.InviterID, inv.Token, inv.Created).
		OnConflict(
			entsql.ConflictColumns("email", "resource_id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert invitation: %w", err)
	}
	return nil
}

// GetInvitation loads a single pending invitation by its natural key.
func (s *Store) GetInvitation(ctx context.Context, email, resourceID string) (*InvitationRow, error) {
	query, args := entsql.Dialect(dialectName).
		Select("email", "resource_id", "resource_type", "role", "inviter_user_id", "token", "created").
		From(entsql.Table("invitations")).
		Where(entsql.And(entsql.EQ("email", email), entsql.EQ("resource_id", resourceID))).
		Query()

	row := s.db.QueryRowContext(ctx, query, args...)
	inv, err := scanInvitationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

// ListInvitationsByToken resolves every pending invitation sharing a token —
// one principal may be invited to several resources by the same invite
// email, all stamped with the same token at send time.
func (s *Store) ListInvitationsByToken(ctx context.Context, token string) ([]InvitationRow, error) {
	query, args := entsql.Dialect(dialectName).
		Select("email", "resource_id", "resource_type", "role", "inviter_user_id", "token", "created").
		From(entsql.Table("invitations")).
		Where(entsql.EQ("token", token)).
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations by token: %w", err)
	}
	defer rows.Close()

	var out []InvitationRow
	for rows.Next() {
		inv, err := scanInvitationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation row: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// DeleteInvitations removes the given (email, resourceId) pairs within a
// single transaction — Invitation accept is all-or-nothing (spec §4.7,
// §8 invitation accept atomicity), so this must be called only after every
// resource's member-role update has already succeeded.
func (s *Store) DeleteInvitations(ctx context.Context, keys []InvitationKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete invitations transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		query, args := entsql.Dialect(dialectName).
			Delete("invitations").
			Where(entsql.And(entsql.EQ("email", k.Email), entsql.EQ("resource_id", k.ResourceID))).
			Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete invitation %s/%s: %w", k.Email, k.ResourceID, err)
		}
	}

	return tx.Commit()
}

// InvitationKey identifies one pending invitation.
type InvitationKey struct {
	Email      string
	ResourceID string
}

func scanInvitationRow(row rowScanner) (*InvitationRow, error) {
	var inv InvitationRow
	if err := row.Scan(&inv.Email, &inv.ResourceID, &inv.ResourceType, &inv.Role, &inv.InviterID, &inv.Token, &inv.Created); err != nil {
		return nil, err
	}
	return &inv, nil
}
