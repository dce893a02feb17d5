// Package invitations implements Invitations (spec.md §4.7): email-keyed
// pending role grants and a resource-type-agnostic accept pipeline. It
// follows the teacher's pkg/services shape (validate, transactional write,
// emit event) built over pkg/store instead of the generated ent client.
package invitations

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oaeproject/activity-core/pkg/apperrors"
	"github.com/oaeproject/activity-core/pkg/emitter"
	"github.com/oaeproject/activity-core/pkg/store"
)

// EventInvitationCreated and EventAcceptedInvitation are the emitter event
// names fired by this package.
const (
	EventInvitationCreated  = "activity.invitation_created"
	EventAcceptedInvitation = "activity.accepted_invitation"
)

// RoleRanker orders a resourceType's roles so Invite can decide whether a
// new invitation role upgrades an existing one. Higher rank wins. This is
// domain-specific (each resource type defines its own role hierarchy), so
// it is consumed rather than implemented here.
type RoleRanker interface {
	Rank(resourceType, role string) int
}

// MemberChangeInfo describes the member-role change that would result from
// accepting one invitation.
type MemberChangeInfo struct {
	ResourceID   string
	ResourceType string
	PrincipalID  string
	NewRole      string
}

// MemberUpdater is the resource-type's member-update contract (spec §4.7:
// "computes member change via the resource-type's member-update contract").
// Plan must not mutate state — it only validates and computes the resulting
// change, so Accept can gather every resource's plan before committing any
// of them, satisfying the "no role is granted on partial failure" invariant
// (spec §8). Apply commits a batch of already-planned changes in one
// transaction.
type MemberUpdater interface {
	Plan(ctx context.Context, resourceID, resourceType, principalID, role string) (MemberChangeInfo, error)
	Apply(ctx context.Context, changes []MemberChangeInfo) error
}

// InvitationCreatedEvent is the payload emitted by Invite.
type InvitationCreatedEvent struct {
	ResourceID   string
	ResourceType string
	Email        string
	Role         string
	InviterID    string
	Token        string
}

// AcceptedInvitationEvent is the payload emitted by Accept, consumed by
// each resource type's listener to update its own member library and post
// a dedicated invitation-accept activity in place of the generic
// share/add-to-library activity.
type AcceptedInvitationEvent struct {
	InvitationHashes            []string
	MemberChangeInfosByResource map[string]MemberChangeInfo
	InviterUsersByID            map[string]struct{}
}

// Invitations implements invite/accept.
type Invitations struct {
	store    *store.Store
	emitter  *emitter.Emitter
	ranker   RoleRanker
	updater  MemberUpdater
	newToken func() string
}

// New constructs an Invitations service.
func New(s *store.Store, em *emitter.Emitter, ranker RoleRanker, updater MemberUpdater) *Invitations {
	return &Invitations{
		store:    s,
		emitter:  em,
		ranker:   ranker,
		updater:  updater,
		newToken: func() string { return uuid.New().String() },
	}
}

// Invite upserts a pending invitation keyed by (email, resourceId). A
// second invite for the same key only replaces the first if its role
// outranks the existing one (spec §4.7's idempotent upgrade).
func (inv *Invitations) Invite(ctx context.Context, resourceID, resourceType, email, role, inviterUserID string, now int64) error {
	if email == "" {
		return apperrors.NewValidationError("email", "required")
	}
	if role == "" {
		return apperrors.NewValidationError("role", "required")
	}

	token := inv.newToken()
	existing, err := inv.store.GetInvitation(ctx, email, resourceID)
	switch {
	case apperrors.IsNotFound(err):
		// first invitation for this key, proceed with a fresh token
	case err != nil:
		return fmt.Errorf("failed to look up existing invitation: %w", err)
	default:
		if inv.ranker.Rank(resourceType, role) <= inv.ranker.Rank(existing.ResourceType, existing.Role) {
			// Not an upgrade: leave the existing invitation (and its
			// already-distributed token) untouched.
			return nil
		}
		token = existing.Token
	}

	if err := inv.store.UpsertInvitation(ctx, store.InvitationRow{
		Email:        email,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Role:         role,
		InviterID:    inviterUserID,
		Token:        token,
		Created:      now,
	}); err != nil {
		return fmt.Errorf("failed to upsert invitation: %w", err)
	}

	inv.emitter.Emit(ctx, EventInvitationCreated, InvitationCreatedEvent{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		Email:        email,
		Role:         role,
		InviterID:    inviterUserID,
		Token:        token,
	})
	return nil
}

// Accept resolves token to its invitations and applies every resource's
// member-role update atomically: every change is planned before any is
// applied, so a single resource's failure aborts the whole accept without
// granting any role (spec §8's accept-atomicity invariant).
func (inv *Invitations) Accept(ctx context.Context, token, principalID string) error {
	rows, err := inv.store.ListInvitationsByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to resolve invitation token: %w", err)
	}
	if len(rows) == 0 {
		return apperrors.ErrNotFound
	}

	plans := make([]MemberChangeInfo, 0, len(rows))
	for _, row := range rows {
		plan, err := inv.updater.Plan(ctx, row.ResourceID, row.ResourceType, principalID, row.Role)
		if err != nil {
			return fmt.Errorf("failed to plan member change for resource %q: %w", row.ResourceID, err)
		}
		plans = append(plans, plan)
	}

	if err := inv.updater.Apply(ctx, plans); err != nil {
		return fmt.Errorf("failed to apply member changes: %w", err)
	}

	keys := make([]store.InvitationKey, 0, len(rows))
	hashes := make([]string, 0, len(rows))
	infosByResource := make(map[string]MemberChangeInfo, len(plans))
	invitersByID := make(map[string]struct{})
	for i, row := range rows {
		keys = append(keys, store.InvitationKey{Email: row.Email, ResourceID: row.ResourceID})
		hashes = append(hashes, invitationHash(row.Email, row.ResourceID))
		infosByResource[row.ResourceID] = plans[i]
		invitersByID[row.InviterID] = struct{}{}
	}

	if err := inv.store.DeleteInvitations(ctx, keys); err != nil {
		return fmt.Errorf("failed to delete accepted invitations: %w", err)
	}

	inv.emitter.Emit(ctx, EventAcceptedInvitation, AcceptedInvitationEvent{
		InvitationHashes:            hashes,
		MemberChangeInfosByResource: infosByResource,
		InviterUsersByID:            invitersByID,
	})
	return nil
}

func invitationHash(email, resourceID string) string {
	return email + "#" + resourceID
}
