package invitations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/apperrors"
	"github.com/oaeproject/activity-core/pkg/emitter"
	"github.com/oaeproject/activity-core/pkg/invitations"
	"github.com/oaeproject/activity-core/pkg/store"
	"github.com/oaeproject/activity-core/pkg/store/storetest"
)

var roleRank = map[string]int{"viewer": 1, "editor": 2, "manager": 3}

type rankByRole struct{}

func (rankByRole) Rank(_, role string) int { return roleRank[role] }

type fakeUpdater struct {
	failResourceID string
	applied        []invitations.MemberChangeInfo
	applyCalled    bool
}

func (u *fakeUpdater) Plan(_ context.Context, resourceID, resourceType, principalID, role string) (invitations.MemberChangeInfo, error) {
	if resourceID == u.failResourceID {
		return invitations.MemberChangeInfo{}, assertErr("planning failed")
	}
	return invitations.MemberChangeInfo{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		PrincipalID:  principalID,
		NewRole:      role,
	}, nil
}

func (u *fakeUpdater) Apply(_ context.Context, changes []invitations.MemberChangeInfo) error {
	u.applyCalled = true
	u.applied = append(u.applied, changes...)
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestInvitations(t *testing.T, updater invitations.MemberUpdater) (*invitations.Invitations, *store.Store) {
	t.Helper()
	s := storetest.NewStore(t)
	return invitations.New(s, emitter.New(), rankByRole{}, updater), s
}

func TestInviteCreatesPendingInvitationAndEmitsEvent(t *testing.T) {
	em := emitter.New()
	s := storetest.NewStore(t)
	inv := invitations.New(s, em, rankByRole{}, &fakeUpdater{})

	received := make(chan invitations.InvitationCreatedEvent, 1)
	em.On(invitations.EventInvitationCreated, func(_ context.Context, args ...any) {
		received <- args[0].(invitations.InvitationCreatedEvent)
	})

	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "viewer", "inviter1", 1000))

	row, err := s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err)
	assert.Equal(t, "viewer", row.Role)

	select {
	case evt := <-received:
		assert.Equal(t, "a@example.com", evt.Email)
	default:
		t.Fatal("expected an invitation created event")
	}
}

func TestInviteIgnoresDowngrade(t *testing.T) {
	inv, s := newTestInvitations(t, &fakeUpdater{})

	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "manager", "inviter1", 1000))
	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "viewer", "inviter2", 2000))

	row, err := s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err)
	assert.Equal(t, "manager", row.Role, "a lower-ranked invite must not replace a higher-ranked one")
}

func TestInviteUpgradeReplacesRoleButKeepsToken(t *testing.T) {
	inv, s := newTestInvitations(t, &fakeUpdater{})

	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "viewer", "inviter1", 1000))
	first, err := s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err)

	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "manager", "inviter1", 2000))
	second, err := s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err)

	assert.Equal(t, "manager", second.Role)
	assert.Equal(t, first.Token, second.Token, "upgrading an invitation must not invalidate its already-distributed token")
}

func TestAcceptAppliesAllPlannedChangesAndDeletesInvitations(t *testing.T) {
	updater := &fakeUpdater{}
	em := emitter.New()
	s := storetest.NewStore(t)
	inv := invitations.New(s, em, rankByRole{}, updater)

	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "viewer", "inviter1", 1000))
	row, err := s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err)

	received := make(chan invitations.AcceptedInvitationEvent, 1)
	em.On(invitations.EventAcceptedInvitation, func(_ context.Context, args ...any) {
		received <- args[0].(invitations.AcceptedInvitationEvent)
	})

	require.NoError(t, inv.Accept(context.Background(), row.Token, "user1"))

	_, err = s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	assert.True(t, apperrors.IsNotFound(err), "accepted invitation must be deleted")
	assert.True(t, updater.applyCalled)
	require.Len(t, updater.applied, 1)
	assert.Equal(t, "user1", updater.applied[0].PrincipalID)

	select {
	case evt := <-received:
		assert.Len(t, evt.InvitationHashes, 1)
	default:
		t.Fatal("expected an accepted invitation event")
	}
}

func TestAcceptAbortsEntirelyOnPartialPlanFailure(t *testing.T) {
	updater := &fakeUpdater{failResourceID: "discussion2"}
	inv, s := newTestInvitations(t, updater)

	require.NoError(t, inv.Invite(context.Background(), "discussion1", "discussion", "a@example.com", "viewer", "inviter1", 1000))
	row1, err := s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err)
	// Force the second invitation to share the first's token by upserting
	// directly with it, simulating one invite email covering two resources.
	require.NoError(t, s.UpsertInvitation(context.Background(), store.InvitationRow{
		Email:        "a@example.com",
		ResourceID:   "discussion2",
		ResourceType: "discussion",
		Role:         "viewer",
		InviterID:    "inviter1",
		Token:        row1.Token,
		Created:      1000,
	}))

	err = inv.Accept(context.Background(), row1.Token, "user1")
	require.Error(t, err)
	assert.False(t, updater.applyCalled, "Apply must not run when any resource's Plan fails")

	_, err = s.GetInvitation(context.Background(), "a@example.com", "discussion1")
	require.NoError(t, err, "on partial failure, no invitation is consumed")
}

func TestAcceptUnknownTokenIsNotFound(t *testing.T) {
	inv, _ := newTestInvitations(t, &fakeUpdater{})
	err := inv.Accept(context.Background(), "unknown-token", "user1")
	assert.True(t, apperrors.IsNotFound(err))
}
