package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/oaeproject/activity-core/pkg/invitations"
)

// The policy adapters in this file satisfy the interfaces pkg/router,
// pkg/push, and pkg/invitations expect a host application to supply
// (tenancy, view authorization, membership, role ordering). SPEC_FULL.md's
// Non-goals explicitly exclude an authorization policy engine from this
// module's scope, so these defaults are deliberately minimal: self-only
// view access and an HMAC-based resource token scheme keyed by the signing
// config, rather than any real membership model. A deployment wires its
// own implementations of these interfaces in place of this file.

// hmacSigner signs and verifies resource-scoped tokens and push
// authentication signatures with a single shared key (config.SigningConfig).
type hmacSigner struct {
	key []byte
}

func (s hmacSigner) sign(message string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s hmacSigner) verify(message, signature string) bool {
	expected := s.sign(message)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// pushAuthenticator implements push.Authenticator: a connecting socket
// proves its identity with an HMAC of "userId|tenantAlias" under the shared
// signing key, standing in for whatever session-token verification a host
// application performs at its own edge.
type pushAuthenticator struct {
	signer hmacSigner
}

func (a pushAuthenticator) Authenticate(_ context.Context, userID, tenantAlias, signature string) error {
	if !a.signer.verify(userID+"|"+tenantAlias, signature) {
		return errors.New("invalid push authentication signature")
	}
	return nil
}

// selfOnlyACL implements push.AccessChecker and router.PermissionOracle's
// CanView: a principal may only view its own resourceId unless it presents
// a resource-scoped token signed by the shared key. Real cross-principal
// visibility (discussion membership, follower lists) is resource-type
// policy a host application supplies.
type selfOnlyACL struct {
	signer hmacSigner
}

func (a selfOnlyACL) CanView(_ context.Context, principalID, resourceID string) (bool, error) {
	return principalID == resourceID, nil
}

func (a selfOnlyACL) VerifyToken(_ context.Context, token, resourceID string) (bool, error) {
	return a.signer.verify(resourceID, token), nil
}

func (a selfOnlyACL) Tenant(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (a selfOnlyACL) InteractingTenants(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

// defaultRoleRanker orders a small built-in role hierarchy shared across
// resource types (viewer < member < manager). A host application with
// resource-type-specific roles supplies its own invitations.RoleRanker.
type defaultRoleRanker struct{}

var defaultRoleOrder = map[string]int{
	"viewer":  1,
	"member":  2,
	"manager": 3,
}

func (defaultRoleRanker) Rank(_, role string) int {
	return defaultRoleOrder[role]
}

// noopMemberUpdater satisfies invitations.MemberUpdater without a backing
// membership store. Plan validates nothing and always succeeds; Apply is a
// no-op. A host application that actually grants resource membership on
// invitation accept supplies its own MemberUpdater wired to its member
// tables.
type noopMemberUpdater struct{}

func (noopMemberUpdater) Plan(_ context.Context, resourceID, resourceType, principalID, role string) (invitations.MemberChangeInfo, error) {
	return invitations.MemberChangeInfo{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		PrincipalID:  principalID,
		NewRole:      role,
	}, nil
}

func (noopMemberUpdater) Apply(_ context.Context, _ []invitations.MemberChangeInfo) error {
	return nil
}
