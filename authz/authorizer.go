// Package authz maps verified JWT claims to an allow/deny decision. It
// fails closed: empty allowlists deny everyone, never admit everyone.
package authz

import (
	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/token"
)

// Authorizer holds the configured user and group allowlists.
type Authorizer struct {
	allowedUsers  map[string]struct{}
	allowedGroups map[string]struct{}
}

// New builds an Authorizer from configured allowlists.
func New(allowedUsers, allowedGroups []string) *Authorizer {
	a := &Authorizer{
		allowedUsers:  make(map[string]struct{}, len(allowedUsers)),
		allowedGroups: make(map[string]struct{}, len(allowedGroups)),
	}
	for _, u := range allowedUsers {
		a.allowedUsers[u] = struct{}{}
	}
	for _, g := range allowedGroups {
		a.allowedGroups[g] = struct{}{}
	}
	return a
}

// Authorize allows claims.Subject directly, or any claims entity reference
// (groups plus raw entity refs) matching the group allowlist. It denies
// otherwise, including when both lists are empty.
func (a *Authorizer) Authorize(claims *token.Claims) error {
	if _, ok := a.allowedUsers[claims.Subject]; ok {
		return nil
	}
	for _, ref := range claims.Groups {
		if _, ok := a.allowedGroups[ref]; ok {
			return nil
		}
	}
	for _, ref := range claims.EntityRefs {
		if _, ok := a.allowedGroups[ref]; ok {
			return nil
		}
	}
	return errkind.New(errkind.Forbidden, "subject is not in any allowed user or group")
}
