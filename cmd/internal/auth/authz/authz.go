// Package authz holds the permission table and the HTTP guards built on it.
//
// Permissions are enumerated (action, resource) pairs. Roles are granted an
// explicit list of permissions when the Policy is built; nothing is derived
// from handler names or struct tags.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"

	"avancira/cmd/identity"
	"avancira/cmd/internal/apperr"
	"avancira/cmd/internal/auth/session"
)

// Action is the verb half of a permission.
type Action string

// Resource is the noun half of a permission.
type Resource string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRevoke Action = "revoke"
)

const (
	ResourceProfile  Resource = "profile"
	ResourceSessions Resource = "sessions"
	ResourceUsers    Resource = "users"
	ResourceLessons  Resource = "lessons"
	ResourceListings Resource = "listings"
	ResourceChat     Resource = "chat"
)

// Permission is one (action, resource) pair.
type Permission struct {
	Action   Action
	Resource Resource
}

func (p Permission) String() string { return string(p.Resource) + ":" + string(p.Action) }

// Permissions referenced by routes and hubs.
var (
	ViewOwnProfile   = Permission{ActionView, ResourceProfile}
	UpdateOwnProfile = Permission{ActionUpdate, ResourceProfile}
	ViewSessions     = Permission{ActionView, ResourceSessions}
	RevokeSessions   = Permission{ActionRevoke, ResourceSessions}
	ViewUsers        = Permission{ActionView, ResourceUsers}
	RevokeAnySession = Permission{ActionRevoke, ResourceUsers}
	ViewLessons      = Permission{ActionView, ResourceLessons}
	CreateLessons    = Permission{ActionCreate, ResourceLessons}
	CreateListings   = Permission{ActionCreate, ResourceListings}
	UseChat          = Permission{ActionCreate, ResourceChat}
)

// All lists every permission the policy knows about.
var All = []Permission{
	ViewOwnProfile, UpdateOwnProfile, ViewSessions, RevokeSessions,
	ViewUsers, RevokeAnySession, ViewLessons, CreateLessons, CreateListings, UseChat,
}

// Policy maps roles to granted permissions. It is immutable after construction.
type Policy struct {
	grants map[string]map[Permission]struct{}
}

// Grants is the input table for NewPolicy.
type Grants map[string][]Permission

// DefaultGrants is the role table used by the server.
func DefaultGrants() Grants {
	self := []Permission{ViewOwnProfile, UpdateOwnProfile, ViewSessions, RevokeSessions, UseChat}
	return Grants{
		identity.RoleStudent: append(slices.Clone(self), ViewLessons),
		identity.RoleTutor:   append(slices.Clone(self), ViewLessons, CreateLessons, CreateListings),
		identity.RoleAdmin:   slices.Clone(All),
	}
}

// NewPolicy validates g against All and freezes it.
func NewPolicy(g Grants) (*Policy, error) {
	known := make(map[Permission]struct{}, len(All))
	for _, p := range All {
		known[p] = struct{}{}
	}
	p := &Policy{grants: make(map[string]map[Permission]struct{}, len(g))}
	for role, perms := range g {
		if role == "" {
			return nil, fmt.Errorf("authz: empty role name")
		}
		set := make(map[Permission]struct{}, len(perms))
		for _, perm := range perms {
			if _, ok := known[perm]; !ok {
				return nil, fmt.Errorf("authz: role %q: unknown permission %s", role, perm)
			}
			set[perm] = struct{}{}
		}
		p.grants[role] = set
	}
	return p, nil
}

// Allows reports whether any of roles grants perm.
func (p *Policy) Allows(roles []string, perm Permission) bool {
	if p == nil {
		return false
	}
	for _, r := range roles {
		if _, ok := p.grants[r][perm]; ok {
			return true
		}
	}
	return false
}

// PermissionsFor returns the sorted permission strings granted to roles.
func (p *Policy) PermissionsFor(roles []string) []string {
	seen := map[Permission]struct{}{}
	for _, r := range roles {
		for perm := range p.grants[r] {
			seen[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for perm := range seen {
		out = append(out, perm.String())
	}
	sort.Strings(out)
	return out
}

type ctxKey struct{}

// WithClaims stores verified access claims on ctx.
func WithClaims(ctx context.Context, c session.AccessClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns the claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) (session.AccessClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(session.AccessClaims)
	return c, ok
}

// Require rejects requests whose claims lack perm: 401 without claims, 403 otherwise.
func (p *Policy) Require(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				apperr.Write(w, apperr.Unauthorized("missing auth context"))
				return
			}
			if !p.Allows(claims.Roles, perm) {
				apperr.Write(w, apperr.New(http.StatusForbidden, "forbidden", "insufficient permission", "required: "+perm.String()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
