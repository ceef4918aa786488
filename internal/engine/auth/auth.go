package auth

import (
	"fmt"
	"slices"

	"gigmarket/internal/config"
)

// Roles carried by an authenticated principal.
const (
	RoleOwner      = "owner"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

// Capabilities checked by the engine.
const (
	PermProjectCreate  = "project.create"
	PermProjectManage  = "project.manage"
	PermStatusOverride = "project.status.override"
	PermBidCreate      = "bid.create"
	PermWalletUse      = "wallet.use"
	PermWalletManage   = "wallet.manage"
	PermUserManage     = "user.manage"
	PermChatUse        = "chat.use"
	PermRatingCreate   = "rating.create"
	PermEventsRead     = "events.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the caller of an engine operation.
type Principal struct {
	ID    string
	Roles []string
	// Permissions granted directly, on top of those derived from Roles.
	Permissions []string
}

// System is used by CLI and bootstrap paths that act on behalf of the platform.
func System(id string) Principal {
	return Principal{ID: id, Roles: []string{RoleAdmin}}
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

func (p Principal) IsAdmin() bool { return p.HasRole(RoleAdmin) }

// Policy resolves role capabilities from config.
type Policy struct {
	roles map[string][]string
}

func NewPolicy(cfg *config.Config) Policy {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		cfg = config.Default()
	}
	roles := make(map[string][]string, len(cfg.RBAC.Roles))
	for id, role := range cfg.RBAC.Roles {
		roles[id] = append([]string(nil), role.Permissions...)
	}
	return Policy{roles: roles}
}

// Permissions returns the union of p's direct and role-derived permissions.
func (pol Policy) Permissions(p Principal) []string {
	var perms []string
	seen := map[string]struct{}{}
	add := func(perm string) {
		if _, ok := seen[perm]; ok {
			return
		}
		seen[perm] = struct{}{}
		perms = append(perms, perm)
	}
	for _, perm := range p.Permissions {
		add(perm)
	}
	for _, role := range p.Roles {
		for _, perm := range pol.roles[role] {
			add(perm)
		}
	}
	return perms
}

func (pol Policy) Can(p Principal, perm string) bool {
	return slices.Contains(pol.Permissions(p), perm)
}

// Require returns ForbiddenError when p lacks perm.
func (pol Policy) Require(p Principal, perm string) error {
	if !pol.Can(p, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
