// Package authz is the single place that decides what an actor may do to a
// delivery's checks.
package authz

import (
	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// Capability is an action class guarded by authorization.
type Capability string

const (
	// ManageDeliveries allows override and skip.
	ManageDeliveries Capability = "manage_deliveries"
	// VerifyChecks allows recording manual outcomes.
	VerifyChecks Capability = "verify_checks"
	// InitiateChecks allows creating and auto-verifying a checklist.
	InitiateChecks Capability = "initiate_checks"
)

// Authorizer answers capability questions.
type Authorizer interface {
	HasCapability(actor domain.Actor, c Capability) bool
}

// RoleAuthorizer grants capabilities from actor type and explicit permissions.
// Admins hold every capability; runners may verify and, with the
// manage_deliveries permission, override; the system actor may initiate.
type RoleAuthorizer struct{}

func (RoleAuthorizer) HasCapability(actor domain.Actor, c Capability) bool {
	if actor.ID == "" || !actor.Type.IsValid() {
		return false
	}
	switch c {
	case ManageDeliveries:
		return actor.Type == domain.ActorAdmin || actor.HasPermission(domain.PermissionManageDeliveries)
	case VerifyChecks:
		return actor.Type == domain.ActorRunner || actor.Type == domain.ActorAdmin
	case InitiateChecks:
		return true
	}
	return false
}

// Require returns a forbidden error when actor lacks c.
func Require(a Authorizer, actor domain.Actor, c Capability) error {
	if actor.ID == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if !a.HasCapability(actor, c) {
		return dErrors.New(dErrors.CodeForbidden, "actor lacks capability "+string(c))
	}
	return nil
}
