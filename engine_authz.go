package nidoauth

import (
	"context"
	"errors"

	"github.com/nidohq/nido-auth/rbac"
)

// Authorize runs the role check for an unscoped operation: listing, creating,
// anything without a concrete target resource. Assignments are loaded fresh
// from the provider on every call, so a role change takes effect on the next
// request rather than at the next token refresh.
func (e *Engine) Authorize(ctx context.Context, identity Identity, action, resourceType string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	assignments, err := e.users.ListRoleAssignments(ctx, identity.UserID)
	if err != nil {
		return err
	}

	if err := e.guard.Authorize(actorOf(identity.UserID, assignments), action, resourceType); err != nil {
		e.emitAudit(ctx, auditEventAccessDenied, false, identity.UserID, err, func() map[string]string {
			return map[string]string{"action": action, "resource_type": resourceType}
		})
		return err
	}
	return nil
}

// AuthorizeResource runs the role check and the ownership check against a
// concrete resource. Callers pass the resource's real owner and group; the
// guard decides whether the denial surfaces as 403-shaped or 404-shaped per
// the configured NotFoundResources.
//
// The caller must have established that the resource exists. For an absent
// resource, return [Engine.OwnershipDenial] for its type instead, so absent
// and inaccessible are indistinguishable for hidden resource types.
func (e *Engine) AuthorizeResource(ctx context.Context, identity Identity, action string, res rbac.Resource) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	assignments, err := e.users.ListRoleAssignments(ctx, identity.UserID)
	if err != nil {
		return err
	}

	err = e.guard.AuthorizeResource(actorOf(identity.UserID, assignments), action, res)
	if err != nil {
		event := auditEventAccessDenied
		if errors.Is(err, ErrOwnershipDenied) || errors.Is(err, ErrResourceNotFound) {
			event = auditEventOwnershipDenied
		}
		e.emitAudit(ctx, event, false, identity.UserID, err, func() map[string]string {
			return map[string]string{
				"action":        action,
				"resource_type": res.Type,
				"owner_id":      res.OwnerID,
				"group_id":      res.GroupID,
			}
		})
		return err
	}
	return nil
}

// OwnershipDenial returns the error AuthorizeResource would produce for an
// ownership denial of the given resource type: ErrResourceNotFound for
// hidden types, ErrOwnershipDenied otherwise.
func (e *Engine) OwnershipDenial(resourceType string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	return e.guard.Denial(resourceType)
}
