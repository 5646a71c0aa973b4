package rbac

import "errors"

var (
	// ErrPermissionDenied means no role assignment grants the attempted
	// (action, resource-type) pair.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrOwnershipDenied means the caller holds the permission but neither
	// owns the resource nor holds a cross-user role covering its group.
	ErrOwnershipDenied = errors.New("unauthorized resource access")
	// ErrResourceNotFound is the ownership denial for resource types
	// configured to hide their existence from unauthorized callers.
	ErrResourceNotFound = errors.New("resource not found")
)

// Actor is the caller being authorized: a user id plus the full set of role
// assignments in effect for them.
type Actor struct {
	UserID      string
	Assignments []Assignment
}

// Resource describes the target of a scoped operation for ownership checks.
// OwnerID is the user the resource belongs to (a parent's message thread, a
// child's medical record via the guardian). GroupID is the classroom or
// organizational group it sits in, empty when ungrouped.
type Resource struct {
	Type    string
	OwnerID string
	GroupID string
}

// GuardConfig selects the guard's denial behavior.
type GuardConfig struct {
	// CrossUserRoles may act on resources owned by other users, within the
	// scope of the granting assignment.
	CrossUserRoles []string
	// NotFoundResources surface ownership denials as ErrResourceNotFound.
	// The 403-vs-404 choice is made here, per resource type, not per call
	// site.
	NotFoundResources []string
}

// Guard composes the two independent checks every protected operation runs:
// the role check (does any assignment grant the permission) and the
// ownership check (may this caller touch this particular resource).
type Guard struct {
	registry *Registry
	roles    *RoleManager

	crossUserRoles    map[string]struct{}
	notFoundResources map[string]struct{}
}

// NewGuard builds a guard over a frozen registry and role manager.
func NewGuard(registry *Registry, roles *RoleManager, cfg GuardConfig) *Guard {
	g := &Guard{
		registry:          registry,
		roles:             roles,
		crossUserRoles:    make(map[string]struct{}, len(cfg.CrossUserRoles)),
		notFoundResources: make(map[string]struct{}, len(cfg.NotFoundResources)),
	}
	for _, role := range cfg.CrossUserRoles {
		g.crossUserRoles[role] = struct{}{}
	}
	for _, resourceType := range cfg.NotFoundResources {
		g.notFoundResources[resourceType] = struct{}{}
	}
	return g
}

// Authorize runs the role check for an unscoped operation: does the union of
// the actor's assignments include the (action, resource-type) permission.
func (g *Guard) Authorize(actor Actor, action, resourceType string) error {
	return g.authorizeInGroup(actor, action, resourceType, "")
}

// AuthorizeResource runs both checks against a concrete resource. The role
// check considers only assignments whose scope covers the resource's group.
// The ownership check passes when the actor owns the resource, or when a
// covering assignment carries a cross-user role.
//
// Callers must confirm the resource exists before asking the guard; the
// guard decides only how the denial is surfaced.
func (g *Guard) AuthorizeResource(actor Actor, action string, res Resource) error {
	if err := g.authorizeInGroup(actor, action, res.Type, res.GroupID); err != nil {
		return err
	}
	if actor.UserID != "" && actor.UserID == res.OwnerID {
		return nil
	}
	for _, a := range g.coveringAssignments(actor, res.GroupID) {
		if _, ok := g.crossUserRoles[a.Role]; ok {
			return nil
		}
	}
	return g.denial(res.Type)
}

// Denial returns the error AuthorizeResource would use for an ownership
// denial of the given resource type. Handlers use it to surface "exists but
// inaccessible" identically to "absent" for hidden resource types.
func (g *Guard) Denial(resourceType string) error {
	return g.denial(resourceType)
}

func (g *Guard) denial(resourceType string) error {
	if _, ok := g.notFoundResources[resourceType]; ok {
		return ErrResourceNotFound
	}
	return ErrOwnershipDenied
}

func (g *Guard) authorizeInGroup(actor Actor, action, resourceType, groupID string) error {
	perm := Permission(action, resourceType)
	bit, ok := g.registry.Bit(perm)
	if !ok {
		return ErrPermissionDenied
	}

	var effective Mask
	for _, a := range g.coveringAssignments(actor, groupID) {
		mask, ok := g.roles.GetMask(a.Role)
		if !ok {
			continue
		}
		effective = effective.Union(mask)
	}
	if !effective.Has(bit) {
		return ErrPermissionDenied
	}
	return nil
}

// coveringAssignments filters to assignments whose scope includes groupID:
// tenant-wide assignments always apply, group-scoped ones only to their own
// group.
func (g *Guard) coveringAssignments(actor Actor, groupID string) []Assignment {
	out := make([]Assignment, 0, len(actor.Assignments))
	for _, a := range actor.Assignments {
		if a.GroupID == "" || a.GroupID == groupID {
			out = append(out, a)
		}
	}
	return out
}
