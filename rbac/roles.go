package rbac

import (
	"errors"
	"sync"
)

// Canonical role names of the childcare domain. Hosts may register
// additional roles; these five are the baseline set.
const (
	RoleDirector  = "director"
	RoleTeacher   = "teacher"
	RoleAssistant = "assistant"
	RoleStaff     = "staff"
	RoleParent    = "parent"
)

// Assignment binds a user to a role, optionally scoped to a group (a
// classroom, in practice). An empty GroupID means the assignment applies
// across the whole tenant. A user may hold any number of assignments.
type Assignment struct {
	Role    string
	GroupID string
}

// RoleManager resolves role names to permission masks. Populated during
// Build, frozen, read-only afterwards.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string]Mask
	frozen bool
}

// NewRoleManager creates a role manager over the given registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string]Mask),
	}
}

// RegisterRole binds a role name to a permission list. Every permission must
// already be registered.
func (rm *RoleManager) RegisterRole(roleName string, permissionNames []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if roleName == "" {
		return errors.New("role name empty")
	}
	if _, exists := rm.roles[roleName]; exists {
		return errors.New("role already registered: " + roleName)
	}

	var mask Mask
	for _, perm := range permissionNames {
		bit, ok := rm.registry.Bit(perm)
		if !ok {
			return errors.New("permission not registered: " + perm)
		}
		mask.Set(bit)
	}

	rm.roles[roleName] = mask
	return nil
}

// GetMask returns the permission mask for a role.
func (rm *RoleManager) GetMask(roleName string) (Mask, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	mask, ok := rm.roles[roleName]
	return mask, ok
}

// Freeze prevents further role registrations.
func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.frozen = true
}
