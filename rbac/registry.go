package rbac

import (
	"errors"
	"sync"
)

// Mask is a 64-bit permission bitmask. The childcare domain has well under
// 64 (action, resource-type) pairs, so one width is enough.
type Mask uint64

// Has reports whether bit is set.
func (m Mask) Has(bit int) bool {
	if bit < 0 || bit >= 64 {
		return false
	}
	return m&(1<<bit) != 0
}

// Set sets bit. Out-of-range bits are ignored.
func (m *Mask) Set(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m |= 1 << bit
}

// Union returns the combined mask. Effective permission for a user is the
// union of all assigned roles' masks.
func (m Mask) Union(other Mask) Mask {
	return m | other
}

// Permission names an (action, resource-type) pair as "action:resource",
// e.g. "read:document" or "manage:intervention_plan".
func Permission(action, resource string) string {
	return action + ":" + resource
}

// Registry maps permission names to bit positions. It is populated during
// Build, frozen, and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry creates an empty permission registry.
func NewRegistry() *Registry {
	return &Registry{
		nameToBit: make(map[string]int),
		bitToName: make(map[int]string),
	}
}

// Register assigns the next free bit to the named permission and returns it.
// Must be called before Freeze.
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, errors.New("registry frozen")
	}
	if name == "" {
		return -1, errors.New("permission name cannot be empty")
	}
	if _, exists := r.nameToBit[name]; exists {
		return -1, errors.New("permission already registered: " + name)
	}

	nextBit := len(r.nameToBit)
	if nextBit >= 64 {
		return -1, errors.New("permission limit exceeded")
	}

	r.nameToBit[name] = nextBit
	r.bitToName[nextBit] = name
	return nextBit, nil
}

// Bit returns the bit index for the named permission.
func (r *Registry) Bit(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// Name returns the permission name at the given bit index.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

// Count returns the number of registered permissions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}

// Freeze prevents further registrations. Must be called before the registry
// is used for checks.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}
