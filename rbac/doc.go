// Package rbac implements role-based access control with per-resource
// ownership checks. Permissions are (action, resource-type) pairs packed
// into a frozen bitmask registry; a user's effective permission set is the
// union of their role assignments, narrowed by each assignment's group
// scope. The Guard additionally decides, per resource type, whether an
// ownership denial reads as "forbidden" or "not found".
package rbac
