// Package revocation implements the shared token blacklist. Entries are
// keyed by token id, scoped by tenant, and expire with the token they block;
// store outages surface as a distinct error so the engine can apply its
// configured fail-closed or fail-open-with-audit policy.
package revocation
