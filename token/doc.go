// Package token is the stateless JWT codec: signed encode, verified decode,
// typed claims, and a three-way error split (expired / bad signature /
// malformed) so callers can route the caller to refresh or re-login.
//
// The package performs no I/O and holds no mutable state; revocation is the
// ledger's job, not the codec's.
package token
