// Package nidoauth is the authorization and session-integrity core of the
// nido childcare-management backend: JWT issuance and validation, refresh
// with rotation, Redis-backed token revocation, multi-factor authentication
// (TOTP, backup codes, IP allow-listing, lockout), and role/ownership
// authorization enforced uniformly in front of every domain service.
//
// The package is designed for concurrent request-per-call workloads: Engine
// methods are safe to call from multiple goroutines after initialization
// through [Builder.Build].
//
// # Architecture boundaries
//
// nidoauth is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (Identity, LoginResult, AuditEvent, etc.). Flow
// coordination, lockout counters, and random material live under internal/
// and are never exported. The token codec, revocation ledger, and
// authorization guard are small focused sub-packages (token, revocation,
// rbac) so domain services can depend on exactly what they need.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store internals, or encoding details in its
//     public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Persist domain entities. User, MFA, and allow-list records reach the
//     engine through the [UserProvider] interface; pgstore ships a Postgres
//     implementation but any store will do.
//
// # Security contract
//
// Login failure is uniform: unknown email, wrong password, and deactivated
// account all return [ErrInvalidCredentials] after a full argon2id
// verification pass, so callers cannot enumerate accounts by error or by
// timing. Revocation-ledger outage handling is an explicit policy choice
// ([FailClosed] by default) and is always audited, never silent.
package nidoauth
