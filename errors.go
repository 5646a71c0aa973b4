package nidoauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidohq/nido-auth/rbac"
)

var (
	// ErrEngineNotReady is returned when an Engine method is called before
	// Build completed, or on a nil receiver.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrInvalidCredentials covers unknown email, wrong password, and
	// deactivated accounts. Login never distinguishes the three.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenExpired is returned when a structurally valid token is past
	// its expiry. Remediation is a refresh, not a re-login.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures, and wrong
	// token types.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenRevoked is returned when the revocation ledger has an entry
	// for the token's identifier.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrMFARequired is returned when a login-pending token (mfa_required
	// set, mfa_verified unset) is presented anywhere other than the MFA
	// verification flow.
	ErrMFARequired = errors.New("mfa verification required")
	// ErrMFACodeInvalid is returned for a wrong TOTP code or an unknown or
	// already-used backup code.
	ErrMFACodeInvalid = errors.New("invalid mfa code")
	// ErrMFALockedOut is returned while the lockout cooldown is active.
	// The code is not evaluated in that state.
	ErrMFALockedOut = errors.New("mfa verification locked out")
	// ErrMFAAlreadyEnabled is returned by BeginMFASetup for an enrolled user.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFANotEnabled is returned by MFA operations that require an
	// enrolled user.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFAUnavailable signals a provider or lockout-store failure during
	// an MFA operation.
	ErrMFAUnavailable = errors.New("mfa backend unavailable")
	// ErrIPNotAllowed is returned when the caller's address matches none of
	// the user's allow-list ranges.
	ErrIPNotAllowed = errors.New("ip address not allowed")

	// ErrResetTokenInvalid covers unknown, malformed, and already-used
	// password reset tokens.
	ErrResetTokenInvalid = errors.New("password reset token invalid")
	// ErrResetTokenExpired is returned for a reset token past its TTL.
	ErrResetTokenExpired = errors.New("password reset token expired")
	// ErrResetUnavailable signals a reset-store failure.
	ErrResetUnavailable = errors.New("password reset backend unavailable")
	// ErrPasswordPolicy is returned when a new password fails policy checks.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrLedgerUnavailable is returned when the revocation store cannot be
	// reached and the configured policy is fail-closed. It is distinct from
	// "not revoked" so callers can alert on infrastructure degradation.
	ErrLedgerUnavailable = errors.New("revocation ledger unavailable")

	// ErrPermissionDenied is returned when no role assignment grants the
	// attempted (action, resource) pair.
	ErrPermissionDenied = rbac.ErrPermissionDenied
	// ErrOwnershipDenied is returned when the caller holds the permission
	// but does not own the resource and no assignment covers its group.
	ErrOwnershipDenied = rbac.ErrOwnershipDenied
	// ErrResourceNotFound is the ownership denial surfaced for resource
	// types configured to hide existence from unauthorized callers.
	ErrResourceNotFound = rbac.ErrResourceNotFound
)

// LockoutError is the concrete error behind ErrMFALockedOut. RetryAfter is
// the remaining cooldown, so transports can answer with a retry hint
// (HTTP's Retry-After) instead of a bare rejection.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("mfa verification locked out, retry in %s", e.RetryAfter.Round(time.Second))
}

// Unwrap makes errors.Is(err, ErrMFALockedOut) hold for every lockout.
func (e *LockoutError) Unwrap() error { return ErrMFALockedOut }
