package nidoauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nidohq/nido-auth/internal/limiters"
	"github.com/nidohq/nido-auth/password"
	"github.com/nidohq/nido-auth/rbac"
	"github.com/nidohq/nido-auth/revocation"
	"github.com/nidohq/nido-auth/token"
)

// PermissionRevokeSession guards [Engine.RevokeToken]. Hosts that want the
// administrative revoke path must register it and grant it to the
// appropriate roles; without it every RevokeToken call is denied.
const PermissionRevokeSession = "revoke:session"

// Engine is the authorization core. Build one per process with [Builder];
// all methods are safe for concurrent use.
type Engine struct {
	config    Config
	users     UserProvider
	tokens    *token.Manager
	passwords *password.Argon2
	registry  *rbac.Registry
	roles     *rbac.RoleManager
	guard     *rbac.Guard
	ledger    *revocation.Ledger
	lockouts  *limiters.Lockout
	resets    *passwordResetStore
	totp      *totpManager
	audit     *auditDispatcher
	ready     bool
}

func (e *Engine) checkReady() error {
	if e == nil || !e.ready {
		return ErrEngineNotReady
	}
	return nil
}

// Login verifies email and password and issues tokens. For an MFA-enabled
// account it returns a result with MFARequired set and a short-lived pending
// token instead of the real pair; the caller exchanges it via
// [Engine.CompleteMFALogin] or [Engine.CompleteMFALoginBackup].
//
// Unknown email, wrong password, and deactivated account all come back as
// ErrInvalidCredentials, and the unknown-identifier path burns a full
// argon2id verification so the three are indistinguishable by timing.
func (e *Engine) Login(ctx context.Context, email, plainPassword string) (*LoginResult, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	tenantID := tenantIDFromContext(ctx)

	user, err := e.users.GetUserByEmail(ctx, tenantID, email)
	if err != nil || !user.Active {
		e.passwords.DummyVerify(plainPassword)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"email": email}
		})
		return nil, ErrInvalidCredentials
	}

	ok, err := e.passwords.Verify(plainPassword, user.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	if e.config.MFA.Enabled {
		if err := e.enforceIPAllowlist(ctx, user.UserID); err != nil {
			e.emitAudit(ctx, auditEventIPRejected, false, user.UserID, err, nil)
			return nil, err
		}
	}

	if e.config.MFA.Enabled && user.MFAEnabled {
		pending, err := e.issuePendingToken(user)
		if err != nil {
			return nil, err
		}
		e.emitAudit(ctx, auditEventLoginMFAPending, true, user.UserID, nil, nil)
		return &LoginResult{MFARequired: true, PendingToken: pending}, nil
	}

	result, err := e.issueTokenPair(user)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, nil, nil)
	return result, nil
}

// Refresh exchanges a live refresh token for a new pair. With rotation
// enabled (the default) the presented refresh token is revoked on success,
// so each refresh token works exactly once.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	claims, err := e.tokens.Decode(refreshToken, token.TypeRefresh)
	if err != nil {
		mapped := mapTokenError(err)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", mapped, nil)
		return nil, mapped
	}

	if err := e.checkRevoked(ctx, claims.TenantID, claims.ID, claims.Subject); err != nil {
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, err, nil)
		return nil, err
	}

	user, err := e.users.GetUserByID(ctx, claims.Subject)
	if err != nil || !user.Active {
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	result, err := e.issueTokenPair(user)
	if err != nil {
		return nil, err
	}

	if e.config.JWT.RotateRefresh {
		expiresAt := time.Now().Add(token.RemainingLife(claims, time.Now()))
		if err := e.ledger.Revoke(ctx, claims.TenantID, claims.ID, claims.Subject, expiresAt); err != nil {
			// A rotation that cannot retire the old token must not hand out
			// a new pair, or both stay live.
			return nil, ErrLedgerUnavailable
		}
	}

	e.emitAudit(ctx, auditEventRefreshSuccess, true, user.UserID, nil, nil)
	return result, nil
}

// Logout revokes the presented tokens for their remaining lifetimes. Expired
// or malformed tokens are skipped silently; logging out twice is a no-op.
// Either argument may be empty.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	var userID string
	for _, tok := range []struct {
		value string
		want  token.Type
	}{
		{accessToken, token.TypeAccess},
		{refreshToken, token.TypeRefresh},
	} {
		if tok.value == "" {
			continue
		}
		claims, err := e.tokens.Decode(tok.value, tok.want)
		if err != nil {
			continue
		}
		userID = claims.Subject
		expiresAt := time.Now().Add(token.RemainingLife(claims, time.Now()))
		if err := e.ledger.Revoke(ctx, claims.TenantID, claims.ID, claims.Subject, expiresAt); err != nil {
			return ErrLedgerUnavailable
		}
	}

	e.emitAudit(ctx, auditEventLogout, true, userID, nil, nil)
	return nil
}

// ValidateAccess verifies an access token end to end: signature, expiry,
// type, MFA completeness, and revocation. The returned Identity is the only
// trusted description of the caller; handlers never read claims themselves.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*Identity, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	claims, err := e.tokens.Decode(accessToken, token.TypeAccess)
	if err != nil {
		return nil, mapTokenError(err)
	}

	// A pending token authenticates only the MFA completion flow.
	if claims.MFARequired && !claims.MFAVerified {
		e.emitAudit(ctx, auditEventTokenRejected, false, claims.Subject, ErrMFARequired, nil)
		return nil, ErrMFARequired
	}

	if err := e.checkRevoked(ctx, claims.TenantID, claims.ID, claims.Subject); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			e.emitAudit(ctx, auditEventTokenRejected, false, claims.Subject, err, nil)
		}
		return nil, err
	}

	return &Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
		TokenID:  claims.ID,
	}, nil
}

// RevokeToken is the administrative kill switch: it revokes someone else's
// token ahead of expiry. The actor must hold PermissionRevokeSession; every
// call, allowed or denied, lands in the audit trail with both parties.
func (e *Engine) RevokeToken(ctx context.Context, actor Identity, targetToken string) error {
	if err := e.checkReady(); err != nil {
		return err
	}

	assignments, err := e.users.ListRoleAssignments(ctx, actor.UserID)
	if err != nil {
		return err
	}
	rbacActor := rbac.Actor{UserID: actor.UserID, Assignments: assignments}
	if err := e.guard.Authorize(rbacActor, "revoke", "session"); err != nil {
		e.emitAudit(ctx, auditEventAdminTokenRevoke, false, actor.UserID, err, nil)
		return err
	}

	claims, err := e.tokens.Decode(targetToken, token.TypeAccess)
	if errors.Is(err, token.ErrWrongType) {
		claims, err = e.tokens.Decode(targetToken, token.TypeRefresh)
	}
	if err != nil {
		mapped := mapTokenError(err)
		e.emitAudit(ctx, auditEventAdminTokenRevoke, false, actor.UserID, mapped, nil)
		return mapped
	}

	expiresAt := time.Now().Add(token.RemainingLife(claims, time.Now()))
	if err := e.ledger.Revoke(ctx, claims.TenantID, claims.ID, claims.Subject, expiresAt); err != nil {
		return ErrLedgerUnavailable
	}

	e.emitAudit(ctx, auditEventAdminTokenRevoke, true, claims.Subject, nil, func() map[string]string {
		return map[string]string{"actor_id": actor.UserID, "token_id": claims.ID}
	})
	e.emitAudit(ctx, auditEventTokenRevoked, true, claims.Subject, nil, nil)
	return nil
}

// Close stops the audit dispatcher after draining queued events. The engine
// must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports how many audit events never reached the dispatch
// queue, whether the buffer was full or the emitting request gave up first.
// Non-zero values warrant a bigger buffer or a faster sink.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) issueTokenPair(user UserRecord) (*LoginResult, error) {
	base := token.Claims{
		TenantID: user.TenantID,
		Role:     user.Role,
	}

	accessClaims := base
	accessClaims.Type = token.TypeAccess
	if e.config.MFA.Enabled && user.MFAEnabled {
		accessClaims.MFARequired = true
		accessClaims.MFAVerified = true
	}
	access, err := e.tokens.Encode(user.UserID, uuid.NewString(), accessClaims, e.config.JWT.AccessTTL)
	if err != nil {
		return nil, err
	}

	refreshClaims := base
	refreshClaims.Type = token.TypeRefresh
	refresh, err := e.tokens.Encode(user.UserID, uuid.NewString(), refreshClaims, e.config.JWT.RefreshTTL)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(e.config.JWT.AccessTTL.Seconds()),
	}, nil
}

func (e *Engine) issuePendingToken(user UserRecord) (string, error) {
	claims := token.Claims{
		Type:        token.TypeAccess,
		TenantID:    user.TenantID,
		Role:        user.Role,
		MFARequired: true,
		MFAVerified: false,
	}
	return e.tokens.Encode(user.UserID, uuid.NewString(), claims, e.config.JWT.MFAPendingTTL)
}

// checkRevoked consults the ledger and applies the configured unavailability
// policy: fail-closed rejects outright, fail-open lets the request through
// but records that a token passed without a revocation check.
func (e *Engine) checkRevoked(ctx context.Context, tenantID, tokenID, userID string) error {
	revoked, err := e.ledger.IsRevoked(ctx, tenantID, tokenID)
	if err != nil {
		if e.config.Revocation.UnavailablePolicy == FailOpen {
			e.emitAudit(ctx, auditEventLedgerDegraded, false, userID, ErrLedgerUnavailable, func() map[string]string {
				return map[string]string{"token_id": tokenID}
			})
			return nil
		}
		return ErrLedgerUnavailable
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func mapTokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}
