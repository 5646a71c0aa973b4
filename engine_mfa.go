package nidoauth

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nidohq/nido-auth/internal"
	"github.com/nidohq/nido-auth/internal/limiters"
	"github.com/nidohq/nido-auth/rbac"
	"github.com/nidohq/nido-auth/token"
)

// PermissionResetMFALockout guards [Engine.AdminResetLockout]. Register and
// grant it like any other permission.
const PermissionResetMFALockout = "reset:mfa_lockout"

// BeginMFASetup provisions a TOTP secret for the user and returns it with
// the otpauth:// URI for QR display. The enrollment stays pending, with no
// effect on login, until a first code is verified via [Engine.ConfirmMFASetup].
// Calling it again before confirmation replaces the pending secret.
func (e *Engine) BeginMFASetup(ctx context.Context, userID string) (*MFAProvision, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if !e.config.MFA.Enabled {
		return nil, ErrMFANotEnabled
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil || !user.Active {
		return nil, ErrInvalidCredentials
	}

	record, err := e.users.GetMFARecord(ctx, userID)
	if err != nil {
		return nil, ErrMFAUnavailable
	}
	if record != nil && record.Confirmed {
		return nil, ErrMFAAlreadyEnabled
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := e.users.SavePendingMFASecret(ctx, userID, secret); err != nil {
		return nil, ErrMFAUnavailable
	}

	e.emitAudit(ctx, auditEventMFASetupStarted, true, userID, nil, nil)
	return &MFAProvision{
		SecretBase32: secretBase32,
		URI:          e.totp.ProvisionURI(secretBase32, user.Email),
	}, nil
}

// ConfirmMFASetup verifies the first code against the pending secret,
// activates the enrollment, and returns the one-time backup codes in display
// form. The plaintext codes exist only in the return value.
func (e *Engine) ConfirmMFASetup(ctx context.Context, userID, code string) ([]string, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if !e.config.MFA.Enabled {
		return nil, ErrMFANotEnabled
	}
	tenantID := tenantIDFromContext(ctx)

	record, err := e.users.GetMFARecord(ctx, userID)
	if err != nil {
		return nil, ErrMFAUnavailable
	}
	if record == nil {
		return nil, ErrMFANotEnabled
	}
	if record.Confirmed {
		return nil, ErrMFAAlreadyEnabled
	}

	counter, err := e.verifyTOTP(ctx, tenantID, userID, record, code)
	if err != nil {
		return nil, err
	}

	if err := e.users.ConfirmMFA(ctx, userID); err != nil {
		return nil, ErrMFAUnavailable
	}
	if err := e.users.UpdateMFALastUsedCounter(ctx, userID, counter); err != nil {
		return nil, ErrMFAUnavailable
	}

	display, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventMFAEnabled, true, userID, nil, nil)
	return display, nil
}

// CompleteMFALogin exchanges a pending login token plus a valid TOTP code
// for the real token pair. The pending token is revoked on success, so it
// cannot be replayed into a second session.
func (e *Engine) CompleteMFALogin(ctx context.Context, pendingToken, code string) (*LoginResult, error) {
	return e.completeMFALogin(ctx, pendingToken, code, false)
}

// CompleteMFALoginBackup is [Engine.CompleteMFALogin] with a backup code in
// place of a TOTP code. The code is consumed whether or not the device that
// generated the TOTP secret still exists.
func (e *Engine) CompleteMFALoginBackup(ctx context.Context, pendingToken, code string) (*LoginResult, error) {
	return e.completeMFALogin(ctx, pendingToken, code, true)
}

func (e *Engine) completeMFALogin(ctx context.Context, pendingToken, code string, backup bool) (*LoginResult, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if !e.config.MFA.Enabled {
		return nil, ErrMFANotEnabled
	}

	claims, err := e.tokens.Decode(pendingToken, token.TypeAccess)
	if err != nil {
		return nil, mapTokenError(err)
	}
	if !claims.MFARequired || claims.MFAVerified {
		return nil, ErrTokenInvalid
	}
	if err := e.checkRevoked(ctx, claims.TenantID, claims.ID, claims.Subject); err != nil {
		return nil, err
	}

	user, err := e.users.GetUserByID(ctx, claims.Subject)
	if err != nil || !user.Active {
		return nil, ErrInvalidCredentials
	}

	if backup {
		err = e.consumeBackupCode(ctx, claims.TenantID, user.UserID, code)
	} else {
		err = e.verifyEnrolledTOTP(ctx, claims.TenantID, user.UserID, code)
	}
	if err != nil {
		return nil, err
	}

	// Single use: a verified pending token must not open a second session.
	expiresAt := time.Now().Add(token.RemainingLife(claims, time.Now()))
	if err := e.ledger.Revoke(ctx, claims.TenantID, claims.ID, claims.Subject, expiresAt); err != nil {
		return nil, ErrLedgerUnavailable
	}

	result, err := e.issueTokenPair(user)
	if err != nil {
		return nil, err
	}
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, nil, nil)
	return result, nil
}

// VerifyMFA runs a standalone TOTP verification for an enrolled user, for
// step-up confirmation of sensitive actions. Lockout state is checked before
// the code is evaluated and failures count toward it.
func (e *Engine) VerifyMFA(ctx context.Context, userID, code string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if !e.config.MFA.Enabled {
		return ErrMFANotEnabled
	}
	return e.verifyEnrolledTOTP(ctx, tenantIDFromContext(ctx), userID, code)
}

// VerifyBackupCode consumes one backup code for an enrolled user. A code
// that verifies is gone for good, even if the action it authorized fails
// afterwards.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID, code string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if !e.config.MFA.Enabled {
		return ErrMFANotEnabled
	}
	return e.consumeBackupCode(ctx, tenantIDFromContext(ctx), userID, code)
}

// DisableMFA turns MFA off for the user and destroys the remaining backup
// codes. A fresh TOTP code is required, so a hijacked session cannot strip
// the second factor without holding the device.
func (e *Engine) DisableMFA(ctx context.Context, userID, code string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if !e.config.MFA.Enabled {
		return ErrMFANotEnabled
	}
	if err := e.verifyEnrolledTOTP(ctx, tenantIDFromContext(ctx), userID, code); err != nil {
		return err
	}

	if err := e.users.DisableMFA(ctx, userID); err != nil {
		return ErrMFAUnavailable
	}
	if err := e.users.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return ErrMFAUnavailable
	}

	e.emitAudit(ctx, auditEventMFADisabled, true, userID, nil, nil)
	return nil
}

// RegenerateBackupCodes invalidates every outstanding backup code and issues
// a fresh set. Requires a fresh TOTP code like DisableMFA.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if !e.config.MFA.Enabled {
		return nil, ErrMFANotEnabled
	}
	if err := e.verifyEnrolledTOTP(ctx, tenantIDFromContext(ctx), userID, code); err != nil {
		return nil, err
	}
	return e.issueBackupCodes(ctx, userID)
}

// IsIPAllowed reports whether ip matches the user's allow-list. An empty
// list means unrestricted unless MFA.DenyWhenEmpty is set. Unparseable
// entries are skipped rather than failing the whole check; a single bad row
// must not lock every address out.
func (e *Engine) IsIPAllowed(ctx context.Context, userID, ip string) (bool, error) {
	if err := e.checkReady(); err != nil {
		return false, err
	}

	entries, err := e.users.ListIPAllowlist(ctx, userID)
	if err != nil {
		return false, ErrMFAUnavailable
	}
	if len(entries) == 0 {
		return !e.config.MFA.DenyWhenEmpty, nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, nil
	}
	for _, entry := range entries {
		if _, network, err := net.ParseCIDR(entry.CIDR); err == nil {
			if network.Contains(parsed) {
				return true, nil
			}
			continue
		}
		if single := net.ParseIP(entry.CIDR); single != nil && single.Equal(parsed) {
			return true, nil
		}
	}
	return false, nil
}

// AdminResetLockout clears the MFA failure counter and any active lock for
// a user. The actor must hold PermissionResetMFALockout; the reset is always
// audited with both parties.
func (e *Engine) AdminResetLockout(ctx context.Context, actor Identity, userID string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if e.lockouts == nil {
		return ErrMFANotEnabled
	}

	assignments, err := e.users.ListRoleAssignments(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if err := e.guard.Authorize(actorOf(actor.UserID, assignments), "reset", "mfa_lockout"); err != nil {
		e.emitAudit(ctx, auditEventMFALockoutReset, false, userID, err, nil)
		return err
	}

	if err := e.lockouts.Reset(ctx, tenantIDFromContext(ctx), userID); err != nil {
		return ErrMFAUnavailable
	}
	e.emitAudit(ctx, auditEventMFALockoutReset, true, userID, nil, func() map[string]string {
		return map[string]string{"actor_id": actor.UserID}
	})
	return nil
}

// verifyEnrolledTOTP loads the confirmed MFA record and verifies one code
// against it, with lockout and replay protection.
func (e *Engine) verifyEnrolledTOTP(ctx context.Context, tenantID, userID, code string) error {
	record, err := e.users.GetMFARecord(ctx, userID)
	if err != nil {
		return ErrMFAUnavailable
	}
	if record == nil || !record.Confirmed {
		return ErrMFANotEnabled
	}

	counter, err := e.verifyTOTP(ctx, tenantID, userID, record, code)
	if err != nil {
		if errors.Is(err, ErrMFACodeInvalid) {
			e.emitAudit(ctx, auditEventMFAFailure, false, userID, err, nil)
		}
		return err
	}

	if err := e.users.UpdateMFALastUsedCounter(ctx, userID, counter); err != nil {
		return ErrMFAUnavailable
	}
	e.emitAudit(ctx, auditEventMFASuccess, true, userID, nil, nil)
	return nil
}

// verifyTOTP is the shared core: lockout check before evaluation, constant
// time comparison inside the codec, counter monotonicity against replays,
// failure accounting on every miss.
func (e *Engine) verifyTOTP(ctx context.Context, tenantID, userID string, record *MFARecord, code string) (int64, error) {
	if err := e.lockoutCheck(ctx, tenantID, userID); err != nil {
		return 0, err
	}

	counter, err := e.totp.VerifyCode(record.Secret, code, time.Now())
	if err != nil && !errors.Is(err, errTOTPCodeMismatch) {
		return 0, ErrMFAUnavailable
	}
	// Accepting a counter at or below the last used one would let an
	// intercepted code be replayed inside the skew window.
	if err != nil || (record.Confirmed && counter <= record.LastUsedCounter) {
		return 0, e.lockoutFailure(ctx, tenantID, userID)
	}

	if err := e.lockouts.Reset(ctx, tenantID, userID); err != nil {
		return 0, ErrMFAUnavailable
	}
	return counter, nil
}

func (e *Engine) consumeBackupCode(ctx context.Context, tenantID, userID, code string) error {
	if err := e.lockoutCheck(ctx, tenantID, userID); err != nil {
		return err
	}

	canonical := internal.CanonicalizeBackupCode(code)
	hash := internal.BackupCodeHash(userID, canonical)
	used, err := e.users.ConsumeBackupCode(ctx, userID, hash)
	if err != nil {
		return ErrMFAUnavailable
	}
	if !used {
		e.emitAudit(ctx, auditEventBackupCodeFailed, false, userID, ErrMFACodeInvalid, nil)
		return e.lockoutFailure(ctx, tenantID, userID)
	}

	if err := e.lockouts.Reset(ctx, tenantID, userID); err != nil {
		return ErrMFAUnavailable
	}
	e.emitAudit(ctx, auditEventBackupCodeUsed, true, userID, nil, nil)
	return nil
}

func (e *Engine) lockoutCheck(ctx context.Context, tenantID, userID string) error {
	retryAfter, err := e.lockouts.Check(ctx, tenantID, userID)
	if errors.Is(err, limiters.ErrLockedOut) {
		return &LockoutError{RetryAfter: retryAfter}
	}
	if err != nil {
		return ErrMFAUnavailable
	}
	return nil
}

func (e *Engine) lockoutFailure(ctx context.Context, tenantID, userID string) error {
	err := e.lockouts.RecordFailure(ctx, tenantID, userID)
	if errors.Is(err, limiters.ErrLockedOut) {
		// The lock was armed just now, so the full cooldown remains.
		lockErr := &LockoutError{RetryAfter: e.config.MFA.LockoutCooldown}
		e.emitAudit(ctx, auditEventMFALockout, false, userID, lockErr, nil)
		return lockErr
	}
	if err != nil {
		return ErrMFAUnavailable
	}
	return ErrMFACodeInvalid
}

func (e *Engine) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.MFA.BackupCodeCount
	display := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		plain, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		display = append(display, internal.FormatBackupCode(plain))
		records = append(records, BackupCodeRecord{
			Hash: internal.BackupCodeHash(userID, internal.CanonicalizeBackupCode(plain)),
		})
	}
	if err := e.users.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, ErrMFAUnavailable
	}
	e.emitAudit(ctx, auditEventBackupCodesIssued, true, userID, nil, nil)
	return display, nil
}

func (e *Engine) enforceIPAllowlist(ctx context.Context, userID string) error {
	ip := clientIPFromContext(ctx)
	if ip == "" {
		// No carrier, no check. Hosts that want enforcement must attach the
		// address with WithClientIP.
		return nil
	}
	allowed, err := e.IsIPAllowed(ctx, userID, ip)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrIPNotAllowed
	}
	return nil
}

func actorOf(userID string, assignments []rbac.Assignment) rbac.Actor {
	return rbac.Actor{UserID: userID, Assignments: assignments}
}
