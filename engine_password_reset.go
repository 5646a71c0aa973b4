package nidoauth

import (
	"context"
	"errors"
	"time"

	"github.com/nidohq/nido-auth/internal"
)

// RequestPasswordReset starts the reset flow for an email address and
// returns the opaque single-use token to deliver out of band. For an unknown
// or deactivated account it returns an empty token and no error, so callers
// can answer identically either way and leak nothing about which addresses
// have accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if err := e.checkReady(); err != nil {
		return "", err
	}
	if !e.config.PasswordReset.Enabled {
		return "", ErrResetUnavailable
	}
	tenantID := tenantIDFromContext(ctx)

	user, err := e.users.GetUserByEmail(ctx, tenantID, email)
	if err != nil || !user.Active {
		e.emitAudit(ctx, auditEventPasswordResetReq, false, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"email": email}
		})
		return "", nil
	}

	id, err := internal.NewResetID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		return "", err
	}

	record := &passwordResetRecord{
		UserID:     user.UserID,
		Email:      user.Email,
		SecretHash: internal.HashResetSecret(secret),
		ExpiresAt:  time.Now().Add(e.config.PasswordReset.ResetTTL).Unix(),
	}
	if err := e.resets.Save(ctx, tenantID, id.String(), record, e.config.PasswordReset.ResetTTL); err != nil {
		return "", ErrResetUnavailable
	}

	e.emitAudit(ctx, auditEventPasswordResetReq, true, user.UserID, nil, nil)
	return internal.EncodeResetToken(id, secret), nil
}

// ConfirmPasswordReset consumes a reset token and sets the new password.
// The token works at most once: consumption and validation happen in one
// store transaction, so concurrent confirms with the same token cannot both
// succeed. On success every outstanding session should be considered
// compromised-by-default; hosts typically call RevokeToken on known live
// sessions afterwards.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if !e.config.PasswordReset.Enabled {
		return ErrResetUnavailable
	}
	tenantID := tenantIDFromContext(ctx)

	id, secret, err := internal.DecodeResetToken(resetToken)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordResetFail, false, "", ErrResetTokenInvalid, nil)
		return ErrResetTokenInvalid
	}

	// Hash the new password before consuming the token: a policy rejection
	// must not burn the single use.
	newHash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return ErrPasswordPolicy
	}

	record, err := e.resets.Consume(
		ctx, tenantID, id.String(),
		internal.HashResetSecret(secret),
		e.config.PasswordReset.MaxAttempts,
	)
	if err != nil {
		mapped := mapResetError(err)
		e.emitAudit(ctx, auditEventPasswordResetFail, false, "", mapped, nil)
		return mapped
	}

	if err := e.users.UpdatePasswordHash(ctx, record.UserID, newHash); err != nil {
		return ErrResetUnavailable
	}

	e.emitAudit(ctx, auditEventPasswordResetDone, true, record.UserID, nil, nil)
	return nil
}

func mapResetError(err error) error {
	switch {
	case errors.Is(err, errResetStoreUnavailable):
		return ErrResetUnavailable
	case errors.Is(err, errResetExpired):
		return ErrResetTokenExpired
	default:
		return ErrResetTokenInvalid
	}
}
