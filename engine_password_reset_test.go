package nidoauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidohq/nido-auth/internal"
	"github.com/nidohq/nido-auth/rbac"
)

func TestPasswordResetRoundTrip(t *testing.T) {
	cfg := testConfig()
	up := newMemoryProvider()
	engine, _, done := newTestEngine(t, cfg, up)
	defer done()
	addActiveUser(t, up, cfg, "u1", "alice@nido.test", "old-password-123", rbac.RoleTeacher)

	resetToken, err := engine.RequestPasswordReset(context.Background(), "alice@nido.test")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if resetToken == "" {
		t.Fatal("expected a reset token for a known account")
	}

	if err := engine.ConfirmPasswordReset(context.Background(), resetToken, "new-password-456"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}

	if _, err := engine.Login(context.Background(), "alice@nido.test", "new-password-456"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if _, err := engine.Login(context.Background(), "alice@nido.test", "old-password-123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be dead, got %v", err)
	}

	// Single use: the consumed token never works again.
	if err := engine.ConfirmPasswordReset(context.Background(), resetToken, "another-password-789"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected ErrResetTokenInvalid on reuse, got %v", err)
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	cfg := testConfig()
	up := newMemoryProvider()
	engine, _, done := newTestEngine(t, cfg, up)
	defer done()

	resetToken, err := engine.RequestPasswordReset(context.Background(), "nobody@nido.test")
	if err != nil {
		t.Fatalf("expected silent success, got %v", err)
	}
	if resetToken != "" {
		t.Fatal("expected empty token for unknown account")
	}
}

func TestPasswordResetWrongSecretBurnsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.PasswordReset.MaxAttempts = 2
	up := newMemoryProvider()
	engine, _, done := newTestEngine(t, cfg, up)
	defer done()
	addActiveUser(t, up, cfg, "u1", "alice@nido.test", "old-password-123", rbac.RoleTeacher)

	resetToken, err := engine.RequestPasswordReset(context.Background(), "alice@nido.test")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	id, secret, err := internal.DecodeResetToken(resetToken)
	if err != nil {
		t.Fatalf("DecodeResetToken failed: %v", err)
	}
	secret[0] ^= 0xff
	forged := internal.EncodeResetToken(id, secret)

	if err := engine.ConfirmPasswordReset(context.Background(), forged, "new-password-456"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected ErrResetTokenInvalid, got %v", err)
	}
	// Second wrong guess reaches MaxAttempts and destroys the record, so
	// even the genuine token is dead afterwards.
	if err := engine.ConfirmPasswordReset(context.Background(), forged, "new-password-456"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected ErrResetTokenInvalid, got %v", err)
	}
	if err := engine.ConfirmPasswordReset(context.Background(), resetToken, "new-password-456"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected genuine token destroyed, got %v", err)
	}
}

func TestPasswordResetExpiredToken(t *testing.T) {
	cfg := testConfig()
	up := newMemoryProvider()
	engine, _, done := newTestEngine(t, cfg, up)
	defer done()
	addActiveUser(t, up, cfg, "u1", "alice@nido.test", "old-password-123", rbac.RoleTeacher)

	id, err := internal.NewResetID()
	if err != nil {
		t.Fatalf("NewResetID failed: %v", err)
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		t.Fatalf("NewResetSecret failed: %v", err)
	}
	record := &passwordResetRecord{
		UserID:     "u1",
		Email:      "alice@nido.test",
		SecretHash: internal.HashResetSecret(secret),
		ExpiresAt:  time.Now().Add(-time.Minute).Unix(),
	}
	if err := engine.resets.Save(context.Background(), "0", id.String(), record, time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	err = engine.ConfirmPasswordReset(context.Background(), internal.EncodeResetToken(id, secret), "new-password-456")
	if !errors.Is(err, ErrResetTokenExpired) {
		t.Fatalf("expected ErrResetTokenExpired, got %v", err)
	}
}

func TestPasswordResetPolicyRejectionKeepsTokenAlive(t *testing.T) {
	cfg := testConfig()
	up := newMemoryProvider()
	engine, _, done := newTestEngine(t, cfg, up)
	defer done()
	addActiveUser(t, up, cfg, "u1", "alice@nido.test", "old-password-123", rbac.RoleTeacher)

	resetToken, err := engine.RequestPasswordReset(context.Background(), "alice@nido.test")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	if err := engine.ConfirmPasswordReset(context.Background(), resetToken, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	// The rejected attempt must not have consumed the token.
	if err := engine.ConfirmPasswordReset(context.Background(), resetToken, "new-password-456"); err != nil {
		t.Fatalf("ConfirmPasswordReset after policy rejection failed: %v", err)
	}
}

func TestPasswordResetMalformedToken(t *testing.T) {
	cfg := testConfig()
	up := newMemoryProvider()
	engine, _, done := newTestEngine(t, cfg, up)
	defer done()

	if err := engine.ConfirmPasswordReset(context.Background(), "not-a-token", "new-password-456"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected ErrResetTokenInvalid, got %v", err)
	}
}
