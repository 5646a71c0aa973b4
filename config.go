package nidoauth

import (
	"errors"
	"strings"
	"time"
)

// Config carries every tunable of the engine. Instances are configured once,
// validated in [Builder.Build], and treated as immutable afterwards. There is
// no package-level state: two engines with different configs can coexist in
// one process.
type Config struct {
	JWT           JWTConfig
	Password      PasswordConfig
	PasswordReset PasswordResetConfig
	MFA           MFAConfig
	Revocation    RevocationConfig
	Authorization AuthorizationConfig
	Audit         AuditConfig
	MultiTenant   MultiTenantConfig
}

// JWTConfig controls the token codec.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration

	// MFAPendingTTL bounds the restricted token issued to an MFA-enabled
	// account between password verification and code verification.
	MFAPendingTTL time.Duration

	// RotateRefresh revokes the presented refresh token whenever Refresh
	// succeeds, so each refresh token is single-use.
	RotateRefresh bool
}

// PasswordConfig holds the argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// PasswordResetConfig controls the single-use reset token flow.
type PasswordResetConfig struct {
	Enabled     bool
	ResetTTL    time.Duration
	MaxAttempts int
}

// MFAConfig groups TOTP, backup-code, lockout, and allow-list settings.
type MFAConfig struct {
	Enabled   bool
	Issuer    string
	Digits    int
	Period    int
	Algorithm string // SHA1 (default), SHA256, SHA512
	Skew      int    // accepted time steps either side of now

	BackupCodeCount  int
	BackupCodeLength int

	// LockoutThreshold failed verifications (TOTP and backup codes share
	// one counter) trigger a lockout of LockoutCooldown. The counter is
	// maintained with atomic Redis increments, never read-then-write.
	LockoutThreshold int
	LockoutCooldown  time.Duration

	// DenyWhenEmpty makes an empty allow-list mean "restricted to nothing"
	// instead of "unrestricted". The default (false) treats users without
	// entries as unrestricted; flipping this is a deliberate operator
	// decision, not something the engine infers.
	DenyWhenEmpty bool
}

// UnavailablePolicy decides what happens when the revocation store cannot be
// reached during validation.
type UnavailablePolicy int

const (
	// FailClosed rejects the request when the ledger is unreachable.
	FailClosed UnavailablePolicy = iota
	// FailOpen accepts the request but emits a security audit event for
	// every token allowed through without a revocation check.
	FailOpen
)

// RevocationConfig controls the token blacklist.
type RevocationConfig struct {
	KeyPrefix         string
	UnavailablePolicy UnavailablePolicy
}

// AuthorizationConfig controls the guard's denial behavior.
type AuthorizationConfig struct {
	// NotFoundResources lists resource types whose ownership denials
	// surface as ErrResourceNotFound, hiding the resource's existence
	// from callers with no legitimate reason to know it exists. All other
	// types surface ErrOwnershipDenied.
	NotFoundResources []string

	// CrossUserRoles may read and mutate resources owned by other users,
	// subject to group scope on the assignment. Typically the director
	// role.
	CrossUserRoles []string
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MultiTenantConfig controls tenant isolation of redis keys and audit events.
type MultiTenantConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     10 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			MFAPendingTTL: 5 * time.Minute,
			RotateRefresh: true,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:     true,
			ResetTTL:    15 * time.Minute,
			MaxAttempts: 5,
		},
		MFA: MFAConfig{
			Enabled:          true,
			Digits:           6,
			Period:           30,
			Algorithm:        "SHA1",
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
			LockoutThreshold: 5,
			LockoutCooldown:  15 * time.Minute,
			DenyWhenEmpty:    false,
		},
		Revocation: RevocationConfig{
			KeyPrefix:         "na",
			UnavailablePolicy: FailClosed,
		},
		Authorization: AuthorizationConfig{
			CrossUserRoles: []string{"director"},
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Authorization.NotFoundResources = append([]string(nil), cfg.Authorization.NotFoundResources...)
	out.Authorization.CrossUserRoles = append([]string(nil), cfg.Authorization.CrossUserRoles...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate rejects configurations the engine cannot run safely with. It is
// called by Build; calling it earlier is harmless.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	if c.JWT.MFAPendingTTL <= 0 || c.JWT.MFAPendingTTL > c.JWT.AccessTTL {
		return errors.New("JWT MFAPendingTTL must be > 0 and <= AccessTTL")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && (len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0) {
		return errors.New("ed25519 requires PrivateKey and PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
		return errors.New("hs256 requires a key of at least 256 bits")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	if c.PasswordReset.Enabled {
		if c.PasswordReset.ResetTTL <= 0 {
			return errors.New("PasswordReset ResetTTL must be > 0")
		}
		if c.PasswordReset.MaxAttempts <= 0 {
			return errors.New("PasswordReset MaxAttempts must be > 0")
		}
	}

	if c.MFA.Enabled {
		if c.MFA.Issuer == "" {
			return errors.New("MFA Issuer is required when MFA is enabled")
		}
		if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
			return errors.New("MFA Digits must be 6 or 8")
		}
		if c.MFA.Period < 15 {
			return errors.New("MFA Period must be >= 15 seconds")
		}
		if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
			return errors.New("MFA Skew must be between 0 and 2")
		}
		switch strings.ToUpper(c.MFA.Algorithm) {
		case "", "SHA1", "SHA256", "SHA512":
			// valid (empty treated as SHA1)
		default:
			return errors.New("MFA Algorithm must be SHA1, SHA256, or SHA512")
		}
		if c.MFA.BackupCodeCount < 8 {
			return errors.New("MFA BackupCodeCount must be >= 8")
		}
		if c.MFA.BackupCodeLength < 8 {
			return errors.New("MFA BackupCodeLength must be >= 8")
		}
		if c.MFA.LockoutThreshold <= 0 {
			return errors.New("MFA LockoutThreshold must be > 0")
		}
		if c.MFA.LockoutCooldown <= 0 {
			return errors.New("MFA LockoutCooldown must be > 0")
		}
	}

	if c.Revocation.KeyPrefix == "" {
		return errors.New("Revocation KeyPrefix must not be empty")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
