package nidoauth

import (
	"context"
	"time"

	"github.com/nidohq/nido-auth/rbac"
)

// UserRecord is the account record returned by [UserProvider]. Accounts are
// soft-deactivated only (Active flag), never hard-deleted, so audit history
// stays referentially intact.
type UserRecord struct {
	UserID       string
	TenantID     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         string
	Active       bool
	MFAEnabled   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MFARecord is the per-user MFA state held by the provider. At most one per
// user. A record with Confirmed unset is a pending enrollment: the secret
// has been provisioned but no code has been verified yet, and login is not
// affected. The provider's contract is to store Secret encrypted at rest.
type MFARecord struct {
	Secret          []byte
	Confirmed       bool
	LastUsedCounter int64
	EnrolledAt      time.Time
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code. The
// plaintext is shown to the user once and never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
	Used bool
}

// IPAllowlistEntry is one CIDR range on a user's allow-list.
type IPAllowlistEntry struct {
	CIDR      string
	Label     string
	CreatedAt time.Time
}

// UserProvider is the interface the host application implements to connect
// the engine to its user database. pgstore ships a Postgres implementation;
// tests use an in-memory one.
//
// ConsumeBackupCode must be atomic: of two concurrent calls with the same
// unused hash, exactly one may return true.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, tenantID, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error

	GetMFARecord(ctx context.Context, userID string) (*MFARecord, error)
	SavePendingMFASecret(ctx context.Context, userID string, secret []byte) error
	ConfirmMFA(ctx context.Context, userID string) error
	DisableMFA(ctx context.Context, userID string) error
	UpdateMFALastUsedCounter(ctx context.Context, userID string, counter int64) error

	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error)

	ListIPAllowlist(ctx context.Context, userID string) ([]IPAllowlistEntry, error)
	ListRoleAssignments(ctx context.Context, userID string) ([]rbac.Assignment, error)
}

// Identity is the authenticated caller produced by [Engine.ValidateAccess].
// It is constructed per request from a verified token and never persisted.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
	TokenID  string
}

// LoginResult is returned by [Engine.Login] and the MFA completion methods.
// When MFARequired is set, PendingToken is the only usable credential and it
// is accepted exclusively by CompleteMFALogin / CompleteMFALoginBackup.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64

	MFARequired  bool
	PendingToken string
}

// MFAProvision holds the raw secret and otpauth:// URI returned by
// [Engine.BeginMFASetup] for QR display. Neither is stored in plaintext.
type MFAProvision struct {
	SecretBase32 string
	URI          string
}
