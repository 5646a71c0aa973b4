package nidoauth

import (
	"context"
	"encoding/base32"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nidohq/nido-auth/password"
	"github.com/nidohq/nido-auth/rbac"
)

var errProviderNotFound = errors.New("memory provider: not found")

// memoryProvider is the in-memory UserProvider used by the engine tests.
type memoryProvider struct {
	mu          sync.Mutex
	users       map[string]UserRecord
	byEmail     map[string]string
	mfa         map[string]*MFARecord
	backupCodes map[string][]BackupCodeRecord
	allowlist   map[string][]IPAllowlistEntry
	assignments map[string][]rbac.Assignment
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		users:       make(map[string]UserRecord),
		byEmail:     make(map[string]string),
		mfa:         make(map[string]*MFARecord),
		backupCodes: make(map[string][]BackupCodeRecord),
		allowlist:   make(map[string][]IPAllowlistEntry),
		assignments: make(map[string][]rbac.Assignment),
	}
}

func (p *memoryProvider) addUser(user UserRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[user.UserID] = user
	p.byEmail[user.TenantID+"|"+user.Email] = user.UserID
}

func (p *memoryProvider) GetUserByEmail(_ context.Context, tenantID, email string) (UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byEmail[tenantID+"|"+email]
	if !ok {
		return UserRecord{}, errProviderNotFound
	}
	return p.users[id], nil
}

func (p *memoryProvider) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[userID]
	if !ok {
		return UserRecord{}, errProviderNotFound
	}
	return user, nil
}

func (p *memoryProvider) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[userID]
	if !ok {
		return errProviderNotFound
	}
	user.PasswordHash = newHash
	p.users[userID] = user
	return nil
}

func (p *memoryProvider) GetMFARecord(_ context.Context, userID string) (*MFARecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.mfa[userID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (p *memoryProvider) SavePendingMFASecret(_ context.Context, userID string, secret []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mfa[userID] = &MFARecord{Secret: secret, EnrolledAt: time.Now()}
	return nil
}

func (p *memoryProvider) ConfirmMFA(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.mfa[userID]
	if !ok {
		return errProviderNotFound
	}
	record.Confirmed = true
	user := p.users[userID]
	user.MFAEnabled = true
	p.users[userID] = user
	return nil
}

func (p *memoryProvider) DisableMFA(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mfa, userID)
	user := p.users[userID]
	user.MFAEnabled = false
	p.users[userID] = user
	return nil
}

func (p *memoryProvider) UpdateMFALastUsedCounter(_ context.Context, userID string, counter int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.mfa[userID]
	if !ok {
		return errProviderNotFound
	}
	if counter > record.LastUsedCounter {
		record.LastUsedCounter = counter
	}
	return nil
}

func (p *memoryProvider) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backupCodes[userID] = append([]BackupCodeRecord(nil), codes...)
	return nil
}

func (p *memoryProvider) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	codes := p.backupCodes[userID]
	for i := range codes {
		if codes[i].Hash == hash && !codes[i].Used {
			codes[i].Used = true
			return true, nil
		}
	}
	return false, nil
}

func (p *memoryProvider) ListIPAllowlist(_ context.Context, userID string) ([]IPAllowlistEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]IPAllowlistEntry(nil), p.allowlist[userID]...), nil
}

func (p *memoryProvider) ListRoleAssignments(_ context.Context, userID string) ([]rbac.Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rbac.Assignment(nil), p.assignments[userID]...), nil
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.MFA.Issuer = "NidoTest"
	return cfg
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestEngine(t *testing.T, cfg Config, up UserProvider) (*Engine, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)

	engine, err := NewBuilder().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		WithPermissions(
			"read:child_profile", "manage:child_profile",
			"read:intervention_plan", "manage:intervention_plan",
			PermissionRevokeSession,
			PermissionResetMFALockout,
		).
		WithRole(rbac.RoleDirector, []string{
			"read:child_profile", "manage:child_profile",
			"read:intervention_plan", "manage:intervention_plan",
			PermissionRevokeSession,
			PermissionResetMFALockout,
		}).
		WithRole(rbac.RoleTeacher, []string{"read:child_profile", "read:intervention_plan"}).
		WithRole(rbac.RoleParent, []string{"read:child_profile"}).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, mr, func() {
		engine.Close()
		mr.Close()
	}
}

func addActiveUser(t *testing.T, up *memoryProvider, cfg Config, userID, email, plainPassword, role string) {
	t.Helper()

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	hash, err := hasher.Hash(plainPassword)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	up.addUser(UserRecord{
		UserID:       userID,
		TenantID:     "0",
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	})
	up.mu.Lock()
	up.assignments[userID] = []rbac.Assignment{{Role: role}}
	up.mu.Unlock()
}

// codeForNow computes the current TOTP code for a stored secret.
func codeForNow(t *testing.T, secret []byte, cfg MFAConfig) string {
	t.Helper()
	counter := time.Now().Unix() / int64(cfg.Period)
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

// codeForStep computes the code at an offset of whole time steps from now.
func codeForStep(t *testing.T, secret []byte, cfg MFAConfig, offset int64) string {
	t.Helper()
	counter := time.Now().Unix()/int64(cfg.Period) + offset
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

func decodeTOTPSecret(t *testing.T, provision *MFAProvision) []byte {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(provision.SecretBase32)
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	return secret
}
