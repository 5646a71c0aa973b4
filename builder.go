package nidoauth

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/nidohq/nido-auth/internal/limiters"
	"github.com/nidohq/nido-auth/password"
	"github.com/nidohq/nido-auth/rbac"
	"github.com/nidohq/nido-auth/revocation"
	"github.com/nidohq/nido-auth/token"
)

// Builder assembles an [Engine]. Configuration, the permission catalog, and
// the role definitions are all supplied before Build; after Build the engine
// is immutable and safe for concurrent use.
//
//	engine, err := nidoauth.NewBuilder().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithUserProvider(store).
//		WithPermissions("read:child_profile", "manage:intervention_plan").
//		WithRole(rbac.RoleDirector, []string{"read:child_profile", "manage:intervention_plan"}).
//		WithRole(rbac.RoleParent, []string{"read:child_profile"}).
//		Build()
type Builder struct {
	config      Config
	redis       *redis.Client
	users       UserProvider
	auditSink   AuditSink
	permissions []string
	roles       []roleDefinition
}

type roleDefinition struct {
	name        string
	permissions []string
}

// NewBuilder returns a builder preloaded with the default configuration.
func NewBuilder() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration. Fields left at their zero
// value are NOT defaulted; start from scratch deliberately or mutate the
// defaults via WithConfigEdit.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithConfigEdit applies fn to the current configuration in place. Useful for
// adjusting one or two fields of the defaults.
func (b *Builder) WithConfigEdit(fn func(*Config)) *Builder {
	if fn != nil {
		fn(&b.config)
	}
	return b
}

// WithRedis supplies the Redis client used for revocation, lockouts, and
// password reset records.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithUserProvider supplies the host's user store.
func (b *Builder) WithUserProvider(provider UserProvider) *Builder {
	b.users = provider
	return b
}

// WithAuditSink supplies the destination for audit events. Without one,
// events are dispatched to a [NoOpSink].
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithPermissions registers permission names into the catalog. Names follow
// the "action:resource" convention of [rbac.Permission]. May be called
// multiple times; at most 64 permissions total.
func (b *Builder) WithPermissions(names ...string) *Builder {
	b.permissions = append(b.permissions, names...)
	return b
}

// WithRole defines a role as a set of previously registered permissions.
func (b *Builder) WithRole(name string, permissions []string) *Builder {
	b.roles = append(b.roles, roleDefinition{name: name, permissions: permissions})
	return b
}

// Build validates everything and assembles the engine. The permission
// registry and role table are frozen here; no registration is possible on a
// built engine.
func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.users == nil {
		return nil, errors.New("user provider is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if len(b.permissions) == 0 {
		return nil, errors.New("at least one permission must be registered")
	}
	if len(b.roles) == 0 {
		return nil, errors.New("at least one role must be registered")
	}

	registry := rbac.NewRegistry()
	for _, name := range b.permissions {
		if _, err := registry.Register(name); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	roleManager := rbac.NewRoleManager(registry)
	for _, def := range b.roles {
		if err := roleManager.RegisterRole(def.name, def.permissions); err != nil {
			return nil, err
		}
	}
	roleManager.Freeze()

	guard := rbac.NewGuard(registry, roleManager, rbac.GuardConfig{
		CrossUserRoles:    b.config.Authorization.CrossUserRoles,
		NotFoundResources: b.config.Authorization.NotFoundResources,
	})

	tokens, err := token.NewManager(token.Config{
		SigningMethod: token.SigningMethod(b.config.JWT.SigningMethod),
		PrivateKey:    b.config.JWT.PrivateKey,
		PublicKey:     b.config.JWT.PublicKey,
		Issuer:        b.config.JWT.Issuer,
		Leeway:        b.config.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	passwords, err := password.NewArgon2(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    b.config,
		users:     b.users,
		tokens:    tokens,
		passwords: passwords,
		registry:  registry,
		roles:     roleManager,
		guard:     guard,
		ledger:    revocation.NewLedger(b.redis, b.config.Revocation.KeyPrefix),
		audit:     newAuditDispatcher(b.config.Audit, b.auditSink),
	}
	if b.config.MFA.Enabled {
		engine.totp = newTOTPManager(b.config.MFA)
		engine.lockouts = limiters.NewLockout(
			b.redis,
			b.config.Revocation.KeyPrefix,
			b.config.MFA.LockoutThreshold,
			b.config.MFA.LockoutCooldown,
		)
	}
	if b.config.PasswordReset.Enabled {
		engine.resets = newPasswordResetStore(b.redis, b.config.Revocation.KeyPrefix)
	}
	engine.ready = true

	return engine, nil
}
