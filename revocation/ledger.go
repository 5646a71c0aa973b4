package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable means the ledger store could not be reached. It is a
	// distinct condition from "not revoked": the caller's configured policy
	// decides whether to reject or to allow-with-audit, never silently.
	ErrUnavailable = errors.New("revocation store unavailable")
)

// Ledger is the distributed blacklist of revoked token identifiers. Every
// service instance consults the same Redis keyspace, so a revocation written
// by one instance is visible to all of them; no instance-local caching.
//
// Entries carry a TTL equal to the token's remaining lifetime at revocation
// time, so Redis prunes them exactly when the token would have expired
// anyway. No sweeper is needed.
type Ledger struct {
	redis  *redis.Client
	prefix string
}

// NewLedger creates a ledger over the given client. prefix namespaces the
// keys so multiple engines can share one Redis.
func NewLedger(client *redis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = "na"
	}
	return &Ledger{redis: client, prefix: prefix}
}

func (l *Ledger) key(tenantID, tokenID string) string {
	if tenantID == "" {
		tenantID = "0"
	}
	return l.prefix + ":rvk:" + tenantID + ":" + tokenID
}

// Revoke blacklists tokenID until expiresAt. Revoking an already-revoked or
// already-expired token is a no-op, so the call is idempotent: the ledger
// state after two revocations equals the state after one.
func (l *Ledger) Revoke(ctx context.Context, tenantID, tokenID, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	// SetNX keeps the original revoked-at TTL when the entry already exists.
	if err := l.redis.SetNX(ctx, l.key(tenantID, tokenID), userID, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether tokenID has a live ledger entry. A store error
// is returned as ErrUnavailable, never folded into the boolean.
func (l *Ledger) IsRevoked(ctx context.Context, tenantID, tokenID string) (bool, error) {
	err := l.redis.Get(ctx, l.key(tenantID, tokenID)).Err()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// RevokedOwner returns the user that owned a revoked token, or "" when the
// entry is absent. Used by administrative reporting.
func (l *Ledger) RevokedOwner(ctx context.Context, tenantID, tokenID string) (string, error) {
	owner, err := l.redis.Get(ctx, l.key(tenantID, tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return owner, nil
}

// Purge removes an entry ahead of its TTL. Admin-only escape hatch.
func (l *Ledger) Purge(ctx context.Context, tenantID, tokenID string) error {
	if err := l.redis.Del(ctx, l.key(tenantID, tokenID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
