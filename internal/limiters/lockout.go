package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockedOut means the cooldown is active; the caller must fail fast
	// without evaluating the submitted code.
	ErrLockedOut = errors.New("mfa lockout active")
	// ErrUnavailable means the counter store could not be reached.
	ErrUnavailable = errors.New("lockout store unavailable")
)

// Lockout maintains the per-user MFA failure counter and cooldown. TOTP and
// backup-code attempts share one counter, since both are MFA verifications.
//
// Counters are maintained with atomic INCR, never read-then-write: two
// concurrent failures cannot undercount past the threshold.
type Lockout struct {
	redis     *redis.Client
	prefix    string
	threshold int
	cooldown  time.Duration
}

// NewLockout creates a lockout tracker. threshold failures trigger a
// cooldown-long lockout.
func NewLockout(client *redis.Client, prefix string, threshold int, cooldown time.Duration) *Lockout {
	if prefix == "" {
		prefix = "na"
	}
	return &Lockout{
		redis:     client,
		prefix:    prefix,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (l *Lockout) attemptsKey(tenantID, userID string) string {
	return l.prefix + ":mfaatt:" + tenant(tenantID) + ":" + userID
}

func (l *Lockout) lockKey(tenantID, userID string) string {
	return l.prefix + ":mfalock:" + tenant(tenantID) + ":" + userID
}

// Check fails with ErrLockedOut while the cooldown is active. It is called
// before any code evaluation so a locked-out caller learns nothing about
// code correctness, and the retry hint is the lock key's remaining TTL.
func (l *Lockout) Check(ctx context.Context, tenantID, userID string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, l.lockKey(tenantID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// PTTL returns a negative duration when the key is absent.
	if ttl > 0 {
		return ttl, ErrLockedOut
	}
	return 0, nil
}

// RecordFailure atomically increments the counter. Crossing the threshold
// arms the lock for the full cooldown and clears the counter; the lockout is
// reported via ErrLockedOut.
func (l *Lockout) RecordFailure(ctx context.Context, tenantID, userID string) error {
	key := l.attemptsKey(tenantID, userID)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		// Counter window matches the cooldown so stale attempts age out.
		if err := l.redis.Expire(ctx, key, l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count >= int64(l.threshold) {
		pipe := l.redis.TxPipeline()
		pipe.Set(ctx, l.lockKey(tenantID, userID), count, l.cooldown)
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return ErrLockedOut
	}
	return nil
}

// Reset clears both the counter and any active lock. Called on every
// successful verification and by the audited admin reset.
func (l *Lockout) Reset(ctx context.Context, tenantID, userID string) error {
	if err := l.redis.Del(ctx, l.attemptsKey(tenantID, userID), l.lockKey(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func tenant(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}
