// Package limiters holds the Redis-backed MFA lockout counter.
package limiters
