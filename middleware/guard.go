package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	nidoauth "github.com/nidohq/nido-auth"
)

type identityContextKey struct{}

// Guard wraps HTTP handlers with token validation and permission checks.
// It is a thin adapter: all decisions happen in the engine.
type Guard struct {
	engine *nidoauth.Engine

	// TrustForwardedFor takes the client address from the leftmost
	// X-Forwarded-For entry instead of the socket peer. Enable only behind
	// a proxy that strips the header from untrusted traffic.
	TrustForwardedFor bool
}

// NewGuard creates a guard over the engine.
func NewGuard(engine *nidoauth.Engine) *Guard {
	return &Guard{engine: engine}
}

// Authenticate validates the bearer token and stores the resulting Identity
// in the request context. Requests without a valid access token never reach
// the next handler.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		ctx := g.requestContext(r)
		identity, err := g.engine.ValidateAccess(ctx, tokenStr)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx = context.WithValue(ctx, identityContextKey{}, *identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission gates a route on an (action, resource-type) permission.
// Must run after Authenticate.
func (g *Guard) RequirePermission(action, resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			if err := g.engine.Authorize(r.Context(), identity, action, resourceType); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext returns the Identity stored by Authenticate.
func IdentityFromContext(ctx context.Context) (nidoauth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(nidoauth.Identity)
	return identity, ok
}

// requestContext attaches the client address and a correlation id so audit
// events produced downstream carry them.
func (g *Guard) requestContext(r *http.Request) context.Context {
	ctx := nidoauth.WithClientIP(r.Context(), g.clientIP(r))

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return nidoauth.WithRequestID(ctx, requestID)
}

func (g *Guard) clientIP(r *http.Request) string {
	if g.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// writeError answers with the mapped status. An active MFA lockout also
// carries its remaining cooldown as a Retry-After header, rounded up so the
// client never retries early.
func writeError(w http.ResponseWriter, err error) {
	var lockout *nidoauth.LockoutError
	if errors.As(err, &lockout) && lockout.RetryAfter > 0 {
		seconds := int64((lockout.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	status, msg := statusFor(err)
	http.Error(w, msg, status)
}

// statusFor maps engine errors to transport status codes without leaking
// detail. Revoked and expired read the same to the caller as any other
// unauthorized request.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, nidoauth.ErrTokenExpired),
		errors.Is(err, nidoauth.ErrTokenInvalid),
		errors.Is(err, nidoauth.ErrTokenRevoked),
		errors.Is(err, nidoauth.ErrMFARequired):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, nidoauth.ErrMFALockedOut):
		return http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, nidoauth.ErrPermissionDenied),
		errors.Is(err, nidoauth.ErrOwnershipDenied),
		errors.Is(err, nidoauth.ErrIPNotAllowed):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, nidoauth.ErrResourceNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, nidoauth.ErrLedgerUnavailable),
		errors.Is(err, nidoauth.ErrMFAUnavailable),
		errors.Is(err, nidoauth.ErrResetUnavailable):
		return http.StatusServiceUnavailable, "service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
