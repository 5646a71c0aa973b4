package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type discriminates access from refresh tokens. A refresh token presented
// where an access token is expected fails decoding with ErrWrongType.
type Type string

const (
	// TypeAccess is the short-lived bearer token sent with every request.
	TypeAccess Type = "access"
	// TypeRefresh is the long-lived token accepted only by the refresh flow.
	TypeRefresh Type = "refresh"
)

// SigningMethod selects the signature algorithm for the process.
type SigningMethod string

const (
	// MethodEd25519 signs with an ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrExpired is returned for a well-formed, correctly signed token past
	// its expiry. Callers treat it distinctly from ErrInvalidSignature:
	// expiry means refresh, a bad signature means re-login.
	ErrExpired = errors.New("token expired")
	// ErrInvalidSignature is returned when the signature does not verify
	// under the process key.
	ErrInvalidSignature = errors.New("token signature invalid")
	// ErrMalformed is returned for tokens that do not parse at all.
	ErrMalformed = errors.New("token malformed")
	// ErrWrongType is returned when the token's typ claim does not match
	// the expected type.
	ErrWrongType = errors.New("unexpected token type")
)

// Claims is the typed payload of every token the codec produces. Optional
// forward-compatible claims go into Ext rather than loose map lookups, so
// decode-time validation stays possible.
type Claims struct {
	Type     Type   `json:"typ"`
	TenantID string `json:"tid,omitempty"`
	Role     string `json:"role,omitempty"`

	MFARequired bool `json:"mfa_required,omitempty"`
	MFAVerified bool `json:"mfa_verified,omitempty"`

	Ext map[string]string `json:"ext,omitempty"`

	jwt.RegisteredClaims
}

// Config holds the process-wide codec parameters.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// Manager encodes and decodes tokens. It is stateless: output is a pure
// function of the input claims, the process key, and the clock.
type Manager struct {
	config Config
}

// NewManager validates the key material and returns a codec.
func NewManager(cfg Config) (*Manager, error) {
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires a private key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &Manager{config: cfg}, nil
}

// Encode builds a signed token for subject with the given id and lifetime.
// exp is always iat + ttl.
func (m *Manager) Encode(subject, tokenID string, claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be > 0")
	}
	now := time.Now()
	claims.Subject = subject
	claims.ID = tokenID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if m.config.Issuer != "" {
		claims.Issuer = m.config.Issuer
	}

	tok := jwt.NewWithClaims(m.method(), claims)
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

// Decode verifies signature and expiry and returns the typed claims.
// The error is exactly one of ErrExpired, ErrInvalidSignature, ErrMalformed,
// or ErrWrongType.
func (m *Manager) Decode(tokenStr string, want Type) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrMalformed
	}
	if claims.Type != want {
		return nil, ErrWrongType
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// RemainingLife reports how long the claims stay valid from now. Zero or
// negative means already expired; callers use it as the revocation TTL so a
// ledger entry never outlives the token it blocks.
func RemainingLife(claims *Claims, now time.Time) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(now)
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) signKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) verifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
