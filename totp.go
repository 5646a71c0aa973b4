package nidoauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// errTOTPCodeMismatch reports a well-formed code that matched no counter in
// the verification window. Broken input (empty secret, unknown algorithm)
// surfaces as a distinct error.
var errTOTPCodeMismatch = errors.New("totp code mismatch")

type totpManager struct {
	config MFAConfig
}

func newTOTPManager(cfg MFAConfig) *totpManager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	return &totpManager{config: cfg}
}

func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	issuer := m.config.Issuer
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(m.config.Period))
	v.Set("digits", strconv.Itoa(m.config.Digits))
	v.Set("algorithm", strings.ToUpper(m.config.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode returns the HOTP counter the code matched. Every candidate in
// the skew window is evaluated even after a hit, and the highest matching
// counter wins, so the caller's replay cutoff always advances as far as the
// window allows.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (int64, error) {
	if m == nil {
		return 0, ErrEngineNotReady
	}

	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.config.Digits || !allDigits(trimmed) {
		return 0, errTOTPCodeMismatch
	}
	if len(secret) == 0 {
		return 0, errors.New("empty totp secret")
	}

	matched := int64(-1)
	for _, counter := range m.windowCounters(now) {
		generated, err := hotpCode(secret, counter, m.config.Digits, m.config.Algorithm)
		if err != nil {
			return 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 && counter > matched {
			matched = counter
		}
	}
	if matched < 0 {
		return 0, errTOTPCodeMismatch
	}
	return matched, nil
}

// windowCounters lists the candidate counters around now, skew steps to
// either side. Counters before the epoch are dropped.
func (m *totpManager) windowCounters(now time.Time) []int64 {
	base := now.Unix() / int64(m.config.Period)
	counters := make([]int64, 0, 2*m.config.Skew+1)
	for step := -m.config.Skew; step <= m.config.Skew; step++ {
		if counter := base + int64(step); counter >= 0 {
			counters = append(counters, counter)
		}
	}
	return counters
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 section 5.3.
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", digits, value%pow10(digits)), nil
}

func pow10(n int) uint32 {
	out := uint32(1)
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
