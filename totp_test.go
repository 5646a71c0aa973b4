package nidoauth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// Vectors from RFC 6238 appendix B (SHA1, 8 digits, 30s period).
func TestHOTPCodeRFCVectors(t *testing.T) {
	secret := []byte("12345678901234567890")
	vectors := []struct {
		unix int64
		want string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}

	for _, v := range vectors {
		got, err := hotpCode(secret, v.unix/30, 8, "SHA1")
		if err != nil {
			t.Fatalf("hotpCode(%d) failed: %v", v.unix, err)
		}
		if got != v.want {
			t.Fatalf("hotpCode(%d) = %s, want %s", v.unix, got, v.want)
		}
	}
}

func TestVerifyCodeWithinSkewWindow(t *testing.T) {
	cfg := testConfig().MFA
	m := newTOTPManager(cfg)
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0)

	for offset := int64(-1); offset <= 1; offset++ {
		counter := now.Unix()/int64(cfg.Period) + offset
		code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
		if err != nil {
			t.Fatalf("hotpCode failed: %v", err)
		}
		matched, err := m.VerifyCode(secret, code, now)
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if matched != counter {
			t.Fatalf("offset %d: matched counter %d, want %d", offset, matched, counter)
		}
	}

	// Two steps out is beyond skew 1.
	outside, err := hotpCode(secret, now.Unix()/int64(cfg.Period)+2, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	if _, err := m.VerifyCode(secret, outside, now); !errors.Is(err, errTOTPCodeMismatch) {
		t.Fatalf("expected errTOTPCodeMismatch out of window, got %v", err)
	}
}

func TestWindowCountersStopAtEpoch(t *testing.T) {
	m := newTOTPManager(testConfig().MFA)

	// Right after the epoch the minus-one step would be negative.
	counters := m.windowCounters(time.Unix(15, 0))
	if len(counters) != 2 || counters[0] != 0 || counters[1] != 1 {
		t.Fatalf("unexpected counters near epoch: %v", counters)
	}
}

func TestVerifyCodeRejectsBadInput(t *testing.T) {
	m := newTOTPManager(testConfig().MFA)
	secret := []byte("12345678901234567890")
	now := time.Now()

	for _, code := range []string{"", "12345", "1234567", "abcdef", "12 456"} {
		if _, err := m.VerifyCode(secret, code, now); !errors.Is(err, errTOTPCodeMismatch) {
			t.Fatalf("code %q: expected errTOTPCodeMismatch, got %v", code, err)
		}
	}

	if _, err := m.VerifyCode(nil, "123456", now); err == nil || errors.Is(err, errTOTPCodeMismatch) {
		t.Fatalf("expected a distinct error for an empty secret, got %v", err)
	}
}

func TestGenerateSecretAndProvisionURI(t *testing.T) {
	m := newTOTPManager(testConfig().MFA)

	raw, encoded, err := m.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if len(raw) != totpSecretBytes || encoded == "" {
		t.Fatalf("unexpected secret: %d bytes, %q", len(raw), encoded)
	}

	uri := m.ProvisionURI(encoded, "alice@nido.test")
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Fatalf("unexpected URI: %s", uri)
	}
	for _, fragment := range []string{"secret=" + encoded, "issuer=NidoTest", "digits=6", "period=30"} {
		if !strings.Contains(uri, fragment) {
			t.Fatalf("URI missing %q: %s", fragment, uri)
		}
	}
}
