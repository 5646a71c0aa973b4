package internal

import (
	"strings"
	"testing"
)

func TestResetTokenRoundTrip(t *testing.T) {
	id, err := NewResetID()
	if err != nil {
		t.Fatalf("NewResetID failed: %v", err)
	}
	secret, err := NewResetSecret()
	if err != nil {
		t.Fatalf("NewResetSecret failed: %v", err)
	}

	encoded := EncodeResetToken(id, secret)
	gotID, gotSecret, err := DecodeResetToken(encoded)
	if err != nil {
		t.Fatalf("DecodeResetToken failed: %v", err)
	}
	if gotID != id || gotSecret != secret {
		t.Fatal("round trip lost data")
	}

	parsedID, err := ParseResetID(id.String())
	if err != nil || parsedID != id {
		t.Fatalf("ParseResetID = %v, %v", parsedID, err)
	}
}

func TestDecodeResetTokenRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "not base64url!!", "c2hvcnQ"} {
		if _, _, err := DecodeResetToken(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestBackupCodeAlphabet(t *testing.T) {
	code, err := NewBackupCode(10)
	if err != nil {
		t.Fatalf("NewBackupCode failed: %v", err)
	}
	if len(code) != 10 {
		t.Fatalf("unexpected length: %d", len(code))
	}
	for _, c := range code {
		if !strings.ContainsRune(backupCodeAlphabet, c) {
			t.Fatalf("character %q outside alphabet", c)
		}
	}

	if _, err := NewBackupCode(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestBackupCodeFormatAndCanonicalize(t *testing.T) {
	formatted := FormatBackupCode("ABCDEFGHJK")
	if formatted != "ABCD-EFGH-JK" {
		t.Fatalf("FormatBackupCode = %s", formatted)
	}

	for _, input := range []string{
		"ABCD-EFGH-JK",
		"abcd-efgh-jk",
		" ABCD EFGH JK ",
		"ABCDEFGHJK",
	} {
		if got := CanonicalizeBackupCode(input); got != "ABCDEFGHJK" {
			t.Fatalf("CanonicalizeBackupCode(%q) = %s", input, got)
		}
	}
}

func TestBackupCodeHashIsKeyedByUser(t *testing.T) {
	a := BackupCodeHash("u1", "ABCDEFGHJK")
	b := BackupCodeHash("u2", "ABCDEFGHJK")
	if a == b {
		t.Fatal("equal codes for different users must hash differently")
	}
	if a != BackupCodeHash("u1", "ABCDEFGHJK") {
		t.Fatal("hash must be deterministic")
	}
}
