package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	resetIDSize       = 16
	resetSecretSize   = 32
	resetTokenRawSize = resetIDSize + resetSecretSize

	// Unambiguous alphabet for backup codes: no 0/O, 1/I/L.
	backupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// ResetID identifies a pending password reset in the store.
type ResetID [resetIDSize]byte

// NewResetID draws a random reset identifier.
func NewResetID() (ResetID, error) {
	var id ResetID
	_, err := rand.Read(id[:])
	return id, err
}

func (r ResetID) String() string {
	return base64.RawURLEncoding.EncodeToString(r[:])
}

// ParseResetID decodes the string form produced by String.
func ParseResetID(s string) (ResetID, error) {
	var id ResetID
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid reset id size")
	}
	copy(id[:], raw)
	return id, nil
}

// NewResetSecret draws the secret half of a reset token.
func NewResetSecret() ([resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashResetSecret hashes the secret for at-rest storage; the store never
// sees the plaintext secret.
func HashResetSecret(secret [resetSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeResetToken packs id and secret into the opaque single-use token
// handed to the user.
func EncodeResetToken(id ResetID, secret [resetSecretSize]byte) string {
	var raw [resetTokenRawSize]byte
	copy(raw[:resetIDSize], id[:])
	copy(raw[resetIDSize:], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// DecodeResetToken splits a token back into id and secret.
func DecodeResetToken(token string) (ResetID, [resetSecretSize]byte, error) {
	var id ResetID
	var secret [resetSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, secret, err
	}
	if len(raw) != resetTokenRawSize {
		return id, secret, errors.New("invalid reset token size")
	}
	copy(id[:], raw[:resetIDSize])
	copy(secret[:], raw[resetIDSize:])
	return id, secret, nil
}

// NewBackupCode draws a random code from the unambiguous alphabet.
func NewBackupCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("invalid backup code length")
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(length)
	for _, c := range raw {
		b.WriteByte(backupCodeAlphabet[int(c)%len(backupCodeAlphabet)])
	}
	return b.String(), nil
}

// FormatBackupCode groups the code for display (ABCD-EFGH-...).
func FormatBackupCode(code string) string {
	const group = 4
	if len(code) <= group {
		return code
	}
	var b strings.Builder
	for i, c := range code {
		if i > 0 && i%group == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// CanonicalizeBackupCode strips display formatting and case so user input
// matches regardless of how the code was transcribed.
func CanonicalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// BackupCodeHash keys the hash with the owning user id so equal codes held
// by different users never collide at rest.
func BackupCodeHash(userID, canonicalCode string) [32]byte {
	return sha256.Sum256([]byte(userID + ":" + canonicalCode))
}
