package certstore

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"
)

const (
	// UserIDLength is the length of a formatted PKI user ID.
	UserIDLength = 17
	// KeyIDLength is the size of the key ID a user ID carries.
	KeyIDLength = 8

	userIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	userIDGroup    = 5
)

var userIDEncoding = base32.NewEncoding(userIDAlphabet).WithPadding(base32.NoPadding)

var ErrInvalidUserID = errors.New("invalid PKI user ID")

// EncodeUserID formats a key ID as XXXXX-XXXXX-XXXXX. The first encoded byte
// is a checksum over the key ID.
func EncodeUserID(keyID []byte) (string, error) {
	if len(keyID) != KeyIDLength {
		return "", ErrInvalidUserID
	}
	raw := make([]byte, 0, KeyIDLength+1)
	raw = append(raw, userIDChecksum(keyID))
	raw = append(raw, keyID...)
	return group(userIDEncoding.EncodeToString(raw)), nil
}

// DecodeUserID returns the key ID of a formatted user ID. Lowercase input is
// accepted.
func DecodeUserID(id string) ([]byte, error) {
	if len(id) != UserIDLength || id[userIDGroup] != '-' || id[2*userIDGroup+1] != '-' {
		return nil, ErrInvalidUserID
	}
	s := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	raw, err := userIDEncoding.DecodeString(s)
	if err != nil || len(raw) != KeyIDLength+1 {
		return nil, ErrInvalidUserID
	}
	// Non-zero padding bits would give a second spelling of the same ID.
	if userIDEncoding.EncodeToString(raw) != s {
		return nil, ErrInvalidUserID
	}
	keyID := raw[1:]
	if raw[0] != userIDChecksum(keyID) {
		return nil, ErrInvalidUserID
	}
	return keyID, nil
}

// IsUserID reports whether id is a well-formed user ID.
func IsUserID(id string) bool {
	_, err := DecodeUserID(id)
	return err == nil
}

func userIDChecksum(keyID []byte) byte {
	sum := sha256.Sum256(keyID)
	return sum[0]
}

func group(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += userIDGroup {
		if i > 0 {
			b.WriteByte('-')
		}
		end := min(i+userIDGroup, len(s))
		b.WriteString(s[i:end])
	}
	return b.String()
}
