// Package auth holds the dashboard password scheme: salted SHA-256 digests,
// checked in constant time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashPasswordWithSalt digests password+salt and returns the hex form, the
// format DASHBOARD_PASSWORD_HASH is stored in.
func HashPasswordWithSalt(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether password hashes to wantHash under salt. The compare
// runs in constant time.
func Verify(password, salt, wantHash string) bool {
	got := HashPasswordWithSalt(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

// RandomHex returns n random bytes hex-encoded, so 2n characters.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
