package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SHA256Hex computes the SHA-256 digest of data as lowercase hex.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// DigestEqual reports whether two hex digests name the same content.
// Digests written by other tools may be uppercase, so case is ignored.
// An empty digest never matches.
func DigestEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	a, b = strings.ToLower(a), strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecretEqual compares a presented secret against the expected one in
// constant time. Both sides are hashed first so the comparison does not
// leak the expected length.
func SecretEqual(got, want []byte) bool {
	if len(want) == 0 {
		return false
	}
	g := sha256.Sum256(got)
	w := sha256.Sum256(want)
	return subtle.ConstantTimeCompare(g[:], w[:]) == 1
}
