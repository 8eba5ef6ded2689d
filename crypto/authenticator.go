package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Authenticator computes the connect/reconnect authentication token:
// SHA-256(secret || poName || messageID). A connecting post office sends
// the token; the central post office recomputes it from its own copy of
// the secret and compares.
func Authenticator(secret []byte, poName, messageID string) []byte {
	digest := sha256.New()
	digest.Write(secret)
	digest.Write([]byte(poName))
	digest.Write([]byte(messageID))
	return digest.Sum(nil)
}

// VerifyAuthenticator compares a received token against a locally computed
// one in constant time.
func VerifyAuthenticator(computed, received []byte) bool {
	return subtle.ConstantTimeCompare(computed, received) == 1
}
