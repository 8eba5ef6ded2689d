// Package crypto implements the cryptographic primitives of the MOP
// protocol: per-message key and IV derivation, AES-CBC with PKCS7 padding
// for selective field encryption, and the SHA-256 connect authenticator.
//
// All key material is derived from a secret shared pairwise between a post
// office and the central post office; nothing here involves public keys.
// Both sides can reproduce the key and IV from the message envelope alone,
// so no cryptographic state travels on the wire besides the ciphertext.
package crypto
