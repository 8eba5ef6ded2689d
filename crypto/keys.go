package crypto

import "crypto/sha256"

// KeySize is the size of a derived message key. The full SHA-256 digest is
// used as the cipher key, so field encryption is AES-256-CBC.
const KeySize = 32

// IVSize is the AES block size, used for the derived IV.
const IVSize = 16

// MessageKey derives the cipher key for one message as
// SHA-256(secret || from || id). Both ends of a link derive the same key
// from the envelope, so keys never travel on the wire.
func MessageKey(secret []byte, from, id string) []byte {
	digest := sha256.New()
	digest.Write(secret)
	digest.Write([]byte(from))
	digest.Write([]byte(id))
	return digest.Sum(nil)
}

// MessageIV derives the CBC initialization vector for one message by
// folding SHA-256(from || id) in half with XOR.
func MessageIV(from, id string) []byte {
	digest := sha256.New()
	digest.Write([]byte(from))
	digest.Write([]byte(id))
	hash := digest.Sum(nil)

	iv := make([]byte, IVSize)
	for i := 0; i < IVSize; i++ {
		iv[i] = hash[i] ^ hash[i+IVSize]
	}
	return iv
}
