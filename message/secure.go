package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mopmsg/mop/crypto"
)

// ErrFieldMissing reports a request to encrypt a field the message does
// not contain.
var ErrFieldMissing = errors.New("field to encrypt is missing")

// IsEncrypted reports whether the message carries encrypted field data.
func (m *Message) IsEncrypted() bool {
	return m.HasDotted(SecureDataPath)
}

// Encrypt removes the named (possibly dotted-path) fields from the
// message, collects them into a holder object preserving their
// hierarchical shape, encrypts the holder's JSON with a key derived from
// the shared secret and this message's envelope, and stores the base-64
// ciphertext at the envelope's secure attribute. Every named field must be
// present.
func (m *Message) Encrypt(secret []byte, fields ...string) error {
	if len(secret) == 0 {
		return errors.New("missing secret")
	}
	if len(fields) == 0 {
		return errors.New("no fields to encrypt")
	}

	// Verify up front so a missing field cannot leave the message half
	// stripped.
	for _, field := range fields {
		if !m.HasDotted(field) {
			return fmt.Errorf("%w: %s", ErrFieldMissing, field)
		}
	}

	holder := &Message{fields: make(map[string]any)}
	for _, field := range fields {
		value, _ := m.RemoveDotted(field)
		holder.PutDotted(field, value)
	}

	plaintext, err := json.Marshal(holder.fields)
	if err != nil {
		return fmt.Errorf("encoding fields for encryption: %w", err)
	}

	key := crypto.MessageKey(secret, m.From, m.ID)
	iv := crypto.MessageIV(m.From, m.ID)
	ciphertext, err := crypto.EncryptCBC(key, iv, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting fields: %w", err)
	}

	m.PutDotted(SecureDataPath, EncodeBytes(ciphertext))
	return nil
}

// Decrypt reverses Encrypt: it recovers the holder object from the secure
// attribute, merges the recovered fields back into the message, and
// removes the secure attribute. A message without encrypted data is left
// untouched.
func (m *Message) Decrypt(secret []byte) error {
	encoded, ok := m.GetDotted(SecureDataPath)
	if !ok {
		return nil
	}
	encodedStr, _ := encoded.(string)

	ciphertext, err := DecodeBytes(encodedStr)
	if err != nil {
		return fmt.Errorf("decoding secure data: %w", err)
	}

	key := crypto.MessageKey(secret, m.From, m.ID)
	iv := crypto.MessageIV(m.From, m.ID)
	plaintext, err := crypto.DecryptCBC(key, iv, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypting fields: %w", err)
	}

	var holder map[string]any
	if err := json.Unmarshal(plaintext, &holder); err != nil {
		return fmt.Errorf("decoding decrypted fields: %w", err)
	}

	m.RemoveDotted(SecureDataPath)
	m.merge(holder, "")
	return nil
}

// merge walks the recovered holder depth first and puts every leaf back at
// its original dotted path.
func (m *Message) merge(obj map[string]any, path string) {
	for key, value := range obj {
		childPath := key
		if path != "" {
			childPath = path + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			m.merge(child, childPath)
		} else {
			m.PutDotted(childPath, value)
		}
	}
}

// ReEncrypt decrypts the secure attribute with fromSecret and re-encrypts
// it with toSecret, without merging the protected fields back into the
// message. The central post office uses this to forward ciphertext from
// one post office's key to another's without exposing plaintext fields in
// the routed message.
func (m *Message) ReEncrypt(fromSecret, toSecret []byte) error {
	encoded, ok := m.GetDotted(SecureDataPath)
	if !ok {
		return nil
	}
	encodedStr, _ := encoded.(string)

	ciphertext, err := DecodeBytes(encodedStr)
	if err != nil {
		return fmt.Errorf("decoding secure data: %w", err)
	}

	iv := crypto.MessageIV(m.From, m.ID)
	plaintext, err := crypto.DecryptCBC(crypto.MessageKey(fromSecret, m.From, m.ID), iv, ciphertext)
	if err != nil {
		return fmt.Errorf("re-encrypt decrypting: %w", err)
	}

	reEncrypted, err := crypto.EncryptCBC(crypto.MessageKey(toSecret, m.From, m.ID), iv, plaintext)
	if err != nil {
		return fmt.Errorf("re-encrypt encrypting: %w", err)
	}

	m.PutDotted(SecureDataPath, EncodeBytes(reEncrypted))
	return nil
}
