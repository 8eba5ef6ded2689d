package message

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Alphabet is the private base-64 alphabet shared by every codec user:
// frame lengths, message IDs, shared secrets, authenticators and field
// ciphertext all encode with it. It deliberately excludes '[' and ']' so
// encoded values can never be confused with frame delimiters.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

var (
	byteEncoding = base64.NewEncoding(Alphabet).WithPadding(base64.NoPadding)

	alphabetValues = buildAlphabetValues()

	// ErrNotBase64 reports a character outside the codec alphabet.
	ErrNotBase64 = errors.New("character outside base-64 alphabet")
)

func buildAlphabetValues() [256]int8 {
	var values [256]int8
	for i := range values {
		values[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		values[Alphabet[i]] = int8(i)
	}
	return values
}

// IsBase64Char reports whether b is a character of the codec alphabet.
func IsBase64Char(b byte) bool {
	return alphabetValues[b] >= 0
}

// EncodeBytes encodes raw bytes with the codec alphabet, unpadded.
func EncodeBytes(data []byte) string {
	return byteEncoding.EncodeToString(data)
}

// DecodeBytes decodes a string produced by EncodeBytes.
func DecodeBytes(s string) ([]byte, error) {
	data, err := byteEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base-64 bytes: %w", err)
	}
	return data, nil
}

// EncodeInt encodes v as the minimal run of codec digits, most significant
// first. Zero encodes as a single digit.
func EncodeInt(v uint64) string {
	if v == 0 {
		return Alphabet[:1]
	}
	var digits [11]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = Alphabet[v&0x3f]
		v >>= 6
	}
	return string(digits[i:])
}

// DecodeInt decodes a minimal-digit integer produced by EncodeInt.
func DecodeInt(s string) (uint64, error) {
	if len(s) == 0 {
		return 0, errors.New("empty base-64 integer")
	}
	if len(s) > 11 {
		return 0, errors.New("base-64 integer too long")
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := alphabetValues[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: %q", ErrNotBase64, s[i])
		}
		v = v<<6 | uint64(d)
	}
	return v, nil
}
