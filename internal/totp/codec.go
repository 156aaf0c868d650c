package totp

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"strings"
)

// ErrInvalidSecret is returned when a secret isn't valid Base32.
var ErrInvalidSecret = errors.New("invalid base32 secret")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// counterBytes encodes a time-step counter as an 8 byte big-endian buffer.
func counterBytes(c uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, c)
	return b
}

// DecodeSecret decodes a Base32 secret to raw key bytes. Case, whitespace,
// hyphens and trailing padding are ignored, as authenticator apps and
// users tend to mangle them.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '-':
			return -1
		}
		return r
	}, strings.ToUpper(s))
	s = strings.TrimRight(s, "=")

	if s == "" {
		return nil, ErrInvalidSecret
	}

	key, err := b32.DecodeString(s)
	if err != nil || len(key) == 0 {
		return nil, ErrInvalidSecret
	}
	return key, nil
}

// EncodeSecret encodes raw key bytes as unpadded Base32.
func EncodeSecret(key []byte) string {
	return b32.EncodeToString(key)
}
