package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyLength is the size of keys derived by DeriveKey.
const KeyLength = 32

// DeriveKey expands secret into a KeyLength-byte key bound to salt and info
// using HKDF-SHA256. The same inputs always yield the same key.
func DeriveKey(secret, salt, info []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("deriving key: empty secret")
	}
	r := hkdf.New(sha256.New, secret, salt, info)
	k := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
