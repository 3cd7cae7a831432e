package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/base62"
)

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSecret returns n random bytes encoded as unpadded base64url, suitable
// for a signing secret passed through configuration.
func RandomSecret(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	defer WipeBytes(b)
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomToken returns an n-character base62 string.
func RandomToken(n int) (string, error) {
	s, err := base62.Random(n)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return s, nil
}
