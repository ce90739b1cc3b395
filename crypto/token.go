package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the amount of randomness in a generated token (256 bits).
const tokenBytes = 32

// NewToken returns a random opaque identifier rendered as unpadded base64url
// (43 printable characters). Uniqueness is the caller's concern.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
