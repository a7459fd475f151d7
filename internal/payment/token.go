package payment

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const tokenBytes = 32

// newToken returns an unguessable URL-safe token. It is the only secret in a
// payment URL.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate payment token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func paymentURL(base, token string) string {
	return base + "/pay/" + token
}
