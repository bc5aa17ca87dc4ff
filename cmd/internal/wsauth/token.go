package wsauth

import (
	"crypto/rand"
	"encoding/hex"
)

// Token is a short-lived, single-use admission secret binding a caller's
// host to a pending WebSocket upgrade.
type Token string

// tokenBytes gives 2*tokenBytes hex chars, comfortably beyond guessing range
// for a secret that lives for seconds.
const tokenBytes = 24

// NewToken returns a cryptographically random admission token.
func NewToken() (Token, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return Token(hex.EncodeToString(b)), nil
}
