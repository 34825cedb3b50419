// Package csrf issues CSRF tokens bound to a session ID. A token is an HMAC
// of the session ID and a random nonce, so it can be validated without
// storing it.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const nonceLength = 32

func message(sessionID string, nonce []byte) []byte {
	return fmt.Appendf(nil, "%d!%s!%d!%x", len(sessionID), sessionID, len(nonce), nonce)
}

func sign(sessionID string, nonce, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message(sessionID, nonce))
	return mac.Sum(nil)
}

// NewToken returns a token for the session ID.
func NewToken(sessionID string, key []byte) string {
	nonce := make([]byte, nonceLength)
	_, _ = rand.Read(nonce)

	return hex.EncodeToString(sign(sessionID, nonce, key)) + "." + hex.EncodeToString(nonce)
}

// Validate reports whether the token was issued for the session ID with the key.
func Validate(token, sessionID string, key []byte) bool {
	macHex, nonceHex, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}

	received, err := hex.DecodeString(macHex)
	if err != nil {
		return false
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != nonceLength {
		return false
	}

	return hmac.Equal(received, sign(sessionID, nonce, key))
}
