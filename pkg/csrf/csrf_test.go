package csrf_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openkcm/vault-gateway/pkg/csrf"
)

func TestCSRF(t *testing.T) {
	tests := []struct {
		name              string
		genKey            string // Key used to generate the CSRF token
		genSessionID      string // Session ID used to generate the CSRF token
		validateKey       string // Key used to validate the token
		validateSessionID string // Session ID used to validate the token
		wantValid         bool
	}{
		{
			name:              "Token of the session is valid",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "my-super-secret-key",
			validateSessionID: "some-session-id",
			wantValid:         true,
		},
		{
			name:              "Mismatched Session ID. Token is invalid",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "my-super-secret-key",
			validateSessionID: "mismatched-session-id",
			wantValid:         false,
		},
		{
			name:              "Mismatched key. Token is invalid",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "mismatched-key",
			validateSessionID: "some-session-id",
			wantValid:         false,
		},
		{
			name:              "Mismatched Session ID and key. Token is invalid",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "mismatched-key",
			validateSessionID: "mismatched-session-id",
			wantValid:         false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token := csrf.NewToken(tc.genSessionID, []byte(tc.genKey))
			valid := csrf.Validate(token, tc.validateSessionID, []byte(tc.validateKey))
			assert.Equal(t, tc.wantValid, valid, "Failed to validate the CSRF token")
		})
	}
}

func TestValidate_MalformedTokens(t *testing.T) {
	key := []byte("key")
	valid := csrf.NewToken("session", key)
	mac, nonce, _ := strings.Cut(valid, ".")

	tests := []struct {
		name  string
		token string
	}{
		{name: "Empty", token: ""},
		{name: "No separator", token: mac + nonce},
		{name: "Mac not hex", token: "zz." + nonce},
		{name: "Nonce not hex", token: mac + ".zz"},
		{name: "Short nonce", token: mac + "." + nonce[:10]},
		{name: "Tampered mac", token: strings.Repeat("0", len(mac)) + "." + nonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, csrf.Validate(tt.token, "session", key))
		})
	}
}

func TestNewToken_IsRandom(t *testing.T) {
	key := []byte("key")
	assert.NotEqual(t, csrf.NewToken("session", key), csrf.NewToken("session", key))
}
