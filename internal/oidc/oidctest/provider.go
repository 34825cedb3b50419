// Package oidctest runs an OIDC provider for tests. It serves discovery,
// the key set and a token endpoint that issues ID tokens signed with a
// throwaway RSA key.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const keyID = "oidctest"

type Provider struct {
	*httptest.Server

	ClientID string

	key *rsa.PrivateKey

	mu          sync.Mutex
	subject     string
	webID       string
	failToken   bool
	tokenCalls  int
	lastRequest url.Values
}

// Start runs a provider that issues tokens for the client ID. Tokens carry
// the subject "citizen" and no WebID until SetIdentity is called.
func Start(t *testing.T, clientID string) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}

	p := &Provider{
		ClientID: clientID,
		key:      key,
		subject:  "citizen",
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	t.Cleanup(p.Close)

	return p
}

// SetIdentity sets the subject and WebID of the tokens issued next. An empty
// WebID issues tokens without the webid claim.
func (p *Provider) SetIdentity(subject, webID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subject = subject
	p.webID = webID
}

// FailTokenRequests makes the token endpoint reject every code.
func (p *Provider) FailTokenRequests(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failToken = fail
}

// TokenCalls returns how many token requests were received.
func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tokenCalls
}

// LastTokenRequest returns the form of the last token request.
func (p *Provider) LastTokenRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastRequest
}

// IDToken signs an ID token for the current identity.
func (p *Provider) IDToken(t *testing.T) string {
	t.Helper()

	token, err := p.sign()
	if err != nil {
		t.Fatalf("signing id token: %v", err)
	}
	return token
}

func (p *Provider) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		writeJSON(w, http.StatusOK, map[string]any{
			"issuer":                                p.URL,
			"authorization_endpoint":                p.URL + "/authorize",
			"token_endpoint":                        p.URL + "/token",
			"jwks_uri":                              p.URL + "/jwks",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	case "/jwks":
		writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &p.key.PublicKey,
			KeyID:     keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	case "/token":
		p.token(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.tokenCalls++
	p.lastRequest = r.PostForm
	fail := p.failToken
	p.mu.Unlock()

	if fail || r.PostForm.Get("code_verifier") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "code is invalid",
		})
		return
	}

	idToken, err := p.sign()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
}

func (p *Provider) sign() (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: p.key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	subject, webID := p.subject, p.webID
	p.mu.Unlock()

	now := time.Now()
	claims := jwt.Claims{
		Issuer:   p.URL,
		Subject:  subject,
		Audience: jwt.Audience{p.ClientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	}

	builder := jwt.Signed(signer).Claims(claims)
	if webID != "" {
		builder = builder.Claims(map[string]any{"webid": webID})
	}

	return builder.Serialize()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
