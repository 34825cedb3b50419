package oidc_test

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/vault-gateway/internal/oidc"
	"github.com/openkcm/vault-gateway/internal/oidc/oidctest"
	"github.com/openkcm/vault-gateway/internal/pkce"
	"github.com/openkcm/vault-gateway/internal/protocolstore"
	protocolmock "github.com/openkcm/vault-gateway/internal/protocolstore/mock"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

const (
	clientID    = "citizen-app"
	callbackURL = "https://gateway.example/oidc-redirect"
	webID       = "https://id.example/alice/profile/card#me"
)

func newClient(t *testing.T) (*oidc.Client, *oidctest.Provider, *protocolstore.Records) {
	t.Helper()

	provider := oidctest.Start(t, clientID)
	records := protocolstore.NewRecords(protocolmock.NewInMemStore(), "oidc:{sessionId}", time.Hour)
	client := oidc.NewClient(oidc.Config{
		IssuerURL:    provider.URL,
		ClientID:     clientID,
		ClientSecret: "secret",
		CallbackURL:  callbackURL,
	}, records, provider.Client())

	return client, provider, records
}

func startLogin(t *testing.T, client *oidc.Client, records *protocolstore.Records, req oidc.LoginRequest) (*url.URL, protocolstore.Record) {
	t.Helper()

	authURL, err := client.StartLogin(t.Context(), "oidc-session", "fingerprint", req)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)

	rec, err := records.Load(t.Context(), "oidc-session")
	require.NoError(t, err)

	return u, rec
}

func redirectURL(state, code string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code", code)
	return callbackURL + "?" + q.Encode()
}

func TestClient_StartLogin(t *testing.T) {
	client, provider, records := newClient(t)

	req := oidc.NewLoginRequest("openid", oidc.ScopeWebID).WithSwitchIdentity().WithLocale("de").Build()
	u, rec := startLogin(t, client, records, req)

	assert.Equal(t, provider.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal(t, clientID, q.Get("client_id"))
	assert.Equal(t, callbackURL, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid webid", q.Get("scope"))
	assert.Equal(t, rec.State, q.Get("state"))
	assert.Equal(t, pkce.Challenge(rec.PKCEVerifier), q.Get("code_challenge"))
	assert.Equal(t, pkce.MethodS256, q.Get("code_challenge_method"))
	assert.Equal(t, oidc.SwitchIdentityHint, q.Get("login_hint"))
	assert.Equal(t, "de", q.Get("ui_locales"))

	assert.Equal(t, "oidc-session", rec.OIDCSessionID)
	assert.Equal(t, "fingerprint", rec.Fingerprint)
	assert.Equal(t, provider.URL, rec.Issuer)
	assert.False(t, rec.LoggedOut)
}

func TestClient_StartLogin_DiscoveryFails(t *testing.T) {
	records := protocolstore.NewRecords(protocolmock.NewInMemStore(), "oidc:{sessionId}", time.Hour)
	client := oidc.NewClient(oidc.Config{IssuerURL: "http://127.0.0.1:1", ClientID: clientID}, records, nil)

	_, err := client.StartLogin(t.Context(), "oidc-session", "", oidc.NewLoginRequest("openid").Build())
	assert.Error(t, err)
}

func TestClient_CompleteRedirect(t *testing.T) {
	tests := []struct {
		name        string
		webID       string
		failToken   bool
		fingerprint string
		redirect    func(rec protocolstore.Record) string
		wantLogin   bool
		wantReason  string
		assertErr   assert.ErrorAssertionFunc
	}{
		{
			name:        "Logged in",
			webID:       webID,
			fingerprint: "fingerprint",
			redirect:    func(rec protocolstore.Record) string { return redirectURL(rec.State, "code") },
			wantLogin:   true,
			assertErr:   assert.NoError,
		},
		{
			name:        "Provider reports an error",
			webID:       webID,
			fingerprint: "fingerprint",
			redirect: func(rec protocolstore.Record) string {
				return callbackURL + "?error=access_denied&state=" + rec.State
			},
			wantReason: "provider error: access_denied",
			assertErr:  assert.NoError,
		},
		{
			name:        "State mismatch",
			webID:       webID,
			fingerprint: "fingerprint",
			redirect:    func(protocolstore.Record) string { return redirectURL("forged", "code") },
			wantReason:  "state mismatch",
			assertErr:   assert.NoError,
		},
		{
			name:        "Fingerprint mismatch",
			webID:       webID,
			fingerprint: "other-browser",
			redirect:    func(rec protocolstore.Record) string { return redirectURL(rec.State, "code") },
			wantReason:  "fingerprint mismatch",
			assertErr:   assert.NoError,
		},
		{
			name:        "Missing code",
			webID:       webID,
			fingerprint: "fingerprint",
			redirect:    func(rec protocolstore.Record) string { return callbackURL + "?state=" + rec.State },
			wantReason:  "missing authorization code",
			assertErr:   assert.NoError,
		},
		{
			name:        "Code rejected",
			webID:       webID,
			failToken:   true,
			fingerprint: "fingerprint",
			redirect:    func(rec protocolstore.Record) string { return redirectURL(rec.State, "code") },
			wantReason:  "code exchange rejected",
			assertErr:   assert.NoError,
		},
		{
			name:        "Missing webid claim",
			fingerprint: "fingerprint",
			redirect:    func(rec protocolstore.Record) string { return redirectURL(rec.State, "code") },
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				var claimErr *oidc.MissingIdentityClaimError
				return assert.ErrorAs(t, err, &claimErr) &&
					assert.Equal(t, "subject", claimErr.Subject) &&
					assert.NotEmpty(t, claimErr.IDToken) &&
					assert.ErrorIs(t, err, serviceerr.ErrMissingIdentityClaim)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, provider, records := newClient(t)
			provider.SetIdentity("subject", tt.webID)
			provider.FailTokenRequests(tt.failToken)

			_, rec := startLogin(t, client, records, oidc.NewLoginRequest("openid", oidc.ScopeWebID).Build())

			identity, err := client.CompleteRedirect(t.Context(), "oidc-session", tt.fingerprint, tt.redirect(rec))
			if !tt.assertErr(t, err) || err != nil {
				return
			}

			assert.Equal(t, tt.wantLogin, identity.LoggedIn)
			assert.Equal(t, tt.wantReason, identity.Reason)
			if tt.wantLogin {
				assert.Equal(t, tt.webID, identity.WebID)
				assert.Equal(t, "subject", identity.Subject)
				assert.Equal(t, provider.URL, identity.Issuer)
				assert.WithinDuration(t, time.Now().Add(time.Hour), identity.ExpirationDate, time.Minute)
				assert.Equal(t, time.UTC, identity.ExpirationDate.Location())
				assert.Equal(t, rec.PKCEVerifier, provider.LastTokenRequest().Get("code_verifier"))
			}
		})
	}
}

func TestClient_CompleteRedirect_UnknownSession(t *testing.T) {
	client, _, _ := newClient(t)

	_, err := client.CompleteRedirect(t.Context(), "unknown", "", redirectURL("state", "code"))
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestClient_ExchangeToken(t *testing.T) {
	client, provider, _ := newClient(t)
	provider.SetIdentity("subject", "")

	tokens, err := client.ExchangeToken(t.Context(), "code", "verifier")
	require.NoError(t, err)

	assert.NotEmpty(t, tokens.IDToken)
	assert.Equal(t, "access-token", tokens.AccessToken)
	assert.Equal(t, "subject", tokens.Subject)
	assert.Equal(t, provider.URL, tokens.Issuer)
	assert.Empty(t, tokens.WebID)
	assert.Equal(t, "verifier", provider.LastTokenRequest().Get("code_verifier"))
	assert.Equal(t, "code", provider.LastTokenRequest().Get("code"))

	provider.FailTokenRequests(true)
	_, err = client.ExchangeToken(t.Context(), "code", "verifier")
	assert.Error(t, err)
}

func TestClient_Logout(t *testing.T) {
	client, provider, records := newClient(t)
	provider.SetIdentity("subject", webID)

	_, rec := startLogin(t, client, records, oidc.NewLoginRequest("openid").Build())

	require.NoError(t, client.Logout(t.Context(), "oidc-session"))

	stored, err := client.Record(t.Context(), "oidc-session")
	require.NoError(t, err)
	assert.True(t, stored.LoggedOut)

	identity, err := client.CompleteRedirect(t.Context(), "oidc-session", "fingerprint", redirectURL(rec.State, "code"))
	require.NoError(t, err)
	assert.False(t, identity.LoggedIn)
	assert.Equal(t, 0, provider.TokenCalls())

	t.Run("Unknown session", func(t *testing.T) {
		assert.NoError(t, client.Logout(t.Context(), "unknown"))
	})

	t.Run("Store failure", func(t *testing.T) {
		storeErr := errors.New("store is down")
		records := protocolstore.NewRecords(protocolmock.NewInMemStore(protocolmock.WithGetError(storeErr)), "oidc:{sessionId}", time.Hour)
		client := oidc.NewClient(oidc.Config{IssuerURL: provider.URL, ClientID: clientID}, records, provider.Client())
		assert.ErrorIs(t, client.Logout(t.Context(), "oidc-session"), storeErr)
	})
}
