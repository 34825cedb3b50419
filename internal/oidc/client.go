// Package oidc is the client side of the Solid-OIDC login: it builds the
// authorization URL, completes the redirect and exchanges codes for tokens.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/pkce"
	"github.com/openkcm/vault-gateway/internal/protocolstore"
)

type Config struct {
	IssuerURL         string
	ClientID          string
	ClientSecret      string
	CallbackURL       string
	DiscoveryCacheTTL time.Duration
}

// Identity is the outcome of a completed redirect.
type Identity struct {
	LoggedIn       bool
	WebID          string
	Subject        string
	Issuer         string
	ExpirationDate time.Time
	// Reason explains why the citizen is not logged in.
	Reason string
}

// Tokens are the verified results of a code exchange.
type Tokens struct {
	IDToken     string
	AccessToken string
	Subject     string
	Issuer      string
	WebID       string
	Expiry      time.Time
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	providers  *cache.Cache
	records    *protocolstore.Records
	pkce       pkce.Source
	now        func() time.Time
}

func NewClient(cfg Config, records *protocolstore.Records, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ttl := cfg.DiscoveryCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		providers:  cache.New(ttl, 2*ttl),
		records:    records,
		now:        time.Now,
	}
}

// StartLogin stores a fresh protocol record for the OIDC session and returns
// the authorization URL.
func (c *Client) StartLogin(ctx context.Context, oidcSessionID, fingerprint string, req LoginRequest) (string, error) {
	provider, err := c.provider(ctx)
	if err != nil {
		return "", err
	}

	pk := c.pkce.PKCE()
	rec := protocolstore.Record{
		OIDCSessionID: oidcSessionID,
		State:         c.pkce.State(),
		PKCEVerifier:  pk.Verifier,
		Fingerprint:   fingerprint,
		Issuer:        c.cfg.IssuerURL,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.records.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("storing protocol record: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pk.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pk.Method),
	}
	if req.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	if req.UILocales != "" {
		opts = append(opts, oauth2.SetAuthURLParam("ui_locales", req.UILocales))
	}

	return c.oauth2Config(provider, req.Scopes()).AuthCodeURL(rec.State, opts...), nil
}

// ReasonStateMismatch is the Identity.Reason of a redirect whose state does
// not belong to the login in progress.
const ReasonStateMismatch = "state mismatch"

// CompleteRedirect finishes the login of the OIDC session from the full
// redirect URL. Rejections by the provider and protocol mismatches yield an
// Identity that is not logged in. A missing WebID claim yields a
// *MissingIdentityClaimError.
func (c *Client) CompleteRedirect(ctx context.Context, oidcSessionID, fingerprint, redirectURL string) (Identity, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing redirect url: %w", err)
	}

	rec, err := c.records.Load(ctx, oidcSessionID)
	if err != nil {
		return Identity{}, fmt.Errorf("loading protocol record: %w", err)
	}

	q := u.Query()
	switch {
	case q.Get("error") != "":
		return Identity{Reason: "provider error: " + q.Get("error")}, nil
	case rec.LoggedOut:
		return Identity{Reason: "login was logged out"}, nil
	case q.Get("state") != rec.State:
		return Identity{Reason: ReasonStateMismatch}, nil
	case rec.Fingerprint != "" && rec.Fingerprint != fingerprint:
		return Identity{Reason: "fingerprint mismatch"}, nil
	case q.Get("code") == "":
		return Identity{Reason: "missing authorization code"}, nil
	}

	tokens, err := c.ExchangeToken(ctx, q.Get("code"), rec.PKCEVerifier)
	if err != nil {
		if rErr := (*oauth2.RetrieveError)(nil); errors.As(err, &rErr) {
			slogctx.Warn(ctx, "Provider rejected the authorization code", "error", err)
			return Identity{Reason: "code exchange rejected"}, nil
		}

		return Identity{}, err
	}

	if tokens.WebID == "" {
		return Identity{}, &MissingIdentityClaimError{
			Issuer:  tokens.Issuer,
			Subject: tokens.Subject,
			IDToken: tokens.IDToken,
		}
	}

	return Identity{
		LoggedIn:       true,
		WebID:          tokens.WebID,
		Subject:        tokens.Subject,
		Issuer:         tokens.Issuer,
		ExpirationDate: tokens.Expiry.UTC(),
	}, nil
}

// ExchangeToken redeems the authorization code and verifies the ID token.
func (c *Client) ExchangeToken(ctx context.Context, code, verifier string) (Tokens, error) {
	provider, err := c.provider(ctx)
	if err != nil {
		return Tokens{}, err
	}

	ctx = oidc.ClientContext(ctx, c.httpClient)

	token, err := c.oauth2Config(provider, nil).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Tokens{}, fmt.Errorf("exchanging code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Tokens{}, errors.New("token response carries no id_token")
	}

	idToken, err := provider.Verifier(&oidc.Config{ClientID: c.cfg.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return Tokens{}, fmt.Errorf("verifying id token: %w", err)
	}

	var claims struct {
		WebID string `json:"webid"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Tokens{}, fmt.Errorf("decoding id token claims: %w", err)
	}

	return Tokens{
		IDToken:     rawIDToken,
		AccessToken: token.AccessToken,
		Subject:     idToken.Subject,
		Issuer:      idToken.Issuer,
		WebID:       claims.WebID,
		Expiry:      idToken.Expiry,
	}, nil
}

// Logout invalidates the identity of the OIDC session. Sessions without a
// pending or completed login have nothing to invalidate.
func (c *Client) Logout(ctx context.Context, oidcSessionID string) error {
	rec, err := c.records.Load(ctx, oidcSessionID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading protocol record: %w", err)
	}

	rec.LoggedOut = true
	if err := c.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("storing protocol record: %w", err)
	}

	return nil
}

// Record returns the protocol record of the OIDC session.
func (c *Client) Record(ctx context.Context, oidcSessionID string) (protocolstore.Record, error) {
	return c.records.Load(ctx, oidcSessionID)
}

func (c *Client) oauth2Config(provider *oidc.Provider, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.CallbackURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
}

// provider returns the discovered provider, cached per issuer.
func (c *Client) provider(ctx context.Context) (*oidc.Provider, error) {
	if p, ok := c.providers.Get(c.cfg.IssuerURL); ok {
		if provider, ok := p.(*oidc.Provider); ok {
			return provider, nil
		}
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), c.cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering oidc provider: %w", err)
	}

	c.providers.SetDefault(c.cfg.IssuerURL, provider)

	return provider, nil
}
