package oidc

import (
	"slices"
	"strings"
)

const (
	// ScopeWebID asks the provider for the webid claim in the ID token.
	ScopeWebID = "webid"
	// SwitchIdentityHint is the login hint that makes the provider re-issue
	// the identity after a WebID was provisioned.
	SwitchIdentityHint = "eyJzd2l0Y2hfaWQiOiB0cnVlfQ=="
)

// LoginRequest holds the parameters of an authorization request.
type LoginRequest struct {
	Scope     string // Space separated scope list
	LoginHint string
	UILocales string
}

// Scopes returns the scope list as sent to the provider.
func (r LoginRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// LoginRequestBuilder assembles a LoginRequest.
type LoginRequestBuilder struct {
	req LoginRequest
}

func NewLoginRequest(scopes ...string) *LoginRequestBuilder {
	b := &LoginRequestBuilder{}
	for _, s := range scopes {
		b.WithScope(s)
	}
	return b
}

// WithScope adds a scope. A scope already present is not repeated.
func (b *LoginRequestBuilder) WithScope(scope string) *LoginRequestBuilder {
	b.req.Scope = AppendScope(b.req.Scope, scope)
	return b
}

// WithSwitchIdentity sets the login hint that forces a fresh identity.
func (b *LoginRequestBuilder) WithSwitchIdentity() *LoginRequestBuilder {
	b.req.LoginHint = SwitchIdentityHint
	return b
}

func (b *LoginRequestBuilder) WithLocale(locale string) *LoginRequestBuilder {
	b.req.UILocales = locale
	return b
}

func (b *LoginRequestBuilder) Build() LoginRequest {
	return b.req
}

// AppendScope adds ext to a space separated scope list. An empty list is
// replaced by ext.
func AppendScope(scope, ext string) string {
	ext = strings.TrimSpace(ext)
	switch {
	case ext == "":
		return scope
	case strings.TrimSpace(scope) == "":
		return ext
	case slices.Contains(strings.Fields(scope), ext):
		return scope
	default:
		return scope + " " + ext
	}
}
