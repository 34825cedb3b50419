// Package authflow drives the login of a citizen: the OIDC redirects, the
// WebID provisioning round-trip for identities without a WebID, and logout.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	"golang.org/x/text/language"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/oidc"
	"github.com/openkcm/vault-gateway/internal/pkce"
	"github.com/openkcm/vault-gateway/internal/protocolstore"
	"github.com/openkcm/vault-gateway/internal/provisioning"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/internal/session"
	"github.com/openkcm/vault-gateway/pkg/csrf"
)

// Redirect indicators appended to front end URLs.
const (
	IndicatorLogin  = "login"
	IndicatorLogout = "logout"

	IndicatorSuccess = "success"
	IndicatorFailed  = "failed"
	IndicatorError   = "error"
)

const reasonNoLogin = "no login in progress"

// OIDC is the client side of the login protocol.
type OIDC interface {
	StartLogin(ctx context.Context, oidcSessionID, fingerprint string, req oidc.LoginRequest) (string, error)
	CompleteRedirect(ctx context.Context, oidcSessionID, fingerprint, redirectURL string) (oidc.Identity, error)
	ExchangeToken(ctx context.Context, code, verifier string) (oidc.Tokens, error)
	Record(ctx context.Context, oidcSessionID string) (protocolstore.Record, error)
	Logout(ctx context.Context, oidcSessionID string) error
}

// Provisioner creates the WebID of an identity.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
}

type Config struct {
	// Scopes is the base scope set of every login.
	Scopes []string
	// FrontendURL is where the citizen lands after login and logout.
	FrontendURL string
	// AllowedRedirectOrigins are the origins a return URL may point to in
	// addition to the origin of FrontendURL.
	AllowedRedirectOrigins []string
	// Locales are the BCP 47 tags the identity provider can show its pages in.
	Locales           []string
	SessionDuration   time.Duration
	WorkaroundTimeout time.Duration
	CSRFSecret        []byte
}

// LoginInput is a login started by the browser.
type LoginInput struct {
	SessionID      string
	ReturnURL      string
	SwitchIdentity bool
	// Locale is a preference list in Accept-Language syntax.
	Locale      string
	Fingerprint string
}

// Result tells the HTTP layer where to send the browser.
type Result struct {
	SessionID   string
	CSRFToken   string
	RedirectURL string
	// NewSession is set when the session cookie must be (re)issued.
	NewSession bool
}

type Controller struct {
	cfg         Config
	sessions    session.Repository
	locker      session.Locker
	oidc        OIDC
	provisioner Provisioner
	audit       *otlpaudit.AuditLogger

	origins map[string]struct{}
	locales []language.Tag
	matcher language.Matcher

	pkce pkce.Source
	now  func() time.Time
}

func New(cfg Config, sessions session.Repository, locker session.Locker, oidcClient OIDC, provisioner Provisioner, audit *otlpaudit.AuditLogger) (*Controller, error) {
	frontend, err := url.Parse(cfg.FrontendURL)
	if err != nil || !isHTTPURL(frontend) {
		return nil, fmt.Errorf("invalid front end url %q", cfg.FrontendURL)
	}

	origins := map[string]struct{}{origin(frontend): {}}
	for _, o := range cfg.AllowedRedirectOrigins {
		u, err := url.Parse(o)
		if err != nil || !isHTTPURL(u) {
			return nil, fmt.Errorf("invalid redirect origin %q", o)
		}
		origins[origin(u)] = struct{}{}
	}

	c := &Controller{
		cfg:         cfg,
		sessions:    sessions,
		locker:      locker,
		oidc:        oidcClient,
		provisioner: provisioner,
		audit:       audit,
		origins:     origins,
		now:         time.Now,
	}

	for _, l := range cfg.Locales {
		tag, err := language.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("invalid locale %q: %w", l, err)
		}
		c.locales = append(c.locales, tag)
	}
	if len(c.locales) > 0 {
		c.matcher = language.NewMatcher(c.locales)
	}

	return c, nil
}

// StartLogin creates the session when needed and returns the authorization
// URL of the identity provider.
func (c *Controller) StartLogin(ctx context.Context, in LoginInput) (Result, error) {
	if in.ReturnURL != "" {
		if err := c.validateReturnURL(in.ReturnURL); err != nil {
			return Result{}, err
		}
	}

	res := Result{SessionID: in.SessionID}
	if res.SessionID == "" {
		res.SessionID = c.pkce.SessionID()
	}

	unlock, err := c.lock(ctx, res.SessionID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	s, err := c.sessions.LoadSession(ctx, res.SessionID)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound):
		if in.SessionID != "" {
			slogctx.Debug(ctx, "Session cookie refers to an unknown session; starting a new one")
			res.SessionID = c.pkce.SessionID()
		}
		s = c.newSession(res.SessionID)
		res.NewSession = true
	case err != nil:
		return Result{}, fmt.Errorf("loading session: %w", err)
	}

	if s.WorkaroundExpired(c.now(), c.cfg.WorkaroundTimeout) {
		slogctx.Warn(ctx, "Resetting stale workaround", "workaround", s.Workaround, "since", s.WorkaroundSince)
		s.ResetWorkaround()
		s.Provisioned = false
	}

	switch s.Workaround {
	case session.WorkaroundCreateWebID:
		// Re-entry keeps the workaround and the return URL of the first pass.
		if s.RedirectURL == "" {
			s.RedirectURL = in.ReturnURL
		}
	case session.WorkaroundNone, session.WorkaroundDeletePod:
		s.ResetWorkaround()
		s.Provisioned = false
		s.RedirectURL = in.ReturnURL
	}

	if locale := c.negotiateLocale(in.Locale); locale != "" {
		s.Locale = locale
	}
	if s.CSRFToken == "" {
		s.CSRFToken = csrf.NewToken(s.ID, c.cfg.CSRFSecret)
		res.NewSession = true
	}

	authURL, err := c.authorizationURL(ctx, &s, in.Fingerprint, in.SwitchIdentity)
	if err != nil {
		return Result{}, err
	}

	if err := c.store(ctx, s); err != nil {
		return Result{}, err
	}

	res.SessionID = s.ID
	res.CSRFToken = s.CSRFToken
	res.RedirectURL = authURL

	return res, nil
}

// CompleteRedirect finishes the login the identity provider redirected back
// for. Failures that the citizen should see are reported as a redirect to the
// front end together with the error.
func (c *Controller) CompleteRedirect(ctx context.Context, sessionID, redirectURL, fingerprint string) (Result, error) {
	if sessionID == "" {
		return c.frontendResult(IndicatorLogin, IndicatorFailed), serviceerr.ErrUnauthenticated
	}

	unlock, err := c.lock(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	s, err := c.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return c.frontendResult(IndicatorLogin, IndicatorFailed), serviceerr.ErrUnauthenticated
		}
		return Result{}, fmt.Errorf("loading session: %w", err)
	}

	ctx = slogctx.With(ctx, "workaround", s.Workaround)

	if s.WorkaroundExpired(c.now(), c.cfg.WorkaroundTimeout) {
		slogctx.Warn(ctx, "Resetting stale workaround", "since", s.WorkaroundSince)
		s.ResetWorkaround()
		s.Provisioned = false
	}

	res := Result{SessionID: s.ID, CSRFToken: s.CSRFToken}

	switch s.Workaround {
	case session.WorkaroundNone:
		return c.completeLogin(ctx, s, res, redirectURL, fingerprint)
	case session.WorkaroundCreateWebID:
		return c.completeCreateWebID(ctx, s, res, redirectURL, fingerprint)
	case session.WorkaroundDeletePod:
		s.ResetWorkaround()
		if err := c.store(ctx, s); err != nil {
			return Result{}, err
		}
		return Result{}, serviceerr.ErrUnsupportedWorkaround.WithDescription("the delete pod workaround is not supported")
	default:
		s.ResetWorkaround()
		if err := c.store(ctx, s); err != nil {
			return Result{}, err
		}
		return Result{}, serviceerr.ErrUnsupportedWorkaround.WithDescription(fmt.Sprintf("unknown workaround %q", s.Workaround))
	}
}

func (c *Controller) completeLogin(ctx context.Context, s session.Session, res Result, redirectURL, fingerprint string) (Result, error) {
	identity, err := c.oidc.CompleteRedirect(ctx, s.OIDCSessionID, fingerprint, redirectURL)

	var missing *oidc.MissingIdentityClaimError
	switch {
	case errors.As(err, &missing):
		if s.Provisioned {
			// The identity still has no WebID after provisioning one.
			return c.failLogin(ctx, s, "no webid after provisioning")
		}

		slogctx.Info(ctx, "Identity has no WebID; provisioning one", "subject", missing.Subject)
		s.EnterWorkaround(session.WorkaroundCreateWebID, c.now())
		return c.restartLogin(ctx, s, res, fingerprint, false)
	case errors.Is(err, serviceerr.ErrNotFound):
		return c.failLogin(ctx, s, reasonNoLogin)
	case err != nil:
		return Result{}, fmt.Errorf("completing redirect: %w", err)
	case !identity.LoggedIn:
		return c.failLogin(ctx, s, identity.Reason)
	}

	target := s.RedirectURL
	if target == "" {
		target = c.cfg.FrontendURL
	}

	s.Login(identity.WebID, identity.ExpirationDate)
	s.RedirectURL = ""
	if err := c.store(ctx, s); err != nil {
		return Result{}, err
	}

	slogctx.Info(ctx, "Citizen logged in", "webid", identity.WebID)
	c.auditLoginSuccess(ctx, s)

	res.RedirectURL = withIndicator(target, IndicatorLogin, IndicatorSuccess)
	return res, nil
}

// completeCreateWebID redeems the code of the login without WebID, provisions
// a WebID for the identity and starts the second login pass.
func (c *Controller) completeCreateWebID(ctx context.Context, s session.Session, res Result, redirectURL, fingerprint string) (Result, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return Result{}, serviceerr.ErrInvalidInput.WithDescription("invalid redirect url")
	}

	rec, err := c.oidc.Record(ctx, s.OIDCSessionID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return c.failLogin(ctx, s, reasonNoLogin)
		}
		return Result{}, fmt.Errorf("loading protocol record: %w", err)
	}

	q := u.Query()
	switch {
	case q.Get("error") != "":
		return c.failLogin(ctx, s, "provider error: "+q.Get("error"))
	case rec.LoggedOut:
		return c.failLogin(ctx, s, "login was logged out")
	case q.Get("state") != rec.State:
		return c.failLogin(ctx, s, oidc.ReasonStateMismatch)
	case rec.Fingerprint != "" && rec.Fingerprint != fingerprint:
		return c.failLogin(ctx, s, "fingerprint mismatch")
	case q.Get("code") == "":
		return c.failLogin(ctx, s, "missing authorization code")
	}

	tokens, err := c.oidc.ExchangeToken(ctx, q.Get("code"), rec.PKCEVerifier)
	if err != nil {
		s.ResetWorkaround()
		if storeErr := c.store(ctx, s); storeErr != nil {
			slogctx.Error(ctx, "Could not reset workaround", "error", storeErr)
		}
		return Result{}, fmt.Errorf("exchanging code: %w", err)
	}

	if tokens.WebID != "" {
		// The provider issued a WebID in the meantime.
		return c.finishLogin(ctx, s, res, tokens)
	}

	result, err := c.provisioner.Provision(ctx, provisioning.Request{
		Issuer:  tokens.Issuer,
		Subject: tokens.Subject,
		IDToken: tokens.IDToken,
	})
	if err != nil {
		s.ResetWorkaround()
		if storeErr := c.store(ctx, s); storeErr != nil {
			slogctx.Error(ctx, "Could not reset workaround", "error", storeErr)
		}
		c.auditLoginFailure(ctx, s, "webid provisioning failed")

		if errors.Is(err, serviceerr.ErrProvisioningFailed) || errors.Is(err, serviceerr.ErrConflict) {
			return Result{}, err
		}
		return Result{}, errors.Join(serviceerr.ErrProvisioningFailed, err)
	}

	slogctx.Info(ctx, "WebID provisioned", "webid", result.WebID, "already_provisioned", result.AlreadyProvisioned)

	s.ResetWorkaround()
	s.Provisioned = true
	return c.restartLogin(ctx, s, res, fingerprint, true)
}

func (c *Controller) finishLogin(ctx context.Context, s session.Session, res Result, tokens oidc.Tokens) (Result, error) {
	target := s.RedirectURL
	if target == "" {
		target = c.cfg.FrontendURL
	}

	s.Login(tokens.WebID, tokens.Expiry)
	s.RedirectURL = ""
	if err := c.store(ctx, s); err != nil {
		return Result{}, err
	}

	c.auditLoginSuccess(ctx, s)

	res.RedirectURL = withIndicator(target, IndicatorLogin, IndicatorSuccess)
	return res, nil
}

func (c *Controller) restartLogin(ctx context.Context, s session.Session, res Result, fingerprint string, switchIdentity bool) (Result, error) {
	authURL, err := c.authorizationURL(ctx, &s, fingerprint, switchIdentity)
	if err != nil {
		return Result{}, err
	}
	if err := c.store(ctx, s); err != nil {
		return Result{}, err
	}

	res.RedirectURL = authURL
	return res, nil
}

// failLogin answers a failed redirect completion. The login state is only
// cleared for a session that is not logged in and whose pending login the
// redirect belongs to.
func (c *Controller) failLogin(ctx context.Context, s session.Session, reason string) (Result, error) {
	slogctx.Warn(ctx, "Login failed", "reason", reason, "logged_in", s.IsLoggedIn)

	if !s.IsLoggedIn && !strayRedirect(reason) {
		locale := s.Locale
		s.ClearLogin()
		s.Locale = locale
		if err := c.store(ctx, s); err != nil {
			return Result{}, err
		}
	}

	c.auditLoginFailure(ctx, s, reason)

	return c.frontendResult(IndicatorLogin, IndicatorFailed), serviceerr.ErrAuthenticationFailed.WithDescription(reason)
}

// strayRedirect reports failures of a redirect that is not the answer to the
// login in progress, e.g. a replayed or duplicated callback.
func strayRedirect(reason string) bool {
	return reason == oidc.ReasonStateMismatch || reason == reasonNoLogin
}

// Logout invalidates the identity of the session and clears everything the
// login attached to it. The result always redirects to the front end.
func (c *Controller) Logout(ctx context.Context, sessionID string) (Result, error) {
	if sessionID == "" {
		return c.frontendResult(IndicatorLogout, IndicatorError), serviceerr.ErrUnauthenticated
	}

	unlock, err := c.lock(ctx, sessionID)
	if err != nil {
		return c.frontendResult(IndicatorLogout, IndicatorError), err
	}
	defer unlock()

	s, err := c.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return c.frontendResult(IndicatorLogout, IndicatorError), serviceerr.ErrUnauthenticated
		}
		return c.frontendResult(IndicatorLogout, IndicatorError), fmt.Errorf("loading session: %w", err)
	}

	logoutErr := c.oidc.Logout(ctx, s.OIDCSessionID)

	s.ClearLogin()
	if err := c.store(ctx, s); err != nil {
		return c.frontendResult(IndicatorLogout, IndicatorError), errors.Join(logoutErr, err)
	}

	if logoutErr != nil {
		return c.frontendResult(IndicatorLogout, IndicatorError), fmt.Errorf("logging out of the identity provider: %w", logoutErr)
	}

	res := c.frontendResult(IndicatorLogout, IndicatorSuccess)
	res.SessionID = s.ID
	res.CSRFToken = s.CSRFToken
	return res, nil
}

func (c *Controller) authorizationURL(ctx context.Context, s *session.Session, fingerprint string, switchIdentity bool) (string, error) {
	req := oidc.NewLoginRequest(c.cfg.Scopes...).WithScope(oidc.ScopeWebID)
	if switchIdentity {
		req = req.WithSwitchIdentity()
	}
	if s.Locale != "" {
		req = req.WithLocale(s.Locale)
	}

	authURL, err := c.oidc.StartLogin(ctx, s.OIDCSessionID, fingerprint, req.Build())
	if err != nil {
		return "", fmt.Errorf("starting login: %w", err)
	}

	return authURL, nil
}

func (c *Controller) newSession(id string) session.Session {
	return session.Session{
		ID:            id,
		OIDCSessionID: c.pkce.OIDCSessionID(),
		CSRFToken:     csrf.NewToken(id, c.cfg.CSRFSecret),
		Expiry:        c.now().Add(c.cfg.SessionDuration),
	}
}

func (c *Controller) store(ctx context.Context, s session.Session) error {
	if err := c.sessions.StoreSession(ctx, s); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

func (c *Controller) lock(ctx context.Context, sessionID string) (func(), error) {
	unlock, err := c.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}

	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slogctx.Warn(ctx, "Could not unlock session", "error", err)
		}
	}, nil
}

func (c *Controller) frontendResult(key, value string) Result {
	return Result{RedirectURL: withIndicator(c.cfg.FrontendURL, key, value)}
}

func (c *Controller) validateReturnURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !isHTTPURL(u) {
		return serviceerr.ErrInvalidInput.WithDescription("redirectUrl must be an absolute http(s) url")
	}
	if _, ok := c.origins[origin(u)]; !ok {
		return serviceerr.ErrInvalidInput.WithDescription("redirectUrl points to an origin that is not allowed")
	}
	return nil
}

// negotiateLocale picks the supported locale that best matches the
// preference list. It returns an empty string when nothing matches.
func (c *Controller) negotiateLocale(pref string) string {
	if c.matcher == nil || pref == "" {
		return ""
	}

	tags, _, err := language.ParseAcceptLanguage(pref)
	if err != nil || len(tags) == 0 {
		return ""
	}

	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No {
		return ""
	}

	return c.locales[idx].String()
}

func withIndicator(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}

	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()

	return u.String()
}

func isHTTPURL(u *url.URL) bool {
	return u.IsAbs() && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
