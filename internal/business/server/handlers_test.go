package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/vault-gateway/internal/accessgrant"
	accessgrantmock "github.com/openkcm/vault-gateway/internal/accessgrant/mock"
	"github.com/openkcm/vault-gateway/internal/authflow"
	"github.com/openkcm/vault-gateway/internal/config"
	"github.com/openkcm/vault-gateway/internal/guard"
	"github.com/openkcm/vault-gateway/internal/middleware/correlation"
	"github.com/openkcm/vault-gateway/internal/pod"
	podmock "github.com/openkcm/vault-gateway/internal/pod/mock"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/internal/session"
	sessionmock "github.com/openkcm/vault-gateway/internal/session/mock"
	"github.com/openkcm/vault-gateway/pkg/csrf"
)

const (
	sessionCookieName = "vault_session"
	csrfCookieName    = "vault_csrf"
	webID             = "https://id.example/citizen/profile/card#me"
	resourceURL       = "https://pod.example/citizen/health/record.ttl"
)

var csrfSecret = []byte("csrf-secret")

type fakeAuthFlow struct {
	startIn  authflow.LoginInput
	startRes authflow.Result
	startErr error

	completeSessionID, completeURL, completeFingerprint string

	completeRes authflow.Result
	completeErr error

	logoutSessionID string
	logoutRes       authflow.Result
	logoutErr       error
}

func (f *fakeAuthFlow) StartLogin(_ context.Context, in authflow.LoginInput) (authflow.Result, error) {
	f.startIn = in
	return f.startRes, f.startErr
}

func (f *fakeAuthFlow) CompleteRedirect(_ context.Context, sessionID, redirectURL, fingerprint string) (authflow.Result, error) {
	f.completeSessionID, f.completeURL, f.completeFingerprint = sessionID, redirectURL, fingerprint
	return f.completeRes, f.completeErr
}

func (f *fakeAuthFlow) Logout(_ context.Context, sessionID string) (authflow.Result, error) {
	f.logoutSessionID = sessionID
	return f.logoutRes, f.logoutErr
}

func handlerConfig() *config.Config {
	cfg := testConfig()
	cfg.HTTP.MaxBodySize = 1024
	cfg.Session.SessionCookieTemplate = config.CookieTemplate{Name: sessionCookieName, Path: "/", HTTPOnly: true, Secure: true}
	cfg.Session.CSRFCookieTemplate = config.CookieTemplate{Name: csrfCookieName, Path: "/", Secure: true}
	return cfg
}

func serve(t *testing.T, deps Dependencies, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	createHTTPServer(t.Context(), handlerConfig(), deps).Handler.ServeHTTP(rec, req)
	return rec
}

func withSession(req *http.Request, sessionID string) *http.Request {
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		header     http.Header
		sessionID  string
		res        authflow.Result
		err        error
		wantStatus int
		wantIn     authflow.LoginInput
		wantCookie bool
	}{
		{
			name:   "New session",
			target: "/login?redirectUrl=https%3A%2F%2Fapp.example%2Fvault&switchIdentity=true&lang=nl",
			res: authflow.Result{
				SessionID:   "s1",
				CSRFToken:   "token",
				RedirectURL: "https://idp.example/authorize?state=x",
				NewSession:  true,
			},
			wantStatus: http.StatusFound,
			wantIn: authflow.LoginInput{
				ReturnURL:      "https://app.example/vault",
				SwitchIdentity: true,
				Locale:         "nl",
			},
			wantCookie: true,
		},
		{
			name:       "Existing session falls back to Accept-Language",
			target:     "/login",
			header:     http.Header{"Accept-Language": []string{"de-CH,de;q=0.9"}},
			sessionID:  "s1",
			res:        authflow.Result{SessionID: "s1", RedirectURL: "https://idp.example/authorize"},
			wantStatus: http.StatusFound,
			wantIn:     authflow.LoginInput{SessionID: "s1", Locale: "de-CH,de;q=0.9"},
		},
		{
			name:       "Malformed switchIdentity",
			target:     "/login?switchIdentity=maybe",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Return url rejected",
			target:     "/login?redirectUrl=https%3A%2F%2Fevil.example",
			err:        serviceerr.ErrInvalidInput.WithDescription("redirectUrl points to an origin that is not allowed"),
			wantStatus: http.StatusBadRequest,
			wantIn:     authflow.LoginInput{ReturnURL: "https://evil.example"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeAuthFlow{startRes: tt.res, startErr: tt.err}

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			if tt.sessionID != "" {
				withSession(req, tt.sessionID)
			}

			rec := serve(t, Dependencies{AuthFlow: flow}, req)
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusFound {
				assert.Equal(t, string(serviceerr.CodeInvalidInput), decodeError(t, rec).Error)
				return
			}

			assert.Equal(t, tt.res.RedirectURL, rec.Header().Get("Location"))
			assert.NotEmpty(t, flow.startIn.Fingerprint)
			flow.startIn.Fingerprint = ""
			assert.Equal(t, tt.wantIn, flow.startIn)

			cookies := rec.Result().Cookies()
			if !tt.wantCookie {
				assert.Empty(t, cookies)
				return
			}
			require.Len(t, cookies, 2)
			assert.Equal(t, sessionCookieName, cookies[0].Name)
			assert.Equal(t, "s1", cookies[0].Value)
			assert.True(t, cookies[0].HttpOnly)
			assert.Equal(t, csrfCookieName, cookies[1].Name)
			assert.Equal(t, "token", cookies[1].Value)
		})
	}
}

func TestOIDCRedirect(t *testing.T) {
	tests := []struct {
		name         string
		res          authflow.Result
		err          error
		wantStatus   int
		wantLocation string
		wantError    serviceerr.Code
	}{
		{
			name:         "Login succeeded",
			res:          authflow.Result{RedirectURL: "https://app.example/?login=success"},
			wantStatus:   http.StatusFound,
			wantLocation: "https://app.example/?login=success",
		},
		{
			name:         "Login failed is a redirect",
			res:          authflow.Result{RedirectURL: "https://app.example/?login=failed"},
			err:          serviceerr.ErrAuthenticationFailed,
			wantStatus:   http.StatusFound,
			wantLocation: "https://app.example/?login=failed",
		},
		{
			name:       "Provisioning failed",
			err:        serviceerr.ErrProvisioningFailed,
			wantStatus: http.StatusBadGateway,
			wantError:  serviceerr.CodeProvisioningFailed,
		},
		{
			name:       "Unsupported workaround",
			err:        serviceerr.ErrUnsupportedWorkaround,
			wantStatus: http.StatusNotImplemented,
			wantError:  serviceerr.CodeUnsupportedWorkaround,
		},
		{
			name:       "Internal errors are not leaked",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusInternalServerError,
			wantError:  serviceerr.CodeUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeAuthFlow{completeRes: tt.res, completeErr: tt.err}

			req := withSession(httptest.NewRequest(http.MethodGet, "/oidc-redirect?code=c&state=s", nil), "s1")
			rec := serve(t, Dependencies{AuthFlow: flow}, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "s1", flow.completeSessionID)
			assert.Equal(t, "/oidc-redirect?code=c&state=s", flow.completeURL)
			assert.NotEmpty(t, flow.completeFingerprint)

			if tt.wantError != "" {
				body := decodeError(t, rec)
				assert.Equal(t, string(tt.wantError), body.Error)
				return
			}
			assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
		})
	}
}

func TestLogout(t *testing.T) {
	for _, err := range []error{nil, serviceerr.ErrUnauthenticated} {
		flow := &fakeAuthFlow{
			logoutRes: authflow.Result{RedirectURL: "https://app.example/?logout=success"},
			logoutErr: err,
		}

		rec := serve(t, Dependencies{AuthFlow: flow}, withSession(httptest.NewRequest(http.MethodGet, "/logout", nil), "s1"))

		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://app.example/?logout=success", rec.Header().Get("Location"))
		assert.Equal(t, "s1", flow.logoutSessionID)
	}
}

func TestSessionInformation(t *testing.T) {
	loggedIn := session.Session{ID: "s1"}
	loggedIn.Login(webID, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name       string
		sessions   *sessionmock.Repository
		sessionID  string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "No cookie",
			sessions:   sessionmock.NewInMemRepository(),
			wantStatus: http.StatusOK,
			wantBody:   `{"isLoggedIn":false}`,
		},
		{
			name:       "Unknown session",
			sessions:   sessionmock.NewInMemRepository(),
			sessionID:  "s1",
			wantStatus: http.StatusOK,
			wantBody:   `{"isLoggedIn":false}`,
		},
		{
			name:       "Logged in",
			sessions:   sessionmock.NewInMemRepository(sessionmock.WithSession(loggedIn)),
			sessionID:  "s1",
			wantStatus: http.StatusOK,
			wantBody:   `{"isLoggedIn":true,"expirationDate":"2030-01-01T00:00:00Z","webId":"` + webID + `"}`,
		},
		{
			name:       "Store fails",
			sessions:   sessionmock.NewInMemRepository(sessionmock.WithLoadSessionError(context.DeadlineExceeded)),
			sessionID:  "s1",
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"unknown","error_description":"unknown error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/session-information", nil)
			if tt.sessionID != "" {
				withSession(req, tt.sessionID)
			}

			rec := serve(t, Dependencies{Sessions: tt.sessions}, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestAccessGrantRoutes(t *testing.T) {
	grant := accessgrant.Grant{
		ID:             "grant-1",
		Owner:          webID,
		ExpirationDate: time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
		Raw:            json.RawMessage(`{"id":"grant-1"}`),
	}

	loggedIn := session.Session{ID: "s1"}
	loggedIn.Login(webID, time.Now().Add(time.Hour))

	newDeps := func() (Dependencies, *sessionmock.Repository, *accessgrantmock.Service) {
		sessions := sessionmock.NewInMemRepository(sessionmock.WithSession(loggedIn))
		service := accessgrantmock.NewInMemService(
			accessgrantmock.WithGrant(grant),
			accessgrantmock.WithAccessRequest(accessgrant.AccessRequest{Raw: json.RawMessage(`{"type":"SolidAccessRequest"}`)}),
		)
		pods := podmock.NewInMemCapability(podmock.WithPods(webID, "https://pod.example/citizen/"))
		manager := accessgrant.NewManager(sessions, session.NewLocalLocker(), service, pods)

		return Dependencies{AccessGrants: manager, Sessions: sessions, CSRFSecret: csrfSecret}, sessions, service
	}

	post := func(target, body, sessionID string, withToken bool) *http.Request {
		req := withSession(httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)), sessionID)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(correlation.Header, "correlation-id")
		if withToken {
			req.Header.Set(HeaderCSRFToken, csrf.NewToken(sessionID, csrfSecret))
		}
		return req
	}

	t.Run("Issue access request", func(t *testing.T) {
		deps, _, service := newDeps()
		body := `{"subjectData":["https://pod.example/citizen/health/"],"purpose":"https://purpose.example/care","expirationDate":"2099-01-01T00:00:00Z","accessModes":["read"]}`

		rec := serve(t, deps, post("/access-request", body, "s1", true))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"type":"SolidAccessRequest"}`, rec.Body.String())
		require.Len(t, service.Requests(), 1)
		assert.Equal(t, []string{"https://pod.example/citizen/"}, service.Requests()[0].Pods)
		assert.Equal(t, []string{"correlation-id"}, service.CorrelationIDs())
	})

	t.Run("Missing csrf token", func(t *testing.T) {
		deps, _, service := newDeps()

		rec := serve(t, deps, post("/access-request", `{}`, "s1", false))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, string(serviceerr.CodeInvalidCSRFToken), decodeError(t, rec).Error)
		assert.Empty(t, service.Requests())
	})

	t.Run("Invalid body", func(t *testing.T) {
		deps, _, _ := newDeps()

		rec := serve(t, deps, post("/access-request", `{"purpose":`, "s1", true))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Store access grant", func(t *testing.T) {
		deps, sessions, _ := newDeps()

		rec := serve(t, deps, post("/access-grant", `{"accessGrantId":"grant-1"}`, "s1", true))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"accessGrantId":"grant-1","accessGrantExpirationDate":"2030-06-01T00:00:00Z"}`, rec.Body.String())

		s, err := sessions.LoadSession(t.Context(), "s1")
		require.NoError(t, err)
		require.NotNil(t, s.AccessGrant)
		assert.Equal(t, "grant-1", s.AccessGrant.ID)
	})

	t.Run("Unknown access grant", func(t *testing.T) {
		deps, _, _ := newDeps()

		rec := serve(t, deps, post("/access-grant", `{"accessGrantId":"unknown"}`, "s1", true))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, string(serviceerr.CodeGrantNotFound), decodeError(t, rec).Error)
	})

	t.Run("List access grants", func(t *testing.T) {
		deps, _, service := newDeps()

		rec := serve(t, deps, withSession(httptest.NewRequest(http.MethodGet, "/access-grant", nil), "s1"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"id":"grant-1"}]`, rec.Body.String())
		assert.Equal(t, []string{webID}, service.ListedOwners())
	})

	t.Run("List access grants of another owner", func(t *testing.T) {
		deps, _, service := newDeps()

		rec := serve(t, deps, withSession(httptest.NewRequest(http.MethodGet, "/access-grant?ownerWebId=https%3A%2F%2Fid.example%2Fother", nil), "s1"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
		assert.Equal(t, []string{"https://id.example/other"}, service.ListedOwners())
	})
}

func TestPodRoutes(t *testing.T) {
	turtle := pod.Resource{ContentType: "text/turtle", Body: []byte("<#a> <#b> <#c> .")}

	withGrant := session.Session{ID: "s1"}
	withGrant.Login(webID, time.Now().Add(time.Hour))
	withGrant.AccessGrant = &session.AccessGrant{ID: "grant-1", Owner: webID, ExpirationDate: time.Now().Add(time.Hour), Raw: json.RawMessage(`{"id":"grant-1"}`)}

	newDeps := func() (Dependencies, *podmock.Capability) {
		sessions := sessionmock.NewInMemRepository(sessionmock.WithSession(withGrant))
		pods := podmock.NewInMemCapability(podmock.WithResource(resourceURL, turtle))
		return Dependencies{Pods: guard.New(sessions, pods), Sessions: sessions, CSRFSecret: csrfSecret}, pods
	}

	t.Run("Read", func(t *testing.T) {
		deps, _ := newDeps()

		rec := serve(t, deps, withSession(httptest.NewRequest(http.MethodGet, "/read?url="+resourceURL, nil), "s1"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/turtle", rec.Header().Get("Content-Type"))
		assert.Equal(t, turtle.Body, rec.Body.Bytes())
	})

	t.Run("Read without session", func(t *testing.T) {
		deps, pods := newDeps()

		rec := serve(t, deps, httptest.NewRequest(http.MethodGet, "/read-file?url="+resourceURL, nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, pods.Calls())
	})

	t.Run("Read without url", func(t *testing.T) {
		deps, _ := newDeps()

		rec := serve(t, deps, withSession(httptest.NewRequest(http.MethodGet, "/read", nil), "s1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Write", func(t *testing.T) {
		deps, pods := newDeps()

		req := withSession(httptest.NewRequest(http.MethodPost, "/write-file?url="+resourceURL, strings.NewReader("binary")), "s1")
		req.Header.Set("Content-Type", "application/pdf")
		req.Header.Set(HeaderCSRFToken, csrf.NewToken("s1", csrfSecret))

		rec := serve(t, deps, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		calls := pods.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "write-file", calls[0].Op)
		assert.Equal(t, "application/pdf", calls[0].Resource.ContentType)
		assert.Equal(t, []byte("binary"), calls[0].Resource.Body)
	})

	t.Run("Write without session", func(t *testing.T) {
		deps, pods := newDeps()

		rec := serve(t, deps, httptest.NewRequest(http.MethodPost, "/write?url="+resourceURL, strings.NewReader("x")))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, pods.Calls())
	})

	t.Run("Body too large", func(t *testing.T) {
		deps, pods := newDeps()

		req := withSession(httptest.NewRequest(http.MethodPost, "/write?url="+resourceURL, strings.NewReader(strings.Repeat("x", 1025))), "s1")
		req.Header.Set(HeaderCSRFToken, csrf.NewToken("s1", csrfSecret))

		rec := serve(t, deps, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, pods.Calls())
	})
}

func TestPing(t *testing.T) {
	rec := serve(t, Dependencies{}, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"ping"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(correlation.Header))
}
