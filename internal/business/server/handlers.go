package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/oapi-codegen/runtime"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/accessgrant"
	"github.com/openkcm/vault-gateway/internal/authflow"
	"github.com/openkcm/vault-gateway/internal/config"
	"github.com/openkcm/vault-gateway/internal/middleware/correlation"
	"github.com/openkcm/vault-gateway/internal/pod"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/internal/session"
	"github.com/openkcm/vault-gateway/internal/sessioninfo"
	"github.com/openkcm/vault-gateway/pkg/fingerprint"
)

type AuthFlow interface {
	StartLogin(ctx context.Context, in authflow.LoginInput) (authflow.Result, error)
	CompleteRedirect(ctx context.Context, sessionID, redirectURL, fingerprint string) (authflow.Result, error)
	Logout(ctx context.Context, sessionID string) (authflow.Result, error)
}

type AccessGrants interface {
	IssueAccessRequest(ctx context.Context, sessionID string, params accessgrant.AccessRequestParams, correlationID string) (accessgrant.AccessRequest, error)
	FetchAndStoreAccessGrant(ctx context.Context, sessionID, grantID, correlationID string) (session.AccessGrant, error)
	ListAccessGrants(ctx context.Context, sessionID, ownerOverride, correlationID string) ([]accessgrant.Grant, error)
}

// PodGuard runs pod operations on behalf of the access grant of a session.
type PodGuard interface {
	Read(ctx context.Context, sessionID, url string) (pod.Resource, error)
	ReadFile(ctx context.Context, sessionID, url string) (pod.Resource, error)
	Write(ctx context.Context, sessionID, url string, res pod.Resource) error
	WriteFile(ctx context.Context, sessionID, url string, res pod.Resource) error
}

// Dependencies are the operations served by the public API.
type Dependencies struct {
	AuthFlow     AuthFlow
	AccessGrants AccessGrants
	Pods         PodGuard
	Sessions     session.Repository
	CSRFSecret   []byte
}

type apiServer struct {
	Dependencies

	sessionCookie config.CookieTemplate
	csrfCookie    config.CookieTemplate
	maxBodySize   int64
	csrfSecret    []byte
}

func newAPIServer(cfg *config.Config, deps Dependencies) *apiServer {
	return &apiServer{
		Dependencies:  deps,
		sessionCookie: cfg.Session.SessionCookieTemplate,
		csrfCookie:    cfg.Session.CSRFCookieTemplate,
		maxBodySize:   cfg.HTTP.MaxBodySize,
		csrfSecret:    deps.CSRFSecret,
	}
}

func (s *apiServer) sessionID(r *http.Request) string {
	c, err := r.Cookie(s.sessionCookie.Name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *apiServer) setSessionCookies(w http.ResponseWriter, res authflow.Result) {
	if !res.NewSession {
		return
	}

	http.SetCookie(w, s.sessionCookie.ToCookie(res.SessionID))
	http.SetCookie(w, s.csrfCookie.ToCookie(res.CSRFToken))
}

func (s *apiServer) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		returnURL, lang string
		switchIdentity  bool
	)
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "redirectUrl", q, &returnURL); err != nil {
		writeError(w, r, serviceerr.ErrInvalidInput.WithDescription(err.Error()))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "switchIdentity", q, &switchIdentity); err != nil {
		writeError(w, r, serviceerr.ErrInvalidInput.WithDescription(err.Error()))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "lang", q, &lang); err != nil {
		writeError(w, r, serviceerr.ErrInvalidInput.WithDescription(err.Error()))
		return
	}
	if lang == "" {
		lang = r.Header.Get("Accept-Language")
	}

	fp, err := fingerprint.FromContext(ctx)
	if err != nil {
		slogctx.Warn(ctx, "Failed to extract fingerprint", "error", err)
	}

	res, err := s.AuthFlow.StartLogin(ctx, authflow.LoginInput{
		SessionID:      s.sessionID(r),
		ReturnURL:      returnURL,
		SwitchIdentity: switchIdentity,
		Locale:         lang,
		Fingerprint:    fp,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.setSessionCookies(w, res)
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (s *apiServer) oidcRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fp, err := fingerprint.FromContext(ctx)
	if err != nil {
		slogctx.Warn(ctx, "Failed to extract fingerprint", "error", err)
	}

	res, err := s.AuthFlow.CompleteRedirect(ctx, s.sessionID(r), r.URL.String(), fp)
	if res.RedirectURL == "" {
		if err == nil {
			err = serviceerr.ErrUnknown
		}
		writeError(w, r, err)
		return
	}
	if err != nil {
		slogctx.Warn(ctx, "Login did not complete", "error", err)
	}

	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (s *apiServer) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := s.AuthFlow.Logout(ctx, s.sessionID(r))
	if err != nil {
		slogctx.Warn(ctx, "Logout did not complete", "error", err)
	}

	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (s *apiServer) sessionInformation(w http.ResponseWriter, r *http.Request) {
	var view sessioninfo.View

	if id := s.sessionID(r); id != "" {
		sess, err := s.Sessions.LoadSession(r.Context(), id)
		switch {
		case err == nil:
			view = sessioninfo.Project(&sess)
		case errors.Is(err, serviceerr.ErrNotFound):
		default:
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, r, http.StatusOK, view)
}

func (s *apiServer) issueAccessRequest(w http.ResponseWriter, r *http.Request) {
	var params accessgrant.AccessRequestParams
	if err := s.decodeBody(w, r, &params); err != nil {
		writeError(w, r, err)
		return
	}

	req, err := s.AccessGrants.IssueAccessRequest(r.Context(), s.sessionID(r), params, correlation.FromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, req.Raw)
}

type storeGrantRequest struct {
	AccessGrantID string `json:"accessGrantId"`
}

type storeGrantResponse struct {
	AccessGrantID             string `json:"accessGrantId"`
	AccessGrantExpirationDate string `json:"accessGrantExpirationDate"`
}

func (s *apiServer) storeAccessGrant(w http.ResponseWriter, r *http.Request) {
	var body storeGrantRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	grant, err := s.AccessGrants.FetchAndStoreAccessGrant(r.Context(), s.sessionID(r), body.AccessGrantID, correlation.FromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	view := sessioninfo.Project(&session.Session{IsLoggedIn: true, AccessGrant: &grant})
	writeJSON(w, r, http.StatusOK, storeGrantResponse{
		AccessGrantID:             view.AccessGrantID,
		AccessGrantExpirationDate: view.AccessGrantExpirationDate,
	})
}

func (s *apiServer) listAccessGrants(w http.ResponseWriter, r *http.Request) {
	var owner string
	if err := runtime.BindQueryParameter("form", true, false, "ownerWebId", r.URL.Query(), &owner); err != nil {
		writeError(w, r, serviceerr.ErrInvalidInput.WithDescription(err.Error()))
		return
	}

	grants, err := s.AccessGrants.ListAccessGrants(r.Context(), s.sessionID(r), owner, correlation.FromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	raw := make([]json.RawMessage, 0, len(grants))
	for _, g := range grants {
		raw = append(raw, g.Raw)
	}

	writeJSON(w, r, http.StatusOK, raw)
}

type readFunc func(ctx context.Context, sessionID, url string) (pod.Resource, error)

type writeFunc func(ctx context.Context, sessionID, url string, res pod.Resource) error

func (s *apiServer) read(read readFunc, defaultContentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, err := resourceURL(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		res, err := read(r.Context(), s.sessionID(r), target)
		if err != nil {
			writeError(w, r, err)
			return
		}

		contentType := res.ContentType
		if contentType == "" {
			contentType = defaultContentType
		}

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(res.Body); err != nil {
			slogctx.Error(r.Context(), "Failed to write response", "error", err)
		}
	}
}

func (s *apiServer) write(write writeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, err := resourceURL(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
		if err != nil {
			writeError(w, r, bodyError(err))
			return
		}

		res := pod.Resource{ContentType: r.Header.Get("Content-Type"), Body: body}
		if err := write(r.Context(), s.sessionID(r), target, res); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func resourceURL(r *http.Request) (string, error) {
	var target string
	if err := runtime.BindQueryParameter("form", true, true, "url", r.URL.Query(), &target); err != nil {
		return "", serviceerr.ErrInvalidInput.WithDescription(err.Error())
	}
	return target, nil
}

func (s *apiServer) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize)).Decode(v); err != nil {
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	if tooLarge := (*http.MaxBytesError)(nil); errors.As(err, &tooLarge) {
		return serviceerr.ErrInvalidInput.WithDescription("request body is too large")
	}
	return serviceerr.ErrInvalidInput.WithDescription("invalid request body")
}
