package server

import (
	"net/http"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/pkg/csrf"
)

// HeaderCSRFToken carries the CSRF token on state changing requests.
const HeaderCSRFToken = "X-CSRF-Token"

// csrfMiddleware rejects POST requests whose CSRF token does not belong to
// the session cookie. Requests without a session are left to the handlers,
// which answer them as unauthenticated. It does nothing without a secret.
func (s *apiServer) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || len(s.csrfSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		sessionID := s.sessionID(r)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(HeaderCSRFToken)
		if token == "" || !csrf.Validate(token, sessionID, s.csrfSecret) {
			writeError(w, r, serviceerr.ErrInvalidCSRFToken)
			return
		}

		next.ServeHTTP(w, r)
	})
}
