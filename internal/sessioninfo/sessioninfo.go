// Package sessioninfo projects a session into the view returned to the
// front end.
package sessioninfo

import (
	"time"

	"github.com/openkcm/vault-gateway/internal/session"
)

// View is the session information returned to the front end. Optional
// fields are only set for logged in sessions.
type View struct {
	IsLoggedIn                bool     `json:"isLoggedIn"`
	ExpirationDate            string   `json:"expirationDate,omitempty"`
	WebID                     string   `json:"webId,omitempty"`
	Pods                      []string `json:"pods,omitempty"`
	AccessGrantID             string   `json:"accessGrantId,omitempty"`
	AccessGrantExpirationDate string   `json:"accessGrantExpirationDate,omitempty"`
}

// Project builds the view of a session. A nil session is not logged in.
func Project(s *session.Session) View {
	if s == nil || !s.IsLoggedIn {
		return View{}
	}

	v := View{
		IsLoggedIn: true,
		WebID:      s.WebID,
	}
	if s.ExpirationDate != nil {
		v.ExpirationDate = formatTime(*s.ExpirationDate)
	}
	if len(s.Pods) > 0 {
		v.Pods = append([]string(nil), s.Pods...)
	}
	if s.AccessGrant != nil {
		v.AccessGrantID = s.AccessGrant.ID
		if !s.AccessGrant.ExpirationDate.IsZero() {
			v.AccessGrantExpirationDate = formatTime(s.AccessGrant.ExpirationDate)
		}
	}

	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
