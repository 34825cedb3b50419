package session

import (
	"encoding/json"
	"time"
)

// Workaround is the recovery path a session is currently going through.
type Workaround string

const (
	WorkaroundNone        Workaround = ""
	WorkaroundCreateWebID Workaround = "create_webid"
	WorkaroundDeletePod   Workaround = "delete_pod"
)

// AccessGrant is the copy of an access grant attached to a session.
type AccessGrant struct {
	ID             string          // Identifier of the grant at the access grant service
	Owner          string          // WebID of the resource owner the grant was issued by
	ExpirationDate time.Time       // Absolute expiration in UTC
	Raw            json.RawMessage // Signed grant as issued
}

// Session represents a browser session of a citizen.
type Session struct {
	ID              string       // Session ID carried by the session cookie
	OIDCSessionID   string       // Key of the OIDC protocol record
	IsLoggedIn      bool         // Whether the OIDC login completed with a WebID
	WebID           string       // WebID of the citizen
	ExpirationDate  *time.Time   // Expiration of the login, as reported by the provider
	RedirectURL     string       // Front end URL to return to after the login
	Workaround      Workaround   // Workaround state of the login
	WorkaroundSince time.Time    // Time the workaround state was entered
	Provisioned     bool         // A WebID has been provisioned during the current login attempt
	AccessGrant     *AccessGrant // Access grant authorising the pod operations
	Pods            []string     // Pod URLs resolved for the WebID
	Locale          string       // Locale of the citizen, as a BCP 47 tag
	CSRFToken       string       // CSRF token bound to the session ID
	Expiry          time.Time    // Expiry time of the session record
}

// EnterWorkaround switches the session into the given workaround state.
func (s *Session) EnterWorkaround(w Workaround, now time.Time) {
	s.Workaround = w
	s.WorkaroundSince = now
	s.IsLoggedIn = false
}

// ResetWorkaround leaves any workaround state.
func (s *Session) ResetWorkaround() {
	s.Workaround = WorkaroundNone
	s.WorkaroundSince = time.Time{}
}

// WorkaroundExpired reports whether the session has been in a workaround
// state for longer than the timeout.
func (s *Session) WorkaroundExpired(now time.Time, timeout time.Duration) bool {
	if s.Workaround == WorkaroundNone || timeout <= 0 {
		return false
	}

	return now.Sub(s.WorkaroundSince) > timeout
}

// Login records a completed login. Grant and pods of a previous identity
// do not survive a change of WebID.
func (s *Session) Login(webID string, expiration time.Time) {
	if webID != s.WebID {
		s.AccessGrant = nil
		s.Pods = nil
	}

	exp := expiration.UTC()
	s.IsLoggedIn = true
	s.WebID = webID
	s.ExpirationDate = &exp
	s.Provisioned = false
	s.ResetWorkaround()
}

// ClearLogin drops everything the login attached to the session.
func (s *Session) ClearLogin() {
	s.IsLoggedIn = false
	s.WebID = ""
	s.ExpirationDate = nil
	s.RedirectURL = ""
	s.Provisioned = false
	s.AccessGrant = nil
	s.Pods = nil
	s.Locale = ""
	s.ResetWorkaround()
}

// GrantValid reports whether the session carries an access grant that has
// not expired yet.
func (s *Session) GrantValid(now time.Time) bool {
	return s.AccessGrant != nil && now.Before(s.AccessGrant.ExpirationDate)
}

// GrantOwned reports whether the access grant was issued by the WebID the
// session is logged in with.
func (s *Session) GrantOwned() bool {
	return s.AccessGrant != nil && s.WebID != "" && s.AccessGrant.Owner == s.WebID
}
