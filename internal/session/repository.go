package session

import "context"

// Repository persists sessions. LoadSession returns serviceerr.ErrNotFound
// for unknown or expired sessions.
type Repository interface {
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	StoreSession(ctx context.Context, session Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]Session, error)
}
