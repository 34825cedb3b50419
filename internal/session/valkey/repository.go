package sessionvalkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/vault-gateway/internal/session"
	"github.com/openkcm/vault-gateway/internal/valkeystore"
)

const objectTypeSession = "session"

var (
	ErrGetSessions   = errors.New("getting sessions from store")
	ErrGetSession    = errors.New("getting session from store")
	ErrStoreSession  = errors.New("setting session into storage")
	ErrDeleteSession = errors.New("deleting session from store")
)

type Repository struct {
	store *valkeystore.Store
	now   func() time.Time
}

var _ = session.Repository(&Repository{})

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: valkeystore.New(valkeyClient, prefix),
		now:   time.Now,
	}
}

func (r *Repository) ListSessions(ctx context.Context) ([]session.Session, error) {
	var sessions []session.Session
	if err := valkeystore.GetObjects(ctx, r.store, r.store.Key(objectTypeSession, "*"), &sessions); err != nil {
		return nil, errors.Join(ErrGetSessions, err)
	}

	return sessions, nil
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, r.store.Key(objectTypeSession, sessionID), &s); err != nil {
		return session.Session{}, errors.Join(ErrGetSession, err)
	}

	return s, nil
}

// StoreSession writes the session with a TTL derived from its expiry, so the
// record disappears together with the session.
func (r *Repository) StoreSession(ctx context.Context, s session.Session) error {
	var ttl time.Duration
	if !s.Expiry.IsZero() {
		ttl = s.Expiry.Sub(r.now())
		if ttl < time.Millisecond {
			return errors.Join(ErrStoreSession, valkeystore.ErrExpired)
		}
	}

	if err := r.store.Set(ctx, r.store.Key(objectTypeSession, s.ID), s, ttl); err != nil {
		return errors.Join(ErrStoreSession, err)
	}

	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.store.Destroy(ctx, r.store.Key(objectTypeSession, sessionID)); err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteSession, err)
	}

	return nil
}
