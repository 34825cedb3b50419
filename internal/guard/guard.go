// Package guard gates pod operations on the access grant of the session.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/pod"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/internal/session"
)

type Guard struct {
	sessions session.Repository
	pods     pod.Capability
	now      func() time.Time
}

func New(sessions session.Repository, pods pod.Capability) *Guard {
	return &Guard{
		sessions: sessions,
		pods:     pods,
		now:      time.Now,
	}
}

func (g *Guard) Read(ctx context.Context, sessionID, resourceURL string) (pod.Resource, error) {
	grant, err := g.authorize(ctx, sessionID, resourceURL)
	if err != nil {
		return pod.Resource{}, err
	}
	return g.pods.Read(ctx, resourceURL, grant)
}

func (g *Guard) ReadFile(ctx context.Context, sessionID, resourceURL string) (pod.Resource, error) {
	grant, err := g.authorize(ctx, sessionID, resourceURL)
	if err != nil {
		return pod.Resource{}, err
	}
	return g.pods.ReadFile(ctx, resourceURL, grant)
}

func (g *Guard) Write(ctx context.Context, sessionID, resourceURL string, res pod.Resource) error {
	grant, err := g.authorize(ctx, sessionID, resourceURL)
	if err != nil {
		return err
	}
	return g.pods.Write(ctx, resourceURL, res, grant)
}

func (g *Guard) WriteFile(ctx context.Context, sessionID, resourceURL string, res pod.Resource) error {
	grant, err := g.authorize(ctx, sessionID, resourceURL)
	if err != nil {
		return err
	}
	return g.pods.WriteFile(ctx, resourceURL, res, grant)
}

// authorize returns the raw access grant of the session.
func (g *Guard) authorize(ctx context.Context, sessionID, resourceURL string) ([]byte, error) {
	if sessionID == "" {
		return nil, serviceerr.ErrUnauthenticated
	}

	s, err := g.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return nil, serviceerr.ErrUnauthenticated
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if s.AccessGrant == nil {
		return nil, serviceerr.ErrAccessDenied
	}
	if !s.GrantOwned() {
		slogctx.Warn(ctx, "Access grant does not belong to the session webid", "grant_id", s.AccessGrant.ID, "owner", s.AccessGrant.Owner)
		return nil, serviceerr.ErrAccessDenied.WithDescription("access grant was not issued by the logged in webid")
	}
	if !s.GrantValid(g.now()) {
		slogctx.Debug(ctx, "Access grant expired", "grant_id", s.AccessGrant.ID, "expiration_date", s.AccessGrant.ExpirationDate)
		return nil, serviceerr.ErrGrantExpired
	}

	u, err := url.Parse(resourceURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, serviceerr.ErrInvalidInput.WithDescription("url must be an absolute http(s) url")
	}

	return s.AccessGrant.Raw, nil
}
