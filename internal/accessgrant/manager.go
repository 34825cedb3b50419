package accessgrant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/pod"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/internal/session"
)

type Manager struct {
	sessions session.Repository
	locker   session.Locker
	service  Service
	pods     pod.Resolver
	validate *validator.Validate
	now      func() time.Time
}

func NewManager(sessions session.Repository, locker session.Locker, service Service, pods pod.Resolver) *Manager {
	return &Manager{
		sessions: sessions,
		locker:   locker,
		service:  service,
		pods:     pods,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// IssueAccessRequest validates the parameters and passes them on to the
// access grant service together with the pods of the citizen.
func (m *Manager) IssueAccessRequest(ctx context.Context, sessionID string, params AccessRequestParams, correlationID string) (AccessRequest, error) {
	if err := m.validate.Struct(params); err != nil {
		return AccessRequest{}, serviceerr.ErrInvalidInput.WithDescription(err.Error())
	}
	if !params.ExpirationDate.After(m.now()) {
		return AccessRequest{}, serviceerr.ErrInvalidInput.WithDescription("expirationDate must be in the future")
	}

	var pods []string
	err := m.withSession(ctx, sessionID, func(ctx context.Context, s *session.Session) (bool, error) {
		webID := s.WebID
		if webID == "" {
			webID = params.SubjectWebID
		}
		if webID == "" {
			return false, serviceerr.ErrInvalidInput.WithDescription("no webid to resolve the pods of")
		}

		if len(s.Pods) > 0 {
			pods = s.Pods
			return false, nil
		}

		resolved, err := m.pods.ListPods(ctx, webID)
		if err != nil {
			return false, fmt.Errorf("resolving pods: %w", err)
		}

		pods = resolved
		s.Pods = resolved
		return true, nil
	})
	if err != nil {
		return AccessRequest{}, err
	}

	req, err := m.service.IssueAccessRequest(ctx, ServiceRequest{AccessRequestParams: params, Pods: pods}, correlationID)
	if err != nil {
		return AccessRequest{}, fmt.Errorf("issuing access request: %w", err)
	}

	return req, nil
}

// FetchAndStoreAccessGrant attaches the grant to the session. Only grants
// issued by the WebID of the session are accepted.
func (m *Manager) FetchAndStoreAccessGrant(ctx context.Context, sessionID, grantID, correlationID string) (session.AccessGrant, error) {
	if grantID == "" {
		return session.AccessGrant{}, serviceerr.ErrInvalidInput.WithDescription("accessGrantId is required")
	}

	var stored session.AccessGrant
	err := m.withSession(ctx, sessionID, func(ctx context.Context, s *session.Session) (bool, error) {
		if s.WebID == "" {
			return false, serviceerr.ErrUnauthenticated.WithDescription("session carries no webid")
		}

		grant, err := m.service.FetchGrant(ctx, grantID, correlationID)
		if err != nil {
			return false, fmt.Errorf("fetching access grant: %w", err)
		}
		if grant.Owner != s.WebID {
			slogctx.Warn(ctx, "Refused access grant of another webid", "grant_id", grant.ID, "owner", grant.Owner)
			return false, serviceerr.ErrAccessDenied.WithDescription("access grant was not issued by the logged in webid")
		}

		stored = session.AccessGrant{
			ID:             grant.ID,
			Owner:          grant.Owner,
			ExpirationDate: grant.ExpirationDate.UTC(),
			Raw:            grant.Raw,
		}
		s.AccessGrant = &stored

		slogctx.Info(ctx, "Stored access grant", "grant_id", grant.ID, "expiration_date", stored.ExpirationDate)
		return true, nil
	})
	if err != nil {
		return session.AccessGrant{}, err
	}

	return stored, nil
}

// ListAccessGrants lists the grants of the owner, by default the citizen of
// the session.
func (m *Manager) ListAccessGrants(ctx context.Context, sessionID, ownerOverride, correlationID string) ([]Grant, error) {
	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.WebID == "" {
		return nil, serviceerr.ErrUnauthenticated.WithDescription("session carries no webid")
	}

	owner := s.WebID
	if ownerOverride != "" {
		owner = ownerOverride
	}

	grants, err := m.service.ListGrants(ctx, owner, correlationID)
	if err != nil {
		return nil, fmt.Errorf("listing access grants: %w", err)
	}

	return grants, nil
}

// withSession runs fn on the session under its lock and stores the session
// when fn reports a change.
func (m *Manager) withSession(ctx context.Context, sessionID string, fn func(ctx context.Context, s *session.Session) (bool, error)) error {
	if sessionID == "" {
		return serviceerr.ErrUnauthenticated
	}

	unlock, err := m.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("locking session: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slogctx.Warn(ctx, "Could not unlock session", "error", err)
		}
	}()

	s, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	changed, err := fn(ctx, &s)
	if err != nil {
		return err
	}

	if changed {
		if err := m.sessions.StoreSession(ctx, s); err != nil {
			return fmt.Errorf("storing session: %w", err)
		}
	}

	return nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, serviceerr.ErrUnauthenticated
	}

	s, err := m.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return session.Session{}, serviceerr.ErrUnauthenticated
		}
		return session.Session{}, fmt.Errorf("loading session: %w", err)
	}

	return s, nil
}
