package accessgrantmock

import (
	"context"
	"sync"

	"github.com/openkcm/vault-gateway/internal/accessgrant"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

type ServiceOption func(*Service)

// Service is an in-memory accessgrant.Service.
type Service struct {
	mu       sync.Mutex
	grants   map[string]accessgrant.Grant
	response accessgrant.AccessRequest

	requests       []accessgrant.ServiceRequest
	listedOwners   []string
	correlationIDs []string

	issueErr, fetchErr, listErr error
}

var _ accessgrant.Service = (*Service)(nil)

func WithGrant(grant accessgrant.Grant) ServiceOption {
	return func(s *Service) { s.grants[grant.ID] = grant }
}
func WithAccessRequest(req accessgrant.AccessRequest) ServiceOption {
	return func(s *Service) { s.response = req }
}
func WithIssueError(err error) ServiceOption {
	return func(s *Service) { s.issueErr = err }
}
func WithFetchError(err error) ServiceOption {
	return func(s *Service) { s.fetchErr = err }
}
func WithListError(err error) ServiceOption {
	return func(s *Service) { s.listErr = err }
}

func NewInMemService(opts ...ServiceOption) *Service {
	s := &Service{
		grants: make(map[string]accessgrant.Grant),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) IssueAccessRequest(_ context.Context, req accessgrant.ServiceRequest, correlationID string) (accessgrant.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	s.correlationIDs = append(s.correlationIDs, correlationID)
	if s.issueErr != nil {
		return accessgrant.AccessRequest{}, s.issueErr
	}
	return s.response, nil
}

func (s *Service) FetchGrant(_ context.Context, grantID, correlationID string) (accessgrant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.correlationIDs = append(s.correlationIDs, correlationID)
	if s.fetchErr != nil {
		return accessgrant.Grant{}, s.fetchErr
	}
	g, ok := s.grants[grantID]
	if !ok {
		return accessgrant.Grant{}, serviceerr.ErrGrantNotFound
	}
	return g, nil
}

func (s *Service) ListGrants(_ context.Context, ownerWebID, correlationID string) ([]accessgrant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listedOwners = append(s.listedOwners, ownerWebID)
	s.correlationIDs = append(s.correlationIDs, correlationID)
	if s.listErr != nil {
		return nil, s.listErr
	}
	grants := []accessgrant.Grant{}
	for _, g := range s.grants {
		if g.Owner == ownerWebID {
			grants = append(grants, g)
		}
	}
	return grants, nil
}

// Requests returns the access requests passed to the service.
func (s *Service) Requests() []accessgrant.ServiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]accessgrant.ServiceRequest(nil), s.requests...)
}

// ListedOwners returns the owner filters of the list calls.
func (s *Service) ListedOwners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.listedOwners...)
}

// CorrelationIDs returns the correlation IDs of all calls.
func (s *Service) CorrelationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.correlationIDs...)
}
