// Package accessgrant manages the access grants that authorise operations
// on a citizen's pods.
package accessgrant

import (
	"context"
	"encoding/json"
	"time"
)

// AccessRequestParams is the access request as submitted by the front end.
type AccessRequestParams struct {
	SubjectData    []string  `json:"subjectData" validate:"required,min=1,dive,required"`
	SubjectWebID   string    `json:"subjectWebId" validate:"omitempty,url"`
	Purpose        string    `json:"purpose" validate:"required"`
	ExpirationDate time.Time `json:"expirationDate" validate:"required"`
	AccessModes    []string  `json:"accessModes" validate:"required,min=1,dive,oneof=read write append"`
}

// ServiceRequest is the access request sent to the access grant service.
type ServiceRequest struct {
	AccessRequestParams

	Pods []string `json:"pods"`
}

// AccessRequest is returned to the caller verbatim.
type AccessRequest struct {
	Raw json.RawMessage
}

// Grant is an issued access grant.
type Grant struct {
	ID             string
	Owner          string
	ExpirationDate time.Time
	Raw            json.RawMessage
}

// Service is the access grant service.
type Service interface {
	IssueAccessRequest(ctx context.Context, req ServiceRequest, correlationID string) (AccessRequest, error)
	// FetchGrant returns serviceerr.ErrGrantNotFound for unknown grants.
	FetchGrant(ctx context.Context, grantID, correlationID string) (Grant, error)
	ListGrants(ctx context.Context, ownerWebID, correlationID string) ([]Grant, error)
}
