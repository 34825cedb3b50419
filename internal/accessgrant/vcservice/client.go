// Package vcservice is the HTTP client of the access grant service. Grants
// are verifiable credentials; only the fields needed to attach a grant to a
// session are decoded, the credential itself is kept verbatim.
package vcservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openkcm/vault-gateway/internal/accessgrant"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

const (
	HeaderCorrelationID = "X-Correlation-Id"

	maxErrorBody = 4 << 10
)

// Client authenticates with the HTTP client it is given, usually a client
// credentials client of the service realm.
type Client struct {
	baseURL           string
	accessRequestPath string
	grantsPath        string
	httpClient        *http.Client
}

var _ accessgrant.Service = (*Client)(nil)

func NewClient(baseURL, accessRequestPath, grantsPath string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:           baseURL,
		accessRequestPath: accessRequestPath,
		grantsPath:        grantsPath,
		httpClient:        httpClient,
	}
}

type credential struct {
	ID                string `json:"id"`
	ExpirationDate    string `json:"expirationDate"`
	ValidUntil        string `json:"validUntil"`
	CredentialSubject struct {
		ID string `json:"id"`
	} `json:"credentialSubject"`
}

func (c *Client) IssueAccessRequest(ctx context.Context, req accessgrant.ServiceRequest, correlationID string) (accessgrant.AccessRequest, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return accessgrant.AccessRequest{}, fmt.Errorf("encoding access request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.baseURL+c.accessRequestPath, body, correlationID)
	if err != nil {
		return accessgrant.AccessRequest{}, err
	}

	return accessgrant.AccessRequest{Raw: raw}, nil
}

func (c *Client) FetchGrant(ctx context.Context, grantID, correlationID string) (accessgrant.Grant, error) {
	raw, err := c.do(ctx, http.MethodGet, c.baseURL+c.grantsPath+"/"+url.PathEscape(grantID), nil, correlationID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return accessgrant.Grant{}, serviceerr.ErrGrantNotFound.WithDescription(fmt.Sprintf("access grant %q not found", grantID))
		}
		return accessgrant.Grant{}, err
	}

	grant, err := decodeGrant(raw)
	if err != nil {
		return accessgrant.Grant{}, err
	}
	if grant.ID == "" {
		grant.ID = grantID
	}

	return grant, nil
}

func (c *Client) ListGrants(ctx context.Context, ownerWebID, correlationID string) ([]accessgrant.Grant, error) {
	u := c.baseURL + c.grantsPath
	if ownerWebID != "" {
		u += "?" + url.Values{"owner": []string{ownerWebID}}.Encode()
	}

	raw, err := c.do(ctx, http.MethodGet, u, nil, correlationID)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding access grant list: %w", err)
	}

	grants := make([]accessgrant.Grant, 0, len(items))
	for _, item := range items {
		grant, err := decodeGrant(item)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}

	return grants, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, correlationID string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating access grant request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing access grant request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		desc := fmt.Sprintf("access grant service responded %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, serviceerr.ErrNotFound.WithDescription(desc)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return nil, serviceerr.ErrInvalidInput.WithDescription(desc)
		default:
			return nil, serviceerr.ErrBadGateway.WithDescription(desc)
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading access grant response: %w", err)
	}

	return raw, nil
}

func decodeGrant(raw []byte) (accessgrant.Grant, error) {
	var vc credential
	if err := json.Unmarshal(raw, &vc); err != nil {
		return accessgrant.Grant{}, fmt.Errorf("decoding access grant: %w", err)
	}

	expiration := vc.ExpirationDate
	if expiration == "" {
		expiration = vc.ValidUntil
	}

	var exp time.Time
	if expiration != "" {
		t, err := time.Parse(time.RFC3339, expiration)
		if err != nil {
			return accessgrant.Grant{}, fmt.Errorf("parsing access grant expiration: %w", err)
		}
		exp = t.UTC()
	}

	return accessgrant.Grant{
		ID:             vc.ID,
		Owner:          vc.CredentialSubject.ID,
		ExpirationDate: exp,
		Raw:            json.RawMessage(raw),
	}, nil
}
