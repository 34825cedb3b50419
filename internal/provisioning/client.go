package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

const maxErrorBody = 4 << 10

// Client calls the WebID provisioning endpoint with the citizen's ID token.
type Client struct {
	url        string
	httpClient *http.Client
}

var _ Provisioner = (*Client)(nil)

func NewClient(baseURL, path string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		url:        baseURL + path,
		httpClient: httpClient,
	}
}

type provisionResponse struct {
	WebID string `json:"webId"`
}

func (c *Client) ProvisionIdentity(ctx context.Context, idToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("creating provisioning request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing provisioning request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", serviceerr.ErrProvisioningFailed.WithDescription(fmt.Sprintf("provisioning service responded %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var body provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding provisioning response: %w", err)
	}

	if body.WebID == "" {
		return "", serviceerr.ErrProvisioningFailed.WithDescription("provisioning service returned no webId")
	}

	return body.WebID, nil
}
