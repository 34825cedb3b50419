// Package podhttp talks to pods over HTTP.
package podhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/openkcm/vault-gateway/internal/pod"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

const (
	ContentTypeTurtle = "text/turtle"
	ContentTypeBinary = "application/octet-stream"

	maxErrorBody = 4 << 10
)

type Client struct {
	httpClient  *http.Client
	grantHeader string
	profiles    *cache.Cache
}

var (
	_ pod.Capability = (*Client)(nil)
	_ pod.Resolver   = (*Client)(nil)
)

// NewClient creates a client that presents the access grant in grantHeader.
// Resolved pod lists are cached for profileCacheTTL.
func NewClient(httpClient *http.Client, grantHeader string, profileCacheTTL time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if profileCacheTTL <= 0 {
		profileCacheTTL = 5 * time.Minute
	}

	return &Client{
		httpClient:  httpClient,
		grantHeader: grantHeader,
		profiles:    cache.New(profileCacheTTL, 2*profileCacheTTL),
	}
}

func (c *Client) Read(ctx context.Context, url string, grant []byte) (pod.Resource, error) {
	return c.get(ctx, url, ContentTypeTurtle, grant)
}

func (c *Client) ReadFile(ctx context.Context, url string, grant []byte) (pod.Resource, error) {
	return c.get(ctx, url, "*/*", grant)
}

func (c *Client) Write(ctx context.Context, url string, res pod.Resource, grant []byte) error {
	if res.ContentType == "" {
		res.ContentType = ContentTypeTurtle
	}
	return c.put(ctx, url, res, grant)
}

func (c *Client) WriteFile(ctx context.Context, url string, res pod.Resource, grant []byte) error {
	if res.ContentType == "" {
		res.ContentType = ContentTypeBinary
	}
	return c.put(ctx, url, res, grant)
}

func (c *Client) get(ctx context.Context, url, accept string, grant []byte) (pod.Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pod.Resource{}, fmt.Errorf("creating pod request: %w", err)
	}
	req.Header.Set("Accept", accept)
	c.setGrant(req, grant)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pod.Resource{}, fmt.Errorf("executing pod request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return pod.Resource{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pod.Resource{}, fmt.Errorf("reading pod response: %w", err)
	}

	return pod.Resource{ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

func (c *Client) put(ctx context.Context, url string, res pod.Resource, grant []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(res.Body))
	if err != nil {
		return fmt.Errorf("creating pod request: %w", err)
	}
	req.Header.Set("Content-Type", res.ContentType)
	c.setGrant(req, grant)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing pod request: %w", err)
	}
	defer resp.Body.Close()

	return statusError(resp)
}

func (c *Client) setGrant(req *http.Request, grant []byte) {
	if len(grant) > 0 {
		req.Header.Set(c.grantHeader, base64.RawURLEncoding.EncodeToString(grant))
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	desc := fmt.Sprintf("pod responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return serviceerr.ErrAccessDenied.WithDescription(desc)
	case http.StatusNotFound:
		return serviceerr.ErrNotFound.WithDescription(desc)
	default:
		return serviceerr.ErrBadGateway.WithDescription(desc)
	}
}
