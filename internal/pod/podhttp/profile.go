package podhttp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/piprate/json-gold/ld"
)

const storagePredicate = "http://www.w3.org/ns/pim/space#storage"

// ListPods returns the storages the WebID profile declares for the WebID.
func (c *Client) ListPods(ctx context.Context, webID string) ([]string, error) {
	if pods, ok := c.profiles.Get(webID); ok {
		if p, ok := pods.([]string); ok {
			return slices.Clone(p), nil
		}
	}

	doc, err := url.Parse(webID)
	if err != nil {
		return nil, fmt.Errorf("parsing webid: %w", err)
	}
	doc.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating profile request: %w", err)
	}
	req.Header.Set("Accept", "application/ld+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing profile request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}

	profile, err := ld.DocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	opts := ld.NewJsonLdOptions(doc.String())
	opts.DocumentLoader = ld.NewDefaultDocumentLoader(c.httpClient)

	flattened, err := ld.NewJsonLdProcessor().Flatten(profile, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("flattening profile: %w", err)
	}

	pods := storages(flattened, webID)
	c.profiles.SetDefault(webID, pods)

	return slices.Clone(pods), nil
}

// storages reads the pim:storage objects of the node identified by webID from
// a flattened JSON-LD document.
func storages(flattened any, webID string) []string {
	nodes, _ := flattened.([]any)

	pods := []string{}
	for _, n := range nodes {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := node["@id"].(string); id != webID {
			continue
		}

		objects, _ := node[storagePredicate].([]any)
		for _, o := range objects {
			obj, ok := o.(map[string]any)
			if !ok {
				continue
			}

			storage, _ := obj["@id"].(string)
			if storage == "" {
				storage, _ = obj["@value"].(string)
			}
			if storage != "" && !slices.Contains(pods, storage) {
				pods = append(pods, storage)
			}
		}
	}

	return pods
}
