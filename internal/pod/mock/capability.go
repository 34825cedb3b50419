package podmock

import (
	"context"
	"sync"

	"github.com/openkcm/vault-gateway/internal/pod"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// Call records one operation on the Capability.
type Call struct {
	Op       string
	URL      string
	Resource pod.Resource
	Grant    []byte
}

type CapabilityOption func(*Capability)

// Capability is an in-memory pod.Capability and pod.Resolver.
type Capability struct {
	mu        sync.Mutex
	resources map[string]pod.Resource
	pods      map[string][]string
	calls     []Call

	err, listPodsErr error
}

var (
	_ pod.Capability = (*Capability)(nil)
	_ pod.Resolver   = (*Capability)(nil)
)

func WithResource(url string, res pod.Resource) CapabilityOption {
	return func(c *Capability) { c.resources[url] = res }
}
func WithPods(webID string, pods ...string) CapabilityOption {
	return func(c *Capability) { c.pods[webID] = pods }
}
func WithError(err error) CapabilityOption {
	return func(c *Capability) { c.err = err }
}
func WithListPodsError(err error) CapabilityOption {
	return func(c *Capability) { c.listPodsErr = err }
}

func NewInMemCapability(opts ...CapabilityOption) *Capability {
	c := &Capability{
		resources: make(map[string]pod.Resource),
		pods:      make(map[string][]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Capability) Read(_ context.Context, url string, grant []byte) (pod.Resource, error) {
	return c.read("read", url, grant)
}

func (c *Capability) ReadFile(_ context.Context, url string, grant []byte) (pod.Resource, error) {
	return c.read("read-file", url, grant)
}

func (c *Capability) Write(_ context.Context, url string, res pod.Resource, grant []byte) error {
	return c.write("write", url, res, grant)
}

func (c *Capability) WriteFile(_ context.Context, url string, res pod.Resource, grant []byte) error {
	return c.write("write-file", url, res, grant)
}

func (c *Capability) ListPods(_ context.Context, webID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Op: "list-pods", URL: webID})
	if c.listPodsErr != nil {
		return nil, c.listPodsErr
	}
	return c.pods[webID], nil
}

// Calls returns the recorded operations.
func (c *Capability) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Call(nil), c.calls...)
}

func (c *Capability) read(op, url string, grant []byte) (pod.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Op: op, URL: url, Grant: grant})
	if c.err != nil {
		return pod.Resource{}, c.err
	}
	res, ok := c.resources[url]
	if !ok {
		return pod.Resource{}, serviceerr.ErrNotFound
	}
	return res, nil
}

func (c *Capability) write(op, url string, res pod.Resource, grant []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Op: op, URL: url, Resource: res, Grant: grant})
	if c.err != nil {
		return c.err
	}
	c.resources[url] = res
	return nil
}
