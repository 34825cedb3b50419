// Package pod defines the operations on a citizen's data vault.
package pod

import "context"

// Resource is the content of a pod resource.
type Resource struct {
	ContentType string
	Body        []byte
}

// Capability reads and writes pod resources on behalf of an access grant.
// Read and Write transfer RDF documents, ReadFile and WriteFile opaque files.
type Capability interface {
	Read(ctx context.Context, url string, grant []byte) (Resource, error)
	Write(ctx context.Context, url string, res Resource, grant []byte) error
	ReadFile(ctx context.Context, url string, grant []byte) (Resource, error)
	WriteFile(ctx context.Context, url string, res Resource, grant []byte) error
}

// Resolver resolves the pods a WebID points to.
type Resolver interface {
	ListPods(ctx context.Context, webID string) ([]string, error)
}
