package protocolmock

import (
	"context"
	"sync"
	"time"

	"github.com/openkcm/vault-gateway/internal/protocolstore"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

type StoreOption func(*Store)

// Store is an in-memory protocolstore.Store.
type Store struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration

	getErr, setErr error
}

var _ protocolstore.Store = (*Store)(nil)

func WithValue(key string, value []byte) StoreOption {
	return func(s *Store) { s.values[key] = value }
}
func WithGetError(err error) StoreOption {
	return func(s *Store) { s.getErr = err }
}
func WithSetError(err error) StoreOption {
	return func(s *Store) { s.setErr = err }
}

func NewInMemStore(opts ...StoreOption) *Store {
	s := &Store{
		values: make(map[string][]byte),
		ttls:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.values[key]
	if !ok {
		return nil, serviceerr.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	s.ttls[key] = ttl
	return nil
}

// Keys returns the stored keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// TTL returns the TTL the key was last written with.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ttls[key]
}
