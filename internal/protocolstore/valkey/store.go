package protocolvalkey

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/vault-gateway/internal/protocolstore"
	"github.com/openkcm/vault-gateway/internal/valkeystore"
)

// Store keeps protocol records in ValKey under the configured prefix.
type Store struct {
	store *valkeystore.Store
}

var _ protocolstore.Store = (*Store)(nil)

func NewStore(valkeyClient valkey.Client, prefix string) *Store {
	return &Store{store: valkeystore.New(valkeyClient, prefix)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.GetBytes(ctx, s.store.Prefixed(key))
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.store.SetBytes(ctx, s.store.Prefixed(key), value, ttl)
}
