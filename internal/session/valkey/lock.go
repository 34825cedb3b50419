package sessionvalkey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
	"github.com/openkcm/vault-gateway/internal/session"
	"github.com/openkcm/vault-gateway/internal/valkeystore"
)

const objectTypeLock = "lock"

// releaseScript deletes the lock only if it is still held with our token.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a session.Locker shared by all instances through ValKey.
type Locker struct {
	store *valkeystore.Store
	ttl   time.Duration
	retry time.Duration
}

var _ session.Locker = (*Locker)(nil)

// NewLocker creates a locker whose locks expire after ttl if they are not
// released.
func NewLocker(valkeyClient valkey.Client, prefix string, ttl time.Duration) *Locker {
	return &Locker{
		store: valkeystore.New(valkeyClient, prefix),
		ttl:   ttl,
		retry: 50 * time.Millisecond,
	}
}

// Lock polls until the lock is acquired, the lock TTL elapsed or the context
// is done. Giving up after one TTL yields serviceerr.ErrSessionBusy.
func (l *Locker) Lock(ctx context.Context, sessionID string) (session.UnlockFunc, error) {
	client := l.store.Client()
	key := l.store.Key(objectTypeLock, sessionID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.ttl)

	for {
		err := client.Do(ctx, client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(l.ttl.Milliseconds()).Build()).Error()
		if err == nil {
			break
		}

		if valkeyErr, ok := valkey.IsValkeyErr(err); !ok || !valkeyErr.IsNil() {
			return nil, fmt.Errorf("acquiring session lock: %w", err)
		}

		if time.Now().After(deadline) {
			return nil, serviceerr.ErrSessionBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Exec(ctx, client, []string{key}, []string{token}).Error(); err != nil {
			return fmt.Errorf("releasing session lock: %w", err)
		}

		return nil
	}, nil
}
