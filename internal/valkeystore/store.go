// Package valkeystore is the JSON object store on top of ValKey shared by
// the session repository and the OIDC protocol store.
package valkeystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// ErrExpired is returned when an object is written with a TTL in the past.
var ErrExpired = errors.New("object is already expired")

type Store struct {
	valkey valkey.Client
	prefix string
}

func New(valkeyClient valkey.Client, prefix string) *Store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &Store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

// Client returns the underlying ValKey client.
func (s *Store) Client() valkey.Client {
	return s.valkey
}

// Key builds the key of an object.
func (s *Store) Key(objectType, objectID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, objectType, objectID)
}

// Prefixed prepends the store prefix to a key built elsewhere.
func (s *Store) Prefixed(key string) string {
	return s.prefix + ":" + key
}

// GetBytes reads the raw value of a key. It returns serviceerr.ErrNotFound
// if the key does not exist.
func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return nil, errors.Join(valkeyErr, serviceerr.ErrNotFound)
		}

		return nil, fmt.Errorf("executing get command: %w", err)
	}

	return bytes, nil
}

// SetBytes writes the raw value of a key. A zero TTL stores the key without
// expiration.
func (s *Store) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := s.valkey.B().Set().Key(key).Value(valkey.BinaryString(value))

	var err error
	switch {
	case ttl == 0:
		err = s.valkey.Do(ctx, cmd.Build()).Error()
	case ttl < time.Millisecond:
		return ErrExpired
	default:
		err = s.valkey.Do(ctx, cmd.PxMilliseconds(ttl.Milliseconds()).Build()).Error()
	}

	if err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string, decodeInto any) error {
	bytes, err := s.GetBytes(ctx, key)
	if err != nil {
		return err
	}

	if err := s.decode(bytes, decodeInto); err != nil {
		return fmt.Errorf("decoding object: %w", err)
	}

	return nil
}

func (s *Store) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	bytes, err := s.encode(val)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}

	return s.SetBytes(ctx, key, bytes, ttl)
}

func (s *Store) Destroy(ctx context.Context, key string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (s *Store) encode(v any) ([]byte, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json: %w", err)
	}

	return bytes, nil
}

func (s *Store) decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}

	return nil
}

// GetObjects decodes every object whose key matches the pattern. Keys that
// expire between the scan and the read are skipped.
func GetObjects[T any](ctx context.Context, s *Store, pattern string, decodeInto *[]T) error {
	var cursor uint64
	for {
		scan, err := s.valkey.Do(ctx, s.valkey.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("executing scan command: %w", err)
		}

		cursor = scan.Cursor
		*decodeInto = slices.Grow(*decodeInto, len(scan.Elements))
		for _, key := range scan.Elements {
			var decoded T
			if err := s.Get(ctx, key, &decoded); err != nil {
				if errors.Is(err, serviceerr.ErrNotFound) {
					continue
				}

				return fmt.Errorf("getting an element: %w", err)
			}

			*decodeInto = append(*decodeInto, decoded)
		}

		if cursor == 0 {
			return nil
		}
	}
}
