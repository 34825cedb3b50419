// Package protocolstore keeps the OIDC protocol records of pending logins.
//
// The records live in a narrow key/value store and are addressed through a
// configurable key format, so the layout can be shared with other consumers
// of the same store.
package protocolstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionIDPlaceholder is replaced by the OIDC session ID in a KeyFormat.
const SessionIDPlaceholder = "{sessionId}"

var ErrInvalidKeyFormat = errors.New("key format must contain " + SessionIDPlaceholder)

// Store is the storage the records are kept in.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Record is the protocol state of one login attempt.
type Record struct {
	OIDCSessionID string    `json:"oidcSessionId"`
	State         string    `json:"state"`
	PKCEVerifier  string    `json:"pkceVerifier"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Issuer        string    `json:"issuer"`
	CreatedAt     time.Time `json:"createdAt"`
	LoggedOut     bool      `json:"loggedOut,omitempty"`
}

// KeyFormat is a key template containing SessionIDPlaceholder.
type KeyFormat string

func ParseKeyFormat(s string) (KeyFormat, error) {
	if !strings.Contains(s, SessionIDPlaceholder) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyFormat, s)
	}

	return KeyFormat(s), nil
}

// Key returns the storage key for the OIDC session ID.
func (f KeyFormat) Key(oidcSessionID string) string {
	return strings.ReplaceAll(string(f), SessionIDPlaceholder, oidcSessionID)
}

// Records reads and writes protocol records.
type Records struct {
	store     Store
	keyFormat KeyFormat
	ttl       time.Duration
}

func NewRecords(store Store, keyFormat KeyFormat, ttl time.Duration) *Records {
	return &Records{
		store:     store,
		keyFormat: keyFormat,
		ttl:       ttl,
	}
}

// Load returns the record of the OIDC session. Store errors, including the
// not-found error of the store, are passed through wrapped.
func (r *Records) Load(ctx context.Context, oidcSessionID string) (Record, error) {
	data, err := r.store.Get(ctx, r.keyFormat.Key(oidcSessionID))
	if err != nil {
		return Record{}, fmt.Errorf("getting protocol record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding protocol record: %w", err)
	}

	return rec, nil
}

func (r *Records) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding protocol record: %w", err)
	}

	if err := r.store.Set(ctx, r.keyFormat.Key(rec.OIDCSessionID), data, r.ttl); err != nil {
		return fmt.Errorf("setting protocol record: %w", err)
	}

	return nil
}
