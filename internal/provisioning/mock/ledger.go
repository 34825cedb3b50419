package provisioningmock

import (
	"context"
	"sync"
	"time"

	"github.com/openkcm/vault-gateway/internal/provisioning"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

type LedgerOption func(*Ledger)

// Ledger is an in-memory provisioning.Ledger.
type Ledger struct {
	mu     sync.Mutex
	claims map[string]provisioning.Claim

	claimErr, completeErr, releaseErr error
}

var _ provisioning.Ledger = (*Ledger)(nil)

func WithClaim(claim provisioning.Claim) LedgerOption {
	return func(l *Ledger) { l.claims[key(claim.Issuer, claim.Subject)] = claim }
}
func WithClaimError(err error) LedgerOption {
	return func(l *Ledger) { l.claimErr = err }
}
func WithCompleteError(err error) LedgerOption {
	return func(l *Ledger) { l.completeErr = err }
}
func WithReleaseError(err error) LedgerOption {
	return func(l *Ledger) { l.releaseErr = err }
}

func NewInMemLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		claims: make(map[string]provisioning.Claim),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Ledger) Claim(_ context.Context, issuer, subject string, staleBefore time.Time) (provisioning.Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.claimErr != nil {
		return provisioning.Claim{}, l.claimErr
	}

	k := key(issuer, subject)
	existing, ok := l.claims[k]
	if ok && (existing.WebID != "" || !existing.ClaimedAt.Before(staleBefore)) {
		existing.Acquired = false
		return existing, nil
	}

	claim := provisioning.Claim{Issuer: issuer, Subject: subject, ClaimedAt: time.Now()}
	l.claims[k] = claim
	claim.Acquired = true
	return claim, nil
}

func (l *Ledger) Complete(_ context.Context, issuer, subject, webID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.completeErr != nil {
		return l.completeErr
	}

	k := key(issuer, subject)
	claim, ok := l.claims[k]
	if !ok {
		return serviceerr.ErrNotFound
	}
	claim.WebID = webID
	l.claims[k] = claim
	return nil
}

func (l *Ledger) Release(_ context.Context, issuer, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.releaseErr != nil {
		return l.releaseErr
	}

	k := key(issuer, subject)
	if claim, ok := l.claims[k]; ok && claim.WebID == "" {
		delete(l.claims, k)
	}
	return nil
}

// Get returns the entry of the provider identity.
func (l *Ledger) Get(issuer, subject string) (provisioning.Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.claims[key(issuer, subject)]
	return c, ok
}

func key(issuer, subject string) string {
	return issuer + "\x00" + subject
}
