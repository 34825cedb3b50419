// Package provisioning creates the WebID of a citizen at the provisioning
// service. A ledger keyed by the provider identity makes sure one identity is
// provisioned at most once, even when redirects race.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// Claim is the ledger entry of a provider identity.
type Claim struct {
	Issuer    string
	Subject   string
	WebID     string // Set once provisioning completed
	ClaimedAt time.Time
	// Acquired reports whether the caller obtained the claim and must
	// provision.
	Acquired bool
}

// Ledger records which provider identities are being or have been
// provisioned.
type Ledger interface {
	// Claim acquires the identity unless it is already provisioned or a
	// claim newer than staleBefore is held.
	Claim(ctx context.Context, issuer, subject string, staleBefore time.Time) (Claim, error)
	Complete(ctx context.Context, issuer, subject, webID string) error
	Release(ctx context.Context, issuer, subject string) error
}

// Provisioner creates a WebID from a provider ID token.
type Provisioner interface {
	ProvisionIdentity(ctx context.Context, idToken string) (string, error)
}

type Request struct {
	Issuer  string
	Subject string
	IDToken string
}

type Result struct {
	WebID string
	// AlreadyProvisioned is set when an earlier attempt created the WebID.
	AlreadyProvisioned bool
}

type Service struct {
	ledger      Ledger
	provisioner Provisioner
	claimTTL    time.Duration
	now         func() time.Time
}

// NewService creates the service. Claims older than claimTTL are considered
// abandoned and may be taken over.
func NewService(ledger Ledger, provisioner Provisioner, claimTTL time.Duration) *Service {
	return &Service{
		ledger:      ledger,
		provisioner: provisioner,
		claimTTL:    claimTTL,
		now:         time.Now,
	}
}

// Provision creates the WebID of the provider identity once.
func (s *Service) Provision(ctx context.Context, req Request) (Result, error) {
	ctx = slogctx.With(ctx, "issuer", req.Issuer, "subject", req.Subject)

	claim, err := s.ledger.Claim(ctx, req.Issuer, req.Subject, s.now().Add(-s.claimTTL))
	if err != nil {
		return Result{}, fmt.Errorf("claiming identity: %w", err)
	}

	if !claim.Acquired {
		if claim.WebID != "" {
			slogctx.Info(ctx, "WebID was provisioned before", "webid", claim.WebID)
			return Result{WebID: claim.WebID, AlreadyProvisioned: true}, nil
		}

		return Result{}, serviceerr.ErrConflict.WithDescription("provisioning of the identity is in progress")
	}

	webID, err := s.provisioner.ProvisionIdentity(ctx, req.IDToken)
	if err != nil {
		if rErr := s.ledger.Release(context.WithoutCancel(ctx), req.Issuer, req.Subject); rErr != nil {
			slogctx.Warn(ctx, "Could not release provisioning claim", "error", rErr)
		}

		if errors.Is(err, serviceerr.ErrProvisioningFailed) {
			return Result{}, err
		}
		return Result{}, errors.Join(serviceerr.ErrProvisioningFailed, err)
	}

	if err := s.ledger.Complete(ctx, req.Issuer, req.Subject, webID); err != nil {
		return Result{}, fmt.Errorf("completing provisioning claim: %w", err)
	}

	slogctx.Info(ctx, "Provisioned WebID", "webid", webID)

	return Result{WebID: webID}, nil
}
