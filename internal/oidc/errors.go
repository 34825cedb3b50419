package oidc

import (
	"errors"
	"fmt"

	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// MissingIdentityClaimError is returned when the provider authenticated the
// citizen but the ID token carries no WebID.
type MissingIdentityClaimError struct {
	Issuer  string
	Subject string
	IDToken string
}

func (e *MissingIdentityClaimError) Error() string {
	return fmt.Sprintf("id token of subject %q from %q carries no %s claim", e.Subject, e.Issuer, ScopeWebID)
}

func (e *MissingIdentityClaimError) Is(target error) bool {
	return target == serviceerr.ErrMissingIdentityClaim
}

func isNotFound(err error) bool {
	return errors.Is(err, serviceerr.ErrNotFound)
}
