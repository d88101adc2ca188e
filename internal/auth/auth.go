// Package auth provides minimal authorization helpers.
//
// Ownership checks compare a caller against a single owner identity. Token
// validators gate the HTTP surface. Neither stores policy.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/danmuck/beaconctl/internal/identity"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// RequireOwner fails unless caller is a non-null identity equal to owner.
func RequireOwner(caller, owner identity.Address) error {
	if caller.IsNull() {
		return fmt.Errorf("%w: caller is null", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(caller), []byte(owner)) != 1 {
		return fmt.Errorf("%w: caller %s is not the owner %s", ErrUnauthorized, caller, owner)
	}
	return nil
}

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
