// Package auth decides whether a Titan write may proceed. Authorization is
// by shared-secret token, with an optional client-certificate fingerprint
// hook contributed by extensions.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/phoebewiki/phoebe/internal/config"
)

// FingerprintChecker accepts a write based on the client certificate's
// SHA-256 fingerprint instead of a token.
type FingerprintChecker interface {
	AllowFingerprint(space, fingerprint string) bool
}

// Authorizer checks write tokens against the configured token sets.
type Authorizer struct {
	checkers []FingerprintChecker
}

// NewAuthorizer builds an Authorizer with the given fingerprint hooks, which
// are consulted in order after the token check fails.
func NewAuthorizer(checkers ...FingerprintChecker) *Authorizer {
	return &Authorizer{checkers: checkers}
}

// AuthorizeWrite accepts iff token is in the union of the global tokens and
// the space tokens, or one of the registered fingerprint checkers accepts
// the client certificate. Tokens are compared as opaque bytes.
func (a *Authorizer) AuthorizeWrite(cfg *config.Config, space, token, fingerprint string) bool {
	if token != "" {
		for _, candidate := range cfg.TokensFor(space) {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
				return true
			}
		}
	}
	if fingerprint != "" {
		for _, c := range a.checkers {
			if c.AllowFingerprint(space, fingerprint) {
				return true
			}
		}
	}
	return false
}

// Fingerprint returns the lowercase hex SHA-256 digest of a client
// certificate in DER form.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
