// Package security implements the ordered request pipeline that runs before
// any handler: authentication, authorization, payload-safety validation,
// sanitization, and size/rate limiting.
package security

import (
	"crypto/subtle"
	"errors"
)

// Permission names checked by the authorizer.
const (
	PermMemoryRead     = "memory:read"
	PermMemoryWrite    = "memory:write"
	PermMemoryFederate = "memory:federate"
)

// ErrNoCredentials is returned by authenticators when the connection
// presented nothing to check.
var ErrNoCredentials = errors.New("security: no credentials presented")

// Credentials carries whatever the client presented at connection time.
// Bearer tokens arrive via the Authorization header, API keys via X-API-Key.
type Credentials struct {
	BearerToken string
	APIKey      string
}

// Principal is an authenticated identity with its granted permission set.
type Principal struct {
	ID          string
	Anonymous   bool
	Permissions map[string]bool
}

// Can reports whether the principal holds the given permission.
func (p *Principal) Can(perm string) bool {
	return p != nil && p.Permissions[perm]
}

// Authenticator resolves presented credentials to a principal, or fails.
type Authenticator interface {
	Authenticate(creds Credentials) (*Principal, error)
}

// NoneAuthenticator admits every connection as an anonymous principal with
// full memory permissions. For unauthenticated deployments.
type NoneAuthenticator struct{}

func (NoneAuthenticator) Authenticate(Credentials) (*Principal, error) {
	return &Principal{
		ID:        "anonymous",
		Anonymous: true,
		Permissions: map[string]bool{
			PermMemoryRead:     true,
			PermMemoryWrite:    true,
			PermMemoryFederate: true,
		},
	}, nil
}

// BearerAuthenticator checks the presented bearer token against a single
// configured token using a constant-time comparison.
type BearerAuthenticator struct {
	Token string
}

func (a BearerAuthenticator) Authenticate(creds Credentials) (*Principal, error) {
	if creds.BearerToken == "" {
		return nil, ErrNoCredentials
	}
	if subtle.ConstantTimeCompare([]byte(creds.BearerToken), []byte(a.Token)) != 1 {
		return nil, errors.New("security: bearer token mismatch")
	}
	return &Principal{
		ID: "bearer",
		Permissions: map[string]bool{
			PermMemoryRead:     true,
			PermMemoryWrite:    true,
			PermMemoryFederate: true,
		},
	}, nil
}

// APIKeyAuthenticator checks the presented key for membership in a
// configured key set. Each key maps to its own principal id so audit output
// can tell callers apart.
type APIKeyAuthenticator struct {
	keys map[string]bool
}

// NewAPIKeyAuthenticator builds an authenticator over the given key set.
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &APIKeyAuthenticator{keys: set}
}

func (a *APIKeyAuthenticator) Authenticate(creds Credentials) (*Principal, error) {
	if creds.APIKey == "" {
		return nil, ErrNoCredentials
	}
	if !a.keys[creds.APIKey] {
		return nil, errors.New("security: unknown api key")
	}
	return &Principal{
		ID: "key:" + fingerprint(creds.APIKey),
		Permissions: map[string]bool{
			PermMemoryRead:     true,
			PermMemoryWrite:    true,
			PermMemoryFederate: true,
		},
	}, nil
}

// fingerprint returns a short non-reversible tag for a key, safe to log.
func fingerprint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
