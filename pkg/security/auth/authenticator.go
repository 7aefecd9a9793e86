package auth

import (
	"context"
	"net/http"
	"strings"

	"mercator-hq/cohort/pkg/config"
)

// HeaderAPIKey is the alternative to a bearer token.
const HeaderAPIKey = "X-API-Key"

// Authenticator extracts and validates the API key of a request.
type Authenticator struct {
	keys *KeySet
}

// NewAuthenticator creates an authenticator over keys.
func NewAuthenticator(keys *KeySet) *Authenticator {
	return &Authenticator{keys: keys}
}

// FromConfig builds an authenticator, or returns nil when auth is
// disabled.
func FromConfig(cfg config.AuthConfig) (*Authenticator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	keys, err := NewKeySet(cfg.Keys)
	if err != nil {
		return nil, err
	}
	return NewAuthenticator(keys), nil
}

// Authenticate validates the key carried by r, from either
// "Authorization: Bearer <key>" or the X-API-Key header.
func (a *Authenticator) Authenticate(r *http.Request) (*KeyInfo, error) {
	return a.keys.Validate(extractKey(r))
}

func extractKey(r *http.Request) string {
	if value := r.Header.Get("Authorization"); value != "" {
		scheme, token, ok := strings.Cut(value, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(HeaderAPIKey)
}

type contextKey struct{}

// WithKeyInfo stores the authenticated key in ctx.
func WithKeyInfo(ctx context.Context, info *KeyInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// GetKeyInfo returns the authenticated key stored in ctx.
func GetKeyInfo(ctx context.Context) (*KeyInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(*KeyInfo)
	return info, ok
}
