package auth

import (
	"errors"

	"mercator-hq/cohort/pkg/config"
)

// Role grants access to a group of API routes.
type Role string

const (
	// RoleClient may request assignments and record conversions.
	RoleClient Role = config.RoleClient
	// RoleAdmin may also create, update and transition experiments.
	RoleAdmin Role = config.RoleAdmin
)

// Allows reports whether a key with role r may call a route requiring
// required.
func (r Role) Allows(required Role) bool {
	return r == RoleAdmin || r == required
}

// KeyInfo describes an accepted API key. The secret itself is not kept.
type KeyInfo struct {
	Name    string
	Role    Role
	Enabled bool
}

var (
	// ErrMissingKey is returned when a request carries no API key.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidKey is returned for keys that are not configured.
	ErrInvalidKey = errors.New("invalid API key")
	// ErrDisabledKey is returned for configured keys marked disabled.
	ErrDisabledKey = errors.New("API key disabled")
)
