package auth

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"mercator-hq/cohort/pkg/config"
)

// KeySet validates API keys. Keys are indexed by their SHA-256 digest so
// the raw secrets are not held in memory after construction.
type KeySet struct {
	mu   sync.RWMutex
	keys map[[sha256.Size]byte]*KeyInfo
}

// NewKeySet builds a key set from configuration.
func NewKeySet(keys []config.APIKeyConfig) (*KeySet, error) {
	s := &KeySet{keys: make(map[[sha256.Size]byte]*KeyInfo, len(keys))}
	for _, k := range keys {
		if k.Key == "" {
			return nil, fmt.Errorf("api key %q has no secret", k.Name)
		}
		digest := sha256.Sum256([]byte(k.Key))
		if _, dup := s.keys[digest]; dup {
			return nil, fmt.Errorf("api key %q duplicates another key", k.Name)
		}
		role := Role(k.Role)
		if role == "" {
			role = RoleClient
		}
		s.keys[digest] = &KeyInfo{Name: k.Name, Role: role, Enabled: !k.Disabled}
	}
	return s, nil
}

// Validate returns the info of an enabled key.
func (s *KeySet) Validate(key string) (*KeyInfo, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.keys[sha256.Sum256([]byte(key))]
	if !ok {
		return nil, ErrInvalidKey
	}
	if !info.Enabled {
		return nil, ErrDisabledKey
	}
	copied := *info
	return &copied, nil
}

// SetEnabled enables or disables the key named name. It reports whether
// the key exists.
func (s *KeySet) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, info := range s.keys {
		if info.Name == name {
			info.Enabled = enabled
			found = true
		}
	}
	return found
}

// Len returns the number of configured keys.
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
