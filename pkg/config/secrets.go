package config

import (
	"fmt"
	"os"
	"sync"
)

// EnvSecrets resolves provider API keys from environment variables named by
// each provider's api_key_env. Keys are read lazily at request time, so a
// rotated variable takes effect on the next turn without a restart.
type EnvSecrets struct {
	mu   sync.RWMutex
	refs map[string]string // provider ID -> env var name
}

// NewEnvSecrets builds the resolver from the configured roster.
func NewEnvSecrets(f *File) *EnvSecrets {
	refs := make(map[string]string, len(f.Providers))
	for _, p := range f.Providers {
		refs[p.ID] = p.APIKeyEnv
	}
	return &EnvSecrets{refs: refs}
}

// GetSecret returns the API key for a provider. Providers with no
// api_key_env (Bedrock entries on the AWS credential chain) resolve to the
// empty string without error.
func (s *EnvSecrets) GetSecret(providerID string) (string, error) {
	s.mu.RLock()
	ref, ok := s.refs[providerID]
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("secrets: unknown provider %q", providerID)
	}
	if ref == "" {
		return "", nil
	}
	key := os.Getenv(ref)
	if key == "" {
		return "", fmt.Errorf("secrets: %s is not set (provider %q)", ref, providerID)
	}
	return key, nil
}

// SetRef registers or replaces the env var name for a provider. Used when
// providers are added at runtime.
func (s *EnvSecrets) SetRef(providerID, envVar string) {
	s.mu.Lock()
	s.refs[providerID] = envVar
	s.mu.Unlock()
}
