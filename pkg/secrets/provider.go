package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Provider defines a generic secrets manager interface.
type Provider interface {
	// GetSecret retrieves a secret by key/path and returns a key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)

	// ListSecrets returns the names of all secrets whose name matches the given prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

// StaticProvider serves secrets from memory. Used in dev when AWS is not
// reachable, and in tests.
type StaticProvider struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

func NewStaticProvider(secrets map[string]map[string]string) *StaticProvider {
	cp := make(map[string]map[string]string, len(secrets))
	for k, v := range secrets {
		cp[strings.ToLower(k)] = v
	}
	return &StaticProvider{secrets: cp}
}

func (p *StaticProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.secrets[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("secret [%s] not found", key)
	}
	return v, nil
}

func (p *StaticProvider) ListSecrets(_ context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for k := range p.secrets {
		if strings.HasPrefix(k, strings.ToLower(prefix)) {
			names = append(names, k)
		}
	}
	return names, nil
}

// Put adds or rotates a secret.
func (p *StaticProvider) Put(key string, value map[string]string) {
	p.mu.Lock()
	p.secrets[strings.ToLower(key)] = value
	p.mu.Unlock()
}
