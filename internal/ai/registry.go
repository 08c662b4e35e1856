package ai

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ProviderSpec names a provider implementation and its account config.
type ProviderSpec struct {
	Type string
	Args interface{}
}

type clientKey struct {
	credential string
	model      string
	dim        int
}

// ClientRegistry hands out one embedding client per (credential, model).
// Clients are built on first use and shared for the process lifetime.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[clientKey]IEmbedClient
	factory func(name string, args interface{}) (IProvider, error)
}

var (
	embedClientsOnce sync.Once
	embedClients     *ClientRegistry
)

// EmbedClients is the process-wide registry.
func EmbedClients() *ClientRegistry {
	embedClientsOnce.Do(func() {
		embedClients = NewClientRegistry(NewProvider)
	})
	return embedClients
}

func NewClientRegistry(factory func(name string, args interface{}) (IProvider, error)) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[clientKey]IEmbedClient),
		factory: factory,
	}
}

func (r *ClientRegistry) Get(spec ProviderSpec, model string, dim int) (IEmbedClient, error) {
	fp, err := credentialFingerprint(spec)
	if err != nil {
		return nil, err
	}
	key := clientKey{credential: fp, model: strings.TrimSpace(model), dim: dim}
	r.mu.RLock()
	client, ok := r.clients[key]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[key]; ok {
		return client, nil
	}
	provider, err := r.factory(spec.Type, spec.Args)
	if err != nil {
		return nil, fmt.Errorf("build embedding provider %s: %w", spec.Type, err)
	}
	client = NewEmbedClient(provider, key.model, dim)
	r.clients[key] = client
	return client, nil
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func credentialFingerprint(spec ProviderSpec) (string, error) {
	raw, err := json.Marshal(spec.Args)
	if err != nil {
		return "", fmt.Errorf("encode provider credential: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(strings.ToLower(strings.TrimSpace(spec.Type))))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}
