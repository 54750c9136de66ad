package llm

import (
	"fmt"

	"github.com/pivotagent/pivot/pkg/registry"
)

// Registry caches constructed clients keyed by configuration id.
type Registry struct {
	clients *registry.Store[Client]
}

func NewRegistry() *Registry {
	return &Registry{clients: registry.NewStore[Client]()}
}

// Resolve returns the cached client for cfg.ID, constructing it on first use.
func (r *Registry) Resolve(cfg Config) (Client, error) {
	if client, ok := r.clients.Get(cfg.ID); ok {
		return client, nil
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	// A concurrent resolver may have won the race; their client is equivalent.
	if err := r.clients.Register(cfg.ID, client); err != nil {
		if cached, ok := r.clients.Get(cfg.ID); ok {
			return cached, nil
		}
		return nil, err
	}
	return client, nil
}

// Invalidate drops a cached client, forcing reconstruction on next resolve.
// Used when an llms row changes.
func (r *Registry) Invalidate(id string) {
	_ = r.clients.Remove(id)
}

// NewClient constructs a client for the configured protocol.
func NewClient(cfg Config) (Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm %q has no endpoint", cfg.Name)
	}
	switch cfg.Protocol {
	case ProtocolOpenAICompatible:
		return NewOpenAIClient(cfg), nil
	case ProtocolAnthropicCompatible:
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm protocol %q", cfg.Protocol)
	}
}
