package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ibbo/rowan/internal/config"
	"github.com/ibbo/rowan/internal/logging"
)

// Registry manages provider clients and resolves model references to them.
// A reference is either "provider/model" or a bare model name, which is
// looked up through aliases and then the fallback provider.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name -> client
	aliases  map[string]string // model alias -> provider name
	fallback string            // default provider name
	log      *logging.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		aliases: make(map[string]string),
		log:     log.Sub("llm.registry"),
	}
}

// Register adds a client under the given provider name.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	r.log.Info().Str("provider", name).Msg("registered LLM provider")
}

// Alias maps a bare model name to a provider.
func (r *Registry) Alias(model, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[model] = provider
}

// SetFallback sets the provider used for bare model names without an alias.
func (r *Registry) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// Resolve returns the client and the provider-local model name for ref.
func (r *Registry) Resolve(ref string) (Client, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider, model, ok := strings.Cut(ref, "/"); ok {
		if c, ok := r.clients[provider]; ok {
			return c, model, nil
		}
	}

	if provider, ok := r.aliases[ref]; ok {
		if c, ok := r.clients[provider]; ok {
			return c, ref, nil
		}
	}

	if r.fallback != "" {
		if c, ok := r.clients[r.fallback]; ok {
			return c, ref, nil
		}
	}

	return nil, "", fmt.Errorf("no LLM provider for model %q", ref)
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromConfig builds a Registry from the llm config section.
// The default provider always gets an entry, even when it has no explicit
// providers block, so that "openai" with OPENAI_API_KEY works out of the box.
func NewRegistryFromConfig(cfg *config.Config, log *logging.Logger) (*Registry, error) {
	reg := NewRegistry(log)

	entries := make(map[string]config.ProviderConfig, len(cfg.LLM.Providers)+1)
	for name, p := range cfg.LLM.Providers {
		entries[name] = p
	}
	if _, ok := entries[cfg.LLM.Provider]; !ok {
		entries[cfg.LLM.Provider] = config.ProviderConfig{}
	}

	for name, p := range entries {
		switch cfg.ProviderType(name) {
		case "openai":
			reg.Register(name, NewOpenAIClient(name, p.APIKey, p.BaseURL))
		case "anthropic":
			reg.Register(name, NewAnthropicClient(name, p.APIKey, p.BaseURL))
		case "ollama":
			c, err := NewOllamaClient(name, p.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			reg.Register(name, c)
		case "mock":
			reg.Register(name, &MockClient{ProviderName: name})
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", name, cfg.ProviderType(name))
		}
	}

	reg.SetFallback(cfg.LLM.Provider)
	return reg, nil
}
