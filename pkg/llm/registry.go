package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Registry routes Generate calls to a named provider based on the model id
// and carries the model catalog. It implements Client itself so callers can
// hold a single client regardless of how many providers are configured.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Client
	catalog   []Model

	defaultModel string
	cheapModel   string
}

// NewRegistry creates an empty registry with the given default and cheap
// model ids. The cheap model serves low-stakes calls such as classification.
func NewRegistry(defaultModel, cheapModel string) *Registry {
	return &Registry{
		providers:    make(map[string]Client),
		defaultModel: defaultModel,
		cheapModel:   cheapModel,
	}
}

// Register adds a provider under a name ("anthropic", "openai") together
// with the models it serves.
func (r *Registry) Register(name string, client Client, models []Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = client
	r.catalog = append(r.catalog, models...)
	slog.Info("registered LLM provider", "provider", name, "models", len(models))
}

// DefaultModel returns the model id used when a request does not name one.
func (r *Registry) DefaultModel() string { return r.defaultModel }

// CheapModel returns the model id for classification and other cheap calls.
func (r *Registry) CheapModel() string {
	if r.cheapModel != "" {
		return r.cheapModel
	}
	return r.defaultModel
}

// Models returns a copy of the model catalog.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Generate resolves the provider for input.Model and delegates to it.
// An empty model falls back to the registry default.
func (r *Registry) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	if input.Model == "" {
		input.Model = r.defaultModel
	}
	client, err := r.providerFor(input.Model)
	if err != nil {
		return nil, err
	}
	return client.Generate(ctx, input)
}

// Close closes every registered provider, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, client := range r.providers {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing provider %s: %w", name, err)
		}
	}
	r.providers = make(map[string]Client)
	return firstErr
}

func (r *Registry) providerFor(model string) (Client, error) {
	name := providerNameFor(model)
	r.mu.RLock()
	client, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for model %q (provider %q)", model, name)
	}
	return client, nil
}

// providerNameFor maps a model id to its provider by prefix convention.
func providerNameFor(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return "openai"
	default:
		return "anthropic"
	}
}
