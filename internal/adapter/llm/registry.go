package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
)

// Factory constructs a provider from its config.
type Factory func(cfg config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

type registration struct {
	factory Factory
	models  []domain.ModelInfo
}

// Registry maps provider kinds to factories and their static catalogs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	order   []string
	breaker *config.CircuitBreakerConfig
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCircuitBreaker wraps every built provider in a circuit breaker when
// cfg.Enabled is set.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) RegistryOption {
	return func(r *Registry) {
		if cfg.Enabled {
			r.breaker = &cfg
		}
	}
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]registration),
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewDefaultRegistry creates a registry with the built-in providers.
func NewDefaultRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := NewRegistry(logger, opts...)
	// Built-in kinds are distinct, so registration cannot fail.
	_ = r.Register("qwen", func(cfg config.ProviderConfig, l *slog.Logger) (domain.Provider, error) {
		return NewQwenProvider(cfg, l)
	}, qwenModels)
	_ = r.Register("openai", func(cfg config.ProviderConfig, l *slog.Logger) (domain.Provider, error) {
		return NewOpenAIProvider(cfg, l)
	}, openAIModels)
	_ = r.Register("openrouter", func(cfg config.ProviderConfig, l *slog.Logger) (domain.Provider, error) {
		return NewOpenRouterProvider(cfg, l)
	}, openRouterModels)
	return r
}

// Register adds a factory. Returns an error if kind is already registered.
func (r *Registry) Register(kind string, f Factory, models []domain.ModelInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[kind]; exists {
		return fmt.Errorf("provider %q already registered", kind)
	}
	r.entries[kind] = registration{factory: f, models: models}
	r.order = append(r.order, kind)
	return nil
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[kind]
	return ok
}

// Build constructs a provider of the given kind. Unknown kinds fail with
// domain.ErrUnknownProvider; factory errors are returned unchanged.
func (r *Registry) Build(kind string, cfg config.ProviderConfig) (domain.Provider, error) {
	r.mu.RLock()
	entry, ok := r.entries[kind]
	breaker := r.breaker
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("Registry.Build", domain.ErrUnknownProvider, kind)
	}
	p, err := entry.factory(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	if breaker != nil {
		p = NewCircuitBreakerProvider(p, *breaker, r.logger)
	}
	return p, nil
}

// List returns registered kinds in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Models returns the static catalog for kind.
func (r *Registry) Models(kind string) ([]domain.ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[kind]
	if !ok {
		return nil, domain.NewDomainError("Registry.Models", domain.ErrUnknownProvider, kind)
	}
	return cloneModels(entry.models), nil
}
