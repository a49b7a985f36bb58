// Package ai provides the LLM provider registry and shared client
// plumbing. Providers register themselves from init() in their own
// packages; the engine selects one by name or by environment detection.
package ai

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// Config configures a provider client.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	EmbedModel  string
	EmbedDims   int
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	Logger      core.Logger
}

// Client is what a provider factory builds: generation plus embeddings.
type Client interface {
	core.AIClient
	core.Embedder
}

// ProviderFactory builds clients for one provider.
type ProviderFactory interface {
	// Create creates a new client with the given configuration.
	Create(config *Config) Client

	// DetectEnvironment checks if this provider can be used with the
	// current environment. Returns priority (higher = preferred) and
	// availability.
	DetectEnvironment() (priority int, available bool)

	// Name returns the provider's name.
	Name() string
}

type providerRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

var registry = &providerRegistry{
	providers: make(map[string]ProviderFactory),
}

// Register registers a provider factory. Typically called from init() in
// provider packages.
func Register(factory ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	registry.providers[name] = factory
	return nil
}

// MustRegister registers a provider and panics on error. Use in init()
// functions where errors cannot be handled.
func MustRegister(factory ProviderFactory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// NewClient builds a client for the named provider, or auto-detects the
// best available provider when name is empty.
func NewClient(name string, config *Config) (Client, error) {
	if config == nil {
		config = &Config{}
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if name != "" {
		factory, ok := registry.providers[name]
		if !ok {
			return nil, fmt.Errorf("unknown AI provider %q (registered: %v)", name, providerNamesLocked())
		}
		return factory.Create(config), nil
	}

	var best ProviderFactory
	bestPriority := -1
	for _, factory := range registry.providers {
		priority, available := factory.DetectEnvironment()
		if available && priority > bestPriority {
			best, bestPriority = factory, priority
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no AI provider available: %w", core.ErrMissingConfiguration)
	}
	return best.Create(config), nil
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return providerNamesLocked()
}

func providerNamesLocked() []string {
	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
