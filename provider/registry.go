package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Factory constructs a provider from an environment snapshot. It is the only
// construction path the loader invokes; each provider reads its own keys.
type Factory func(ctx context.Context, env Environment, logger watermill.LoggerAdapter) (Provider, error)

// Descriptor binds a logical provider name to its factory.
type Descriptor struct {
	Name         string
	Factory      Factory
	Capabilities Capabilities
}

// Registry maintains a mapping of provider names to their descriptors.
// Registration normally happens from init() before any lookup; the lock keeps
// late registrations safe anyway.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry()
)

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds a descriptor. It fails with ErrDuplicateProvider when the
// name is already taken, and rejects empty names or nil factories.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("abe: provider name is required")
	}
	if desc.Factory == nil {
		return fmt.Errorf("abe: provider %q: factory is required", desc.Name)
	}
	if desc.Capabilities.Name == "" {
		desc.Capabilities.Name = desc.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, desc.Name)
	}
	r.descriptors[desc.Name] = desc
	return nil
}

// MustRegister is Register that panics on error. Intended for init().
func (r *Registry) MustRegister(desc Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[name]
	return desc, ok
}

// Has returns true if a provider is registered with the given name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns the capabilities for a registered provider.
// Returns a Capabilities value carrying only the name if it is unknown.
func (r *Registry) Capabilities(name string) Capabilities {
	if desc, ok := r.Lookup(name); ok {
		return desc.Capabilities
	}
	return Capabilities{Name: name}
}

// Load constructs the provider registered under name. The registry itself is
// never mutated; every call yields a fresh instance.
func (r *Registry) Load(ctx context.Context, name string, env Environment, logger watermill.LoggerAdapter) (Provider, error) {
	desc, ok := r.Lookup(name)
	if !ok {
		return nil, &ProviderNotFoundError{Name: name, Available: r.Names()}
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if env == nil {
		env = Environment{}
	}

	p, err := desc.Factory(ctx, env, logger.With(watermill.LogFields{"provider": name}))
	if err != nil {
		return nil, &ProviderConstructionError{Name: name, Err: err}
	}
	if p == nil {
		return nil, &ProviderConstructionError{Name: name, Err: fmt.Errorf("factory returned a nil provider")}
	}
	return p, nil
}

// DefaultRegistry returns the process-wide registry populated by provider
// packages from init().
func DefaultRegistry() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefaultRegistry substitutes the process-wide registry, returning a
// function that restores the previous one. Meant for tests.
func SetDefaultRegistry(r *Registry) (restore func()) {
	defaultMu.Lock()
	previous := defaultRegistry
	defaultRegistry = r
	defaultMu.Unlock()

	return func() {
		defaultMu.Lock()
		defaultRegistry = previous
		defaultMu.Unlock()
	}
}

// ResetDefaultRegistry replaces the process-wide registry with an empty one
// and returns a restore function.
func ResetDefaultRegistry() (restore func()) {
	return SetDefaultRegistry(NewRegistry())
}

// Register adds a descriptor to the default registry.
func Register(desc Descriptor) error {
	return DefaultRegistry().Register(desc)
}

// MustRegister adds a descriptor to the default registry, panicking on error.
func MustRegister(desc Descriptor) {
	DefaultRegistry().MustRegister(desc)
}

// Names lists the providers in the default registry.
func Names() []string {
	return DefaultRegistry().Names()
}

// GetCapabilities returns the capabilities for a provider by name using the
// default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry().Capabilities(name)
}
