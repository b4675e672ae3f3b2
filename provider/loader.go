package provider

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

const (
	// BackendEnvVar selects the provider when no explicit name is given.
	BackendEnvVar = "QUEUE_BACKEND"
	// DefaultBackend is used when neither an explicit name nor BackendEnvVar is set.
	DefaultBackend = "memory"
)

// LoadOptions control provider resolution. Zero values fall back to the
// process environment, the default registry, and a no-op logger.
type LoadOptions struct {
	// Name explicitly selects the provider and wins over BackendEnvVar.
	Name string
	// Env is passed through untouched to the provider factory.
	Env Environment
	// Registry to resolve against.
	Registry *Registry
	Logger   watermill.LoggerAdapter
}

// ResolveName applies the name precedence rules: explicit name, then
// BackendEnvVar, then DefaultBackend.
func ResolveName(explicit string, env Environment) string {
	if name := strings.TrimSpace(explicit); name != "" {
		return name
	}
	if name := strings.TrimSpace(env.Get(BackendEnvVar)); name != "" {
		return name
	}
	return DefaultBackend
}

// Load resolves and constructs a provider. Unknown names fail with
// *ProviderNotFoundError, factory failures with *ProviderConstructionError.
// The returned provider is not yet open.
func Load(ctx context.Context, opts LoadOptions) (Provider, error) {
	env := opts.Env
	if env == nil {
		env = OSEnvironment()
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	return registry.Load(ctx, ResolveName(opts.Name, env), env, opts.Logger)
}
