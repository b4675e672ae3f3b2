package provider

import (
	"os"

	"github.com/caarlos0/env/v11"
)

// Environment is an immutable snapshot of configuration key/value pairs,
// normally taken from the process environment. Providers read their own keys
// from it; the loader only reads BackendEnvVar.
type Environment map[string]string

// OSEnvironment snapshots the current process environment.
func OSEnvironment() Environment {
	return Environment(env.ToMap(os.Environ()))
}

// Get returns the value stored under key, or "" when absent.
func (e Environment) Get(key string) string {
	return e[key]
}

// Lookup returns the value stored under key and whether it was present.
func (e Environment) Lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

// With returns a copy of the environment with key set to value.
func (e Environment) With(key, value string) Environment {
	out := make(Environment, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out[key] = value
	return out
}

// Parse decodes the environment into v using `env` struct tags. A nil
// Environment parses as empty rather than falling back to os.Environ.
func (e Environment) Parse(v any) error {
	return e.ParseWithPrefix(v, "")
}

// ParseWithPrefix is Parse with every tag name prefixed by prefix.
func (e Environment) ParseWithPrefix(v any, prefix string) error {
	snapshot := map[string]string(e)
	if snapshot == nil {
		snapshot = map[string]string{}
	}
	return env.ParseWithOptions(v, env.Options{
		Environment: snapshot,
		Prefix:      prefix,
	})
}
