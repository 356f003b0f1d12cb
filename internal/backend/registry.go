package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/mailsync/internal/model"
)

// Factory builds a backend from its configuration. The account name
// is available for logging and credential lookup.
type Factory func(ctx context.Context, account string, cfg model.BackendConfig) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend factory available under a type name.
// Adapters call it from their init functions. Registering the same
// name twice panics, as does a nil factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if f == nil {
		panic("backend: Register with nil factory for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Open builds a backend for the given configuration using its
// registered factory.
func Open(ctx context.Context, account string, cfg model.BackendConfig) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend type %q (registered: %v)", cfg.Type, Registered())
	}
	return f(ctx, account, cfg)
}

// Registered returns the sorted list of registered backend type names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
