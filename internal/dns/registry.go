package dns

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// Factory builds a provider from its settings map. Settings keys are the
// snake_case names used in the config file.
type Factory func(log logr.Logger, settings map[string]string) (Provider, error)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a provider available under name. Provider packages call it
// from init(); registering the same name twice panics.
func Register(name string, f Factory) {
	name = strings.ToLower(name)
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.factories[name]; dup {
		panic(fmt.Sprintf("dns: provider %q already registered", name))
	}
	registry.factories[name] = f
}

// Registered lists the provider names in sorted order.
func Registered() []string {
	registry.RLock()
	defer registry.RUnlock()
	return slices.Sorted(maps.Keys(registry.factories))
}

// NewProvider builds the named provider. The logger is scoped to
// "dns-<name>".
func NewProvider(name string, log logr.Logger, settings map[string]string) (Provider, error) {
	name = strings.ToLower(name)
	registry.RLock()
	f, ok := registry.factories[name]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dns: unsupported provider %q (registered: %s)", name, strings.Join(Registered(), ", "))
	}
	p, err := f(log.WithName("dns-"+name), settings)
	if err != nil {
		return nil, fmt.Errorf("dns: %s: %w", name, err)
	}
	return p, nil
}
