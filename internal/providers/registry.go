package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/payerr"
)

// Factory builds an adapter from its entry in the providers file.
type Factory func(cfg config.ProviderConfig, opts ...Option) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory is called from each adapter's init.
func RegisterFactory(id string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(id)] = f
}

func factoryFor(id string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[id]
	return f, ok
}

// Registry maps provider ids to adapter instances. It is built once at
// startup and read concurrently afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.ID())] = a
	}
	return r
}

// BuildRegistry instantiates every enabled provider of the config file.
func BuildRegistry(cfgs map[string]config.ProviderConfig, opts ...Option) (*Registry, error) {
	r := NewRegistry()
	for id, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		f, ok := factoryFor(id)
		if !ok {
			return nil, fmt.Errorf("provider %s: no adapter registered", id)
		}
		if _, ok := wireExponent(id); !ok {
			return nil, fmt.Errorf("provider %s: missing amount unit entry", id)
		}
		a, err := f(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		r.adapters[id] = a
	}
	return r, nil
}

func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, payerr.InvalidRequest("unsupported provider %q", id)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
