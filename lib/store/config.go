package store

import (
	"context"
	"maps"
	"sync"
)

// ConfigRepository persists plugin configuration per game server instance.
type ConfigRepository interface {
	Get(ctx context.Context, instance, plugin string) (map[string]any, error)
	Put(ctx context.Context, instance, plugin string, config map[string]any) error
}

// MemoryConfigs is an in-memory ConfigRepository.
type MemoryConfigs struct {
	mu      sync.RWMutex
	configs map[string]map[string]any
}

var _ ConfigRepository = (*MemoryConfigs)(nil)

func NewMemoryConfigs() *MemoryConfigs {
	return &MemoryConfigs{configs: make(map[string]map[string]any)}
}

func configKey(instance, plugin string) string { return instance + "/" + plugin }

// Get returns a copy of the stored config, or an empty config.
func (r *MemoryConfigs) Get(_ context.Context, instance, plugin string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := maps.Clone(r.configs[configKey(instance, plugin)])
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

func (r *MemoryConfigs) Put(_ context.Context, instance, plugin string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[configKey(instance, plugin)] = maps.Clone(config)
	return nil
}
