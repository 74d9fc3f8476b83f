package host

import (
	"context"
	"sync"

	"github.com/zyedidia/generic/mapset"
)

// PermissionPolicy decides which of the permissions a plugin asks for are granted.
type PermissionPolicy interface {
	Grant(ctx context.Context, instance, plugin string, requested []string) ([]string, error)
}

// AllPermissions grants every permission when allowed.
const AllPermissions = "*"

// StaticPolicy grants the permissions configured per instance and plugin.
// Anything not allowed is denied.
type StaticPolicy struct {
	mu      sync.RWMutex
	allowed map[string]mapset.Set[string]
}

var _ PermissionPolicy = (*StaticPolicy)(nil)

func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{allowed: make(map[string]mapset.Set[string])}
}

// Allow adds permissions for plugin on instance.
func (p *StaticPolicy) Allow(instance, plugin string, permissions ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := instance + "/" + plugin
	set, ok := p.allowed[key]
	if !ok {
		set = mapset.New[string]()
		p.allowed[key] = set
	}
	for _, perm := range permissions {
		set.Put(perm)
	}
}

// Reset drops every permission of plugin on instance.
func (p *StaticPolicy) Reset(instance, plugin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allowed, instance+"/"+plugin)
}

func (p *StaticPolicy) Grant(_ context.Context, instance, plugin string, requested []string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.allowed[instance+"/"+plugin]
	granted := make([]string, 0, len(requested))
	for _, perm := range requested {
		if set.Has(AllPermissions) || set.Has(perm) {
			granted = append(granted, perm)
		}
	}
	return granted, nil
}
