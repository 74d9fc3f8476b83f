package plugin

import (
	"context"
	"maps"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"

	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/store"
)

// Engine is the plugin's handle on the host.
type Engine interface {
	// InstanceID is the game server instance the worker serves.
	InstanceID() string
	// Config fetches the plugin's current configuration from the host.
	Config(ctx context.Context) (map[string]any, error)
	// RequestPermissions asks the host for permissions and returns those granted.
	RequestPermissions(ctx context.Context, permissions ...string) ([]string, error)
}

// Env is the capability context an Entry runs with.
type Env struct {
	Name    string
	Version string
	// RunID identifies this start of the plugin.
	RunID string

	// Config is the configuration the plugin was started with.
	Config      map[string]any
	Battlefield rcon.Battlefield
	// Dependency holds the exports of the started dependencies by name.
	Dependency map[string]any
	Logger     logr.Logger
	Store      store.Store
	Router     *Router
	Engine     Engine
	// Events carries game server events such as *rcon.PlayerListEvent.
	Events event.Manager

	mu            sync.Mutex
	current       map[string]any
	stopHooks     []func(ctx context.Context) error
	configHooks   []func(config map[string]any)
	subscriptions []func()
}

// Dep returns the exports of dependency name.
func (e *Env) Dep(name string) (any, bool) {
	v, ok := e.Dependency[name]
	return v, ok
}

// OnStop registers fn to run when the plugin stops.
func (e *Env) OnStop(fn func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopHooks = append(e.stopHooks, fn)
}

// OnConfigChange registers fn to run when the host pushes new configuration.
func (e *Env) OnConfigChange(fn func(config map[string]any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configHooks = append(e.configHooks, fn)
}

// Subscribe ties an event unsubscribe function to the plugin's lifetime.
func (e *Env) Subscribe(unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions = append(e.subscriptions, unsubscribe)
}

// Teardown runs the stop hooks in reverse registration order and drops
// event subscriptions. The first hook error is returned after all ran.
func (e *Env) Teardown(ctx context.Context) error {
	e.mu.Lock()
	hooks := e.stopHooks
	subs := e.subscriptions
	e.stopHooks, e.subscriptions, e.configHooks = nil, nil, nil
	e.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	var first error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	if e.Router != nil {
		e.Router.Reset()
	}
	return first
}

// CurrentConfig returns the latest configuration pushed by the host.
func (e *Env) CurrentConfig() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return maps.Clone(e.current)
	}
	return maps.Clone(e.Config)
}

// ApplyConfig records config as current and runs the config change hooks.
func (e *Env) ApplyConfig(config map[string]any) {
	e.mu.Lock()
	e.current = maps.Clone(config)
	hooks := append([]func(map[string]any){}, e.configHooks...)
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(maps.Clone(config))
	}
}
