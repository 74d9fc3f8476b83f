package worker

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/shared"
	"github.com/snowmerak/plughost/lib/store"
)

func (r *Runtime) ready() error {
	if r.State() != Ready {
		return fmt.Errorf("%w (state %s)", ErrNotReady, r.State())
	}
	return nil
}

func (r *Runtime) addPlugin(_ context.Context, req *messenger.Request) (any, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var cmd plugin.StartCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	unit, err := plugin.UnitFromCommand(cmd)
	if err != nil {
		return nil, err
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if inst, ok := r.lookup(unit.Name); ok && inst.unit.Running() {
		return plugin.StartedReply{Name: inst.unit.Name, Version: inst.unit.Version, RunID: inst.env.RunID}, nil
	}

	deps := make(map[string]any, len(unit.RequiredDeps)+len(unit.OptionalDeps))
	for _, dep := range unit.RequiredDeps {
		inst, ok := r.lookup(dep)
		if !ok || !inst.unit.Running() {
			return nil, fmt.Errorf("plugin %s: missing required dependency %s", unit.Name, dep)
		}
		deps[dep] = inst.exports
	}
	for _, dep := range unit.OptionalDeps {
		inst, ok := r.lookup(dep)
		if !ok || !inst.unit.Running() {
			r.log.V(1).Info("optional dependency not running", "plugin", unit.Name, "dependency", dep)
			continue
		}
		deps[dep] = inst.exports
	}

	entry, ok := r.opts.Registry.Lookup(unit.EntryName())
	if !ok {
		return nil, fmt.Errorf("plugin %s: no entry %q in this worker", unit.Name, unit.EntryName())
	}

	runID := xid.New().String()
	env := &plugin.Env{
		Name:        unit.Name,
		Version:     unit.Version,
		RunID:       runID,
		Config:      unit.Config(),
		Battlefield: r.opts.Battlefield,
		Dependency:  deps,
		Logger:      logr.New(&hostSink{runtime: r, plugin: unit.Name}),
		Store:       shared.Use(r.m, store.Namespace(unit.Name), store.Interface).Get(),
		Router:      plugin.NewRouter(),
		Engine:      &engine{runtime: r, plugin: unit.Name},
		Events:      r.events,
	}

	ctx, cancel := context.WithCancel(r.ctx)
	exports, err := runEntry(ctx, entry, env)
	if err != nil {
		cancel()
		if terr := env.Teardown(context.Background()); terr != nil {
			r.log.Error(terr, "plugin cleanup after failed start", "plugin", unit.Name)
		}
		return nil, fmt.Errorf("plugin %s failed to start: %w", unit.Name, err)
	}

	unit.Start()
	r.mu.Lock()
	r.plugins[unit.Name] = &instance{unit: unit, env: env, exports: exports, cancel: cancel}
	r.mu.Unlock()

	r.log.Info("plugin started", "plugin", unit.Name, "version", unit.Version, "runId", runID)
	return plugin.StartedReply{Name: unit.Name, Version: unit.Version, RunID: runID}, nil
}

func runEntry(ctx context.Context, entry plugin.Entry, env *plugin.Env) (exports any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &messenger.PanicError{Value: v, Stack: string(debug.Stack())}
		}
	}()
	return entry(ctx, env)
}

// stopReply is the reply to delPlugin.
type stopReply struct {
	Name    string `json:"name"`
	Stopped bool   `json:"stopped"`
}

func (r *Runtime) delPlugin(ctx context.Context, req *messenger.Request) (any, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var cmd plugin.StopCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	inst, ok := r.lookup(cmd.Name)
	if !ok || !inst.unit.Running() {
		return stopReply{Name: cmd.Name}, nil
	}
	r.stop(ctx, inst)
	return stopReply{Name: cmd.Name, Stopped: true}, nil
}

func (r *Runtime) executeRoute(ctx context.Context, req *messenger.Request) (any, error) {
	var in plugin.RouteRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	inst, ok := r.lookup(in.Plugin)
	if !ok || !inst.unit.Running() {
		return nil, fmt.Errorf("plugin %s is not running", in.Plugin)
	}

	handler, params, ok := inst.env.Router.Lookup(in.Method, in.Path)
	if !ok {
		if hint := inst.env.Router.Suggest(in.Method, in.Path); hint != "" {
			return nil, fmt.Errorf("plugin %s has no route %s %s (did you mean %s?)", in.Plugin, in.Method, in.Path, hint)
		}
		return nil, fmt.Errorf("plugin %s has no route %s %s", in.Plugin, in.Method, in.Path)
	}
	in.Params = params

	res, err := handler(ctx, &in)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return plugin.RouteResponse{Status: http.StatusNoContent}, nil
	}
	if res.Status == 0 {
		res.Status = http.StatusOK
	}
	return res, nil
}

func (r *Runtime) updateConfig(_ context.Context, req *messenger.Request) (any, error) {
	var cmd plugin.ConfigCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}

	inst, ok := r.lookup(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("plugin %s is not loaded", cmd.Name)
	}
	inst.unit.SetConfig(cmd.Config)
	if inst.unit.Running() {
		inst.env.ApplyConfig(cmd.Config)
	}
	r.log.V(1).Info("plugin config updated", "plugin", cmd.Name)
	return nil, nil
}
