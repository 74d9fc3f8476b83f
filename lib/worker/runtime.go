// Package worker runs plugins inside the worker process and serves the
// host's lifecycle and route requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"
	"go.uber.org/atomic"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/shared"
	"github.com/snowmerak/plughost/lib/transport"
)

// State is the bootstrap state of a Runtime.
type State int32

const (
	Booting State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Booting:
		return "booting"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const DefaultBootstrapTimeout = 2000 * time.Millisecond

var (
	// ErrBootstrapTimeout is returned by Run when the host never signals ready.
	ErrBootstrapTimeout = errors.New("host did not signal ready in time")
	// ErrNotReady rejects lifecycle requests that arrive before the handshake completed.
	ErrNotReady = errors.New("worker runtime is not ready")
)

// Options configure a Runtime.
type Options struct {
	InstanceID string
	// Registry holds the entry code of every plugin this worker can run.
	Registry    *plugin.Registry
	Battlefield rcon.Battlefield
	Logger      logr.Logger

	// BootstrapTimeout bounds the wait for the host's ready signal.
	BootstrapTimeout time.Duration
	RequestTimeout   time.Duration
	// PollInterval enables the game server poller when positive.
	PollInterval time.Duration
	// LogBuffer is the number of plugin log lines queued for the host.
	LogBuffer int
}

// Runtime hosts the plugins of one worker process.
type Runtime struct {
	opts   Options
	log    logr.Logger
	events event.Manager

	state atomic.Int32
	m     *messenger.Messenger

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serialises plugin starts and stops
	lifecycle sync.Mutex

	mu      sync.RWMutex
	plugins map[string]*instance

	logs        chan plugin.LogMessage
	droppedLogs atomic.Uint64
}

type instance struct {
	unit    *plugin.Unit
	env     *plugin.Env
	exports any
	cancel  context.CancelFunc
}

// New creates a runtime. Run starts it.
func New(opts Options) *Runtime {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Registry == nil {
		opts.Registry = plugin.NewRegistry()
	}
	if opts.Battlefield == nil {
		opts.Battlefield = rcon.Offline{}
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if opts.LogBuffer <= 0 {
		opts.LogBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		opts:    opts,
		log:     opts.Logger,
		events:  event.New(event.WithLogger(opts.Logger.WithName("event"))),
		ctx:     ctx,
		cancel:  cancel,
		plugins: make(map[string]*instance),
		logs:    make(chan plugin.LogMessage, opts.LogBuffer),
	}
}

// State returns the bootstrap state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Events returns the manager game server events are fired on.
func (r *Runtime) Events() event.Manager { return r.events }

// Run performs the handshake over ch and serves requests until the host
// goes away or ctx is done. It returns ErrBootstrapTimeout when the host
// does not signal ready within the bootstrap timeout.
func (r *Runtime) Run(ctx context.Context, ch transport.Channel) error {
	defer r.cancel()

	r.m = messenger.New(ch,
		messenger.WithLogger(r.log.WithName("messenger")),
		messenger.WithReadyTimeout(r.opts.BootstrapTimeout),
		messenger.WithRequestTimeout(r.opts.RequestTimeout),
		messenger.WithOnReady(func() { r.state.CompareAndSwap(int32(Booting), int32(Ready)) }),
	)

	r.m.Handle(plugin.ActionAddPlugin, r.addPlugin)
	r.m.Handle(plugin.ActionDelPlugin, r.delPlugin)
	r.m.Handle(plugin.ActionExecuteRoute, r.executeRoute)
	r.m.Handle(plugin.ActionUpdateConfig, r.updateConfig)
	battlefield := shared.Own(r.m, rcon.Namespace, rcon.Interface, r.opts.Battlefield)
	defer battlefield.Close()

	if err := r.m.Connect(ctx); err != nil {
		r.state.Store(int32(Closed))
		return fmt.Errorf("failed to connect to host: %w", err)
	}
	if err := r.m.WaitReady(ctx); err != nil {
		r.state.Store(int32(Closed))
		_ = r.m.Close(err)
		if errors.Is(err, messenger.ErrReadyTimeout) {
			return fmt.Errorf("%w: %w", ErrBootstrapTimeout, err)
		}
		return err
	}
	r.log.Info("worker ready", "instance", r.opts.InstanceID, "entries", r.opts.Registry.Names())

	go r.forwardLogs()
	go r.connectBattlefield()

	select {
	case <-ctx.Done():
		_ = r.m.Close(ctx.Err())
	case <-r.m.Done():
	}
	r.state.Store(int32(Closed))
	r.cancel()

	r.stopAll()
	err := r.m.Wait()
	if errors.Is(err, messenger.ErrPeerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) connectBattlefield() {
	if err := r.opts.Battlefield.Connect(r.ctx); err != nil {
		r.log.Info("game server console unavailable", "error", err.Error())
		return
	}
	if r.opts.PollInterval <= 0 {
		return
	}
	poller := &rcon.Poller{
		Battlefield: r.opts.Battlefield,
		Events:      r.events,
		Interval:    r.opts.PollInterval,
		Log:         r.log.WithName("poller"),
	}
	poller.Run(r.ctx)
}

// stopAll tears down every running plugin, dependents first.
func (r *Runtime) stopAll() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	running := make([]*instance, 0, len(r.plugins))
	for _, inst := range r.plugins {
		if inst.unit.Running() {
			running = append(running, inst)
		}
	}
	r.mu.RUnlock()

	order := stopOrder(running)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, inst := range order {
		r.stop(ctx, inst)
	}
}

// stopOrder sorts running plugins so that every plugin stops before the
// running plugins it depends on, optional dependencies included.
func stopOrder(running []*instance) []*instance {
	running = slices.Clone(running)
	slices.SortFunc(running, func(a, b *instance) int { return strings.Compare(a.unit.Name, b.unit.Name) })

	byName := make(map[string]*instance, len(running))
	for _, inst := range running {
		byName[inst.unit.Name] = inst
	}

	units := make([]*plugin.Unit, 0, len(running))
	for _, inst := range running {
		deps := slices.Clone(inst.unit.RequiredDeps)
		for _, dep := range inst.unit.OptionalDeps {
			if _, ok := byName[dep]; ok {
				deps = append(deps, dep)
			}
		}
		units = append(units, plugin.NewUnit(inst.unit.Name, inst.unit.Version, nil).WithDeps(deps, nil))
	}

	start, blocked := plugin.Order(units...)
	// dependency cycles among optional dependencies stop last
	for _, m := range blocked {
		start = append(start, m.Unit)
	}

	order := make([]*instance, 0, len(start))
	for i := len(start) - 1; i >= 0; i-- {
		order = append(order, byName[start[i].Name])
	}
	return order
}

func (r *Runtime) stop(ctx context.Context, inst *instance) {
	if !inst.unit.Stop() {
		return
	}
	inst.cancel()
	if err := inst.env.Teardown(ctx); err != nil {
		r.log.Error(err, "plugin stop hook failed", "plugin", inst.unit.Name)
	}
	r.log.Info("plugin stopped", "plugin", inst.unit.Name, "runId", inst.env.RunID)
}

// Running returns the names of the started plugins.
func (r *Runtime) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, inst := range r.plugins {
		if inst.unit.Running() {
			names = append(names, name)
		}
	}
	return names
}

func (r *Runtime) lookup(name string) (*instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.plugins[name]
	return inst, ok
}
