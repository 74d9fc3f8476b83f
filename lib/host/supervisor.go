// Package host supervises the worker processes that run plugins for each
// game server instance and serves the requests those workers make.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/robinbraemer/event"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/shared"
	"github.com/snowmerak/plughost/lib/store"
)

// State is the lifecycle state of a Supervisor.
type State int32

const (
	Idle State = iota
	Starting
	Running
	// Exited means the worker went away without being stopped.
	Exited
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// exitDrain bounds how long a dead worker's remaining output is read
// before its pending requests are failed.
const exitDrain = 100 * time.Millisecond

// Options configure a Supervisor.
type Options struct {
	Instance  string
	PluginDir string
	RCON      rcon.Options

	Spawner Spawner
	// Codec defaults to protocol.Binary.
	Codec       protocol.Codec
	Configs     store.ConfigRepository
	Permissions PermissionPolicy
	// Stores returns the store served to plugin name; a memory store per plugin by default.
	Stores func(name string) store.Store
	Events event.Manager
	Logger logr.Logger

	ReadyTimeout     time.Duration
	RequestTimeout   time.Duration
	BootstrapTimeout time.Duration
	// LogRate limits the LOG_MESSAGE lines accepted per plugin and second.
	LogRate  rate.Limit
	LogBurst int
	Debug    bool
}

func (o *Options) setDefaults() {
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	if o.Codec == nil {
		o.Codec = protocol.Binary
	}
	if o.Configs == nil {
		o.Configs = store.NewMemoryConfigs()
	}
	if o.Permissions == nil {
		o.Permissions = NewStaticPolicy()
	}
	if o.Events == nil {
		o.Events = event.New(event.WithLogger(o.Logger.WithName("event")))
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = messenger.DefaultReadyTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = messenger.DefaultRequestTimeout
	}
	if o.LogRate <= 0 {
		o.LogRate = 100
	}
	if o.LogBurst <= 0 {
		o.LogBurst = 200
	}
	if o.Stores == nil {
		stores := make(map[string]store.Store)
		var mu sync.Mutex
		o.Stores = func(name string) store.Store {
			mu.Lock()
			defer mu.Unlock()
			s, ok := stores[name]
			if !ok {
				s = store.NewMemory()
				stores[name] = s
			}
			return s
		}
	}
}

// Supervisor owns the worker of one game server instance. A Supervisor
// starts at most one worker; a crashed worker is not restarted.
type Supervisor struct {
	opts Options
	log  logr.Logger
	logs *logLimiter

	state   atomic.Int32
	session string

	mu          sync.Mutex
	worker      Worker
	m           *messenger.Messenger
	battlefield *shared.Class[rcon.Battlefield]
	stores      map[string]*shared.Class[store.Store]
	units       map[string]*plugin.Unit

	exited  chan struct{}
	exitErr error
}

func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Instance == "" {
		return nil, errors.New("instance id is empty")
	}
	if opts.Spawner == nil {
		return nil, errors.New("no worker spawner configured")
	}
	opts.setDefaults()
	log := opts.Logger.WithName("supervisor").WithValues("instance", opts.Instance)
	return &Supervisor{
		opts:   opts,
		log:    log,
		logs:   newLogLimiter(opts.LogRate, opts.LogBurst, log),
		stores: make(map[string]*shared.Class[store.Store]),
		units:  make(map[string]*plugin.Unit),
		exited: make(chan struct{}),
	}, nil
}

func (s *Supervisor) Instance() string { return s.opts.Instance }

// Session identifies the current worker; empty before Start.
func (s *Supervisor) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

// Events returns the manager supervisor events are fired on.
func (s *Supervisor) Events() event.Manager { return s.opts.Events }

// Done is closed once the worker is gone.
func (s *Supervisor) Done() <-chan struct{} { return s.exited }

// Err returns why the worker went away, nil while it runs or after Stop.
func (s *Supervisor) Err() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

// Start spawns the worker and waits for its ready signal.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return ErrAlreadyStarted
	}

	session, err := uuid.NewV7()
	if err != nil {
		session = uuid.New()
	}
	s.mu.Lock()
	s.session = session.String()
	s.mu.Unlock()
	log := s.log.WithValues("session", s.session)

	w, err := s.opts.Spawner.Spawn(ctx, WorkerSpec{
		Instance:         s.opts.Instance,
		Session:          s.session,
		PluginDir:        s.opts.PluginDir,
		RCON:             s.opts.RCON,
		Codec:            s.opts.Codec,
		BootstrapTimeout: s.opts.BootstrapTimeout,
		Debug:            s.opts.Debug,
	})
	if err != nil {
		s.fail(err)
		return fmt.Errorf("failed to spawn worker for instance %s: %w", s.opts.Instance, err)
	}

	m := messenger.New(w.Channel(),
		messenger.WithLogger(log.WithName("messenger")),
		messenger.WithReadyTimeout(s.opts.ReadyTimeout),
		messenger.WithRequestTimeout(s.opts.RequestTimeout),
	)
	s.registerHandlers(m)

	s.mu.Lock()
	s.worker = w
	s.m = m
	s.battlefield = shared.Use(m, rcon.Namespace, rcon.Interface)
	s.mu.Unlock()

	err = m.Connect(ctx)
	if err == nil {
		err = m.WaitReady(ctx)
	}
	if err != nil {
		_ = m.Close(err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, w.Stop(stopCtx))
		s.fail(err)
		return fmt.Errorf("worker for instance %s did not become ready: %w", s.opts.Instance, err)
	}

	s.state.Store(int32(Running))
	go s.monitor(w, m)

	log.Info("worker started", "pid", w.Pid())
	s.opts.Events.Fire(&WorkerStartedEvent{Instance: s.opts.Instance, Session: s.session, Pid: w.Pid()})
	return nil
}

func (s *Supervisor) fail(err error) {
	s.state.Store(int32(Exited))
	s.exitErr = err
	close(s.exited)
}

// monitor waits for the worker or its messenger to go away and tears the
// other down.
func (s *Supervisor) monitor(w Worker, m *messenger.Messenger) {
	select {
	case <-w.Exited():
		// replies already written by the worker are still in the channel
		select {
		case <-m.Done():
		case <-time.After(exitDrain):
		}
		cause := w.Err()
		if cause == nil {
			cause = errors.New("worker exited")
		}
		_ = m.Close(fmt.Errorf("%w: %w", ErrWorkerTerminated, cause))
	case <-m.Done():
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.Stop(ctx); err != nil {
			s.log.Error(err, "failed to stop worker")
		}
		cancel()
	}

	stopped := s.state.Load() == int32(Stopped)

	s.mu.Lock()
	running := make([]string, 0, len(s.units))
	for name, u := range s.units {
		u.Stop()
		running = append(running, name)
	}
	sort.Strings(running)
	s.units = make(map[string]*plugin.Unit)
	for name, c := range s.stores {
		c.Close()
		delete(s.stores, name)
	}
	s.mu.Unlock()

	var exitErr error
	if !stopped {
		exitErr = m.Err()
		if !errors.Is(exitErr, ErrWorkerTerminated) {
			exitErr = fmt.Errorf("%w: %w", ErrWorkerTerminated, exitErr)
		}
		s.state.Store(int32(Exited))
		s.log.Error(exitErr, "worker exited unexpectedly", "exitCode", w.ExitCode(), "plugins", running)
	} else {
		s.log.Info("worker stopped", "exitCode", w.ExitCode())
	}
	s.exitErr = exitErr

	s.opts.Events.Fire(&WorkerExitedEvent{
		Instance: s.opts.Instance,
		Session:  s.session,
		ExitCode: w.ExitCode(),
		Err:      exitErr,
		Plugins:  running,
	})
	close(s.exited)
}

// Stop closes the channel to the worker, failing pending requests with
// ErrWorkerStopped, and waits for the worker to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		close(s.exited)
		return nil
	}
	if !s.state.CompareAndSwap(int32(Running), int32(Stopped)) {
		if s.State() == Starting {
			return errors.New("worker is still starting")
		}
		return nil
	}

	s.mu.Lock()
	w, m := s.worker, s.m
	s.mu.Unlock()

	err := m.Close(ErrWorkerStopped)
	err = multierr.Append(err, w.Stop(ctx))
	select {
	case <-s.exited:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

func (s *Supervisor) messenger() (*messenger.Messenger, error) {
	if s.State() != Running {
		return nil, fmt.Errorf("%w (instance %s is %s)", ErrNotRunning, s.opts.Instance, s.State())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m, nil
}

// wrap attributes a dropped channel to the worker going away.
func wrap(err error) error {
	if errors.Is(err, messenger.ErrPeerClosed) && !errors.Is(err, ErrWorkerTerminated) {
		return fmt.Errorf("%w: %w", ErrWorkerTerminated, err)
	}
	return err
}

// StartPlugin asks the worker to start u and serves its store.
func (s *Supervisor) StartPlugin(ctx context.Context, u *plugin.Unit) (plugin.StartedReply, error) {
	m, err := s.messenger()
	if err != nil {
		return plugin.StartedReply{}, err
	}
	if err := s.opts.Configs.Put(ctx, s.opts.Instance, u.Name, u.Config()); err != nil {
		return plugin.StartedReply{}, fmt.Errorf("failed to persist config of %s: %w", u.Name, err)
	}

	s.mu.Lock()
	if _, ok := s.stores[u.Name]; !ok {
		s.stores[u.Name] = shared.Own(m, store.Namespace(u.Name), store.Interface, s.opts.Stores(u.Name))
	}
	s.mu.Unlock()

	reply, err := messenger.Call[plugin.StartedReply](ctx, m, plugin.ActionAddPlugin, u.Command())
	if err != nil {
		s.mu.Lock()
		if _, running := s.units[u.Name]; !running {
			if c, ok := s.stores[u.Name]; ok {
				c.Close()
				delete(s.stores, u.Name)
			}
		}
		s.mu.Unlock()
		return plugin.StartedReply{}, fmt.Errorf("failed to start plugin %s: %w", u.Name, wrap(err))
	}

	u.Start()
	s.mu.Lock()
	s.units[u.Name] = u
	s.mu.Unlock()

	s.log.Info("plugin started", "plugin", u.Name, "version", reply.Version, "runId", reply.RunID)
	s.opts.Events.Fire(&PluginStartedEvent{Instance: s.opts.Instance, Name: u.Name, Version: reply.Version, RunID: reply.RunID})
	return reply, nil
}

// StopPlugin asks the worker to stop plugin name. Stopping a plugin that
// is not running succeeds.
func (s *Supervisor) StopPlugin(ctx context.Context, name string) error {
	m, err := s.messenger()
	if err != nil {
		return err
	}
	reply, err := messenger.Call[struct {
		Stopped bool `json:"stopped"`
	}](ctx, m, plugin.ActionDelPlugin, plugin.StopCommand{Name: name})
	if err != nil {
		return fmt.Errorf("failed to stop plugin %s: %w", name, wrap(err))
	}

	s.mu.Lock()
	if u, ok := s.units[name]; ok {
		u.Stop()
		delete(s.units, name)
	}
	if c, ok := s.stores[name]; ok {
		c.Close()
		delete(s.stores, name)
	}
	s.mu.Unlock()

	if reply.Stopped {
		s.log.Info("plugin stopped", "plugin", name)
		s.opts.Events.Fire(&PluginStoppedEvent{Instance: s.opts.Instance, Name: name})
	}
	return nil
}

// ExecuteRoute dispatches req to a route of a running plugin.
func (s *Supervisor) ExecuteRoute(ctx context.Context, req plugin.RouteRequest) (*plugin.RouteResponse, error) {
	m, err := s.messenger()
	if err != nil {
		return nil, err
	}
	res, err := messenger.Call[plugin.RouteResponse](ctx, m, plugin.ActionExecuteRoute, req)
	if err != nil {
		return nil, wrap(err)
	}
	return &res, nil
}

// UpdateConfig stores config for plugin name and pushes it to the worker
// when the plugin runs.
func (s *Supervisor) UpdateConfig(ctx context.Context, name string, config map[string]any) error {
	if err := s.opts.Configs.Put(ctx, s.opts.Instance, name, config); err != nil {
		return err
	}
	s.mu.Lock()
	_, running := s.units[name]
	s.mu.Unlock()
	if !running {
		return nil
	}

	m, err := s.messenger()
	if err != nil {
		return err
	}
	if _, err := m.Send(ctx, plugin.ActionUpdateConfig, plugin.ConfigCommand{Name: name, Config: config}); err != nil {
		return fmt.Errorf("failed to update config of %s: %w", name, wrap(err))
	}
	return nil
}

// Config returns the stored config of plugin name.
func (s *Supervisor) Config(ctx context.Context, name string) (map[string]any, error) {
	return s.opts.Configs.Get(ctx, s.opts.Instance, name)
}

// Battlefield returns the game server capability served by the worker.
func (s *Supervisor) Battlefield() (rcon.Battlefield, error) {
	if _, err := s.messenger(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battlefield.Get(), nil
}

// Running returns the names of the plugins started on the worker, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.units))
	for name := range s.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DroppedLogs returns how many log lines of plugin were rate limited.
func (s *Supervisor) DroppedLogs(plugin string) uint64 { return s.logs.Dropped(plugin) }
