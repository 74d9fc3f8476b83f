package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/snowmerak/plughost/lib/plugin"
	fork "github.com/snowmerak/plughost/lib/process"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/transport"
	"github.com/snowmerak/plughost/lib/worker"
)

// WorkerSpec are the launch parameters of one worker.
type WorkerSpec struct {
	Instance         string
	Session          string
	PluginDir        string
	RCON             rcon.Options
	Codec            protocol.Codec
	BootstrapTimeout time.Duration
	Debug            bool
}

// Worker is a started worker as seen by its supervisor.
type Worker interface {
	// Channel carries the envelopes exchanged with the worker.
	Channel() transport.Channel
	Pid() int
	// Exited is closed once the worker is gone.
	Exited() <-chan struct{}
	// ExitCode is valid after Exited is closed; -1 when unknown.
	ExitCode() int
	// Err is the reason the worker exited, nil for a clean exit.
	Err() error
	// Stop asks the worker to exit and kills it when ctx is done first.
	Stop(ctx context.Context) error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Worker, error)
}

// ProcessSpawner re-executes a binary in worker mode.
type ProcessSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	// Command is the subcommand selecting worker mode, "worker" by default.
	Command string
	// SocketDir switches the channel from stdio to a unix socket created in
	// this directory.
	SocketDir string
	// StopGrace is how long a worker may take to exit after SIGTERM.
	StopGrace time.Duration
	Logger    logr.Logger
}

// Args returns the worker command line for spec.
func (p *ProcessSpawner) Args(spec WorkerSpec) []string {
	command := p.Command
	if command == "" {
		command = "worker"
	}
	args := []string{
		command,
		"--instance", spec.Instance,
		"--session", spec.Session,
		"--codec", spec.Codec.Name(),
	}
	if spec.PluginDir != "" {
		args = append(args, "--plugin-dir", spec.PluginDir)
	}
	if spec.RCON.Host != "" {
		args = append(args, "--rcon-host", spec.RCON.Host, "--rcon-port", strconv.Itoa(spec.RCON.Port))
	}
	if spec.BootstrapTimeout > 0 {
		args = append(args, "--bootstrap-timeout", spec.BootstrapTimeout.String())
	}
	if spec.Debug {
		args = append(args, "--debug")
	}
	return args
}

func (p *ProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Worker, error) {
	executable := p.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		executable = self
	}
	log := p.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("instance", spec.Instance, "session", spec.Session)

	args := p.Args(spec)
	var listener *transport.Listener
	if p.SocketDir != "" {
		socket := transport.UnixSocket{
			Path:  filepath.Join(p.SocketDir, "plughost-"+spec.Session+".sock"),
			Codec: spec.Codec,
		}
		l, err := socket.Listen()
		if err != nil {
			return nil, err
		}
		listener = l
		args = append(args, "--socket", socket.Path)
	}

	proc, err := fork.Fork(fork.Options{
		Path: executable,
		Args: args,
		// Kept out of the command line so it does not show up in process listings.
		Env: []string{"PLUGHOST_RCON_PASSWORD=" + spec.RCON.Password},
	})
	if err != nil {
		if listener != nil {
			_ = listener.Close()
		}
		return nil, err
	}

	w := &processWorker{proc: proc, grace: p.StopGrace, done: make(chan struct{})}
	if w.grace <= 0 {
		w.grace = 3 * time.Second
	}
	log = log.WithValues("pid", proc.Pid())

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		relay(log, proc.Stderr())
	}()
	go func() {
		_ = proc.Wait()
		// the last lines of a dying worker are logged before its exit is reported
		<-relayed
		close(w.done)
	}()

	if listener == nil {
		w.ch, err = transport.NewStream(proc.Stdout(), proc.Stdin(), spec.Codec)
	} else {
		go relay(log.WithName("stdout"), proc.Stdout())
		w.ch, err = listener.Accept(ctx)
	}
	if err != nil {
		_ = proc.Kill()
		<-w.done
		if listener == nil {
			_ = proc.Stdout().Close()
		}
		return nil, fmt.Errorf("failed to open channel to worker: %w", err)
	}
	log.V(1).Info("worker process started", "executable", executable)
	return w, nil
}

type processWorker struct {
	proc  *fork.Process
	ch    transport.Channel
	grace time.Duration
	done  chan struct{}
}

func (w *processWorker) Channel() transport.Channel { return w.ch }

func (w *processWorker) Pid() int { return w.proc.Pid() }

func (w *processWorker) Exited() <-chan struct{} { return w.done }

func (w *processWorker) ExitCode() int { return w.proc.ExitCode() }

func (w *processWorker) Err() error { return w.proc.Wait() }

func (w *processWorker) Stop(ctx context.Context) error {
	err := w.proc.Stop(ctx, w.grace)
	<-w.done
	return err
}

// InProcessSpawner runs workers as goroutines of the host over an
// in-memory channel. Entries come from Registry.
type InProcessSpawner struct {
	Registry *plugin.Registry
	// Battlefield builds the game server capability of a worker; rcon.Offline by default.
	Battlefield  func(rcon.Options) rcon.Battlefield
	PollInterval time.Duration
	Logger       logr.Logger
}

func (s *InProcessSpawner) Spawn(_ context.Context, spec WorkerSpec) (Worker, error) {
	var bf rcon.Battlefield = rcon.Offline{Options: spec.RCON}
	if s.Battlefield != nil {
		bf = s.Battlefield(spec.RCON)
	}
	log := s.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	hostCh, workerCh := transport.Pipe(spec.Codec)
	rt := worker.New(worker.Options{
		InstanceID:       spec.Instance,
		Registry:         s.Registry,
		Battlefield:      bf,
		Logger:           log.WithName("worker").WithValues("instance", spec.Instance, "session", spec.Session),
		BootstrapTimeout: spec.BootstrapTimeout,
		PollInterval:     s.PollInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := &inProcessWorker{
		ch:      hostCh,
		runtime: rt,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	go func() {
		defer close(w.exited)
		err := rt.Run(ctx, workerCh)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}()
	return w, nil
}

type inProcessWorker struct {
	ch      transport.Channel
	runtime *worker.Runtime
	cancel  context.CancelFunc
	exited  chan struct{}

	mu  sync.Mutex
	err error
}

func (w *inProcessWorker) Channel() transport.Channel { return w.ch }

func (w *inProcessWorker) Pid() int { return os.Getpid() }

func (w *inProcessWorker) Exited() <-chan struct{} { return w.exited }

func (w *inProcessWorker) ExitCode() int {
	select {
	case <-w.exited:
	default:
		return -1
	}
	if w.Err() != nil {
		return 1
	}
	return 0
}

func (w *inProcessWorker) Err() error {
	<-w.exited
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop cancels the runtime, which stops its plugins before returning.
func (w *inProcessWorker) Stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
