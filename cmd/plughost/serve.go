package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/snowmerak/plughost/lib/builtin"
	"github.com/snowmerak/plughost/lib/config"
	"github.com/snowmerak/plughost/lib/host"
	"github.com/snowmerak/plughost/lib/logging"
	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start a worker per configured instance and run their plugins",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file, " + config.DefaultFile + " by default",
				EnvVars: []string{"PLUGHOST_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload plugin configs when the config file changes",
				Value: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err, 1)
			}
			if c.Bool("debug") {
				cfg.Debug = true
			}

			log, sync, err := logging.New(cfg.Debug)
			if err != nil {
				return cli.Exit(fmt.Errorf("error initializing logger: %w", err), 1)
			}
			defer sync()

			if _, err := config.NewValid(cfg, log); err != nil {
				return cli.Exit(fmt.Errorf("error validating config: %w", err), 1)
			}

			ctx, cancel := signalContext(c.Context, log)
			defer cancel()

			if err := serve(ctx, c.String("config"), c.Bool("watch"), cfg, log); err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}

// signalContext is cancelled on the first termination signal.
func signalContext(parent context.Context, log logr.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			log.Info("received signal, shutting down", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type server struct {
	cfg       *config.Config
	log       logr.Logger
	manager   *host.Manager
	policy    *host.StaticPolicy
	manifests []*plugin.Manifest
}

func serve(ctx context.Context, configPath string, watch bool, cfg *config.Config, log logr.Logger) error {
	manifests, errs := plugin.Discover(cfg.PluginDir)
	for _, err := range errs {
		log.Info("skipping plugin", "error", err.Error())
	}

	s := &server{
		cfg:       cfg,
		log:       log,
		manager:   host.NewManager(log),
		policy:    host.NewStaticPolicy(),
		manifests: manifests,
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.manager.Stop(stopCtx); err != nil {
			log.Error(err, "failed to stop workers")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range cfg.Instances {
		g.Go(func() error { return s.startInstance(gctx, inst) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if watch {
		path := configPath
		if path == "" {
			path = config.DefaultFile
		}
		if _, err := os.Stat(path); err == nil {
			if err := config.Watch(ctx, path, log.WithName("config"), func() error { return s.reload(ctx, configPath) }); err != nil {
				log.Error(err, "config file is not watched")
			}
		}
	}

	log.Info("plughost running", "instances", s.manager.Instances())
	<-ctx.Done()
	return nil
}

func (s *server) startInstance(ctx context.Context, inst config.Instance) error {
	codec, err := protocol.CodecByName(s.cfg.Codec)
	if err != nil {
		return err
	}
	for name, p := range inst.Plugins {
		s.policy.Allow(inst.ID, name, p.Permissions...)
	}

	var spawner host.Spawner
	if s.cfg.Worker.InProcess {
		spawner = &host.InProcessSpawner{Registry: builtin.Registry(), Logger: s.log}
	} else {
		spawner = &host.ProcessSpawner{
			Executable: s.cfg.Worker.Executable,
			SocketDir:  s.cfg.Worker.SocketDir,
			StopGrace:  s.cfg.Worker.StopGrace,
			Logger:     s.log.WithName("worker"),
		}
	}

	sup, err := host.NewSupervisor(host.Options{
		Instance:         inst.ID,
		PluginDir:        s.cfg.PluginDir,
		RCON:             inst.RCON,
		Spawner:          spawner,
		Codec:            codec,
		Configs:          store.NewMemoryConfigs(),
		Permissions:      s.policy,
		Logger:           s.log,
		ReadyTimeout:     s.cfg.Worker.ReadyTimeout,
		RequestTimeout:   s.cfg.Worker.RequestTimeout,
		BootstrapTimeout: s.cfg.Worker.BootstrapTimeout,
		LogRate:          rate.Limit(s.cfg.Worker.LogRate),
		LogBurst:         s.cfg.Worker.LogBurst,
		Debug:            s.cfg.Debug,
	})
	if err != nil {
		return err
	}
	if err := s.manager.Attach(sup); err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	started, err := s.manager.StartPlugins(ctx, inst.ID, s.units(inst)...)
	s.log.Info("instance ready", "instance", inst.ID, "plugins", started)
	if err != nil {
		// a plugin failing to start does not take the instance down
		s.log.Error(err, "some plugins failed to start", "instance", inst.ID)
	}
	return nil
}

// units returns the enabled plugins of inst sorted by name. Plugins without
// a manifest run a built-in entry of the same name.
func (s *server) units(inst config.Instance) []*plugin.Unit {
	var units []*plugin.Unit
	for _, name := range slices.Sorted(maps.Keys(inst.Plugins)) {
		p := inst.Plugins[name]
		if !p.IsEnabled() {
			continue
		}
		if m, ok := plugin.FindManifest(s.manifests, name); ok {
			units = append(units, m.Unit(p.Config))
			continue
		}
		units = append(units, plugin.NewUnit(name, "builtin", p.Config))
	}
	return units
}

func (s *server) reload(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := config.NewValid(cfg, s.log); err != nil {
		return err
	}

	var errs []error
	for _, inst := range cfg.Instances {
		if _, ok := s.manager.Get(inst.ID); !ok {
			s.log.Info("new instances need a restart", "instance", inst.ID)
			continue
		}
		for name, p := range inst.Plugins {
			s.policy.Reset(inst.ID, name)
			s.policy.Allow(inst.ID, name, p.Permissions...)
		}
		if err := s.manager.ApplyConfig(ctx, inst.ID, inst.PluginConfigs()); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}
