package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/snowmerak/plughost/lib/builtin"
	"github.com/snowmerak/plughost/lib/logging"
	"github.com/snowmerak/plughost/lib/plugin"
	"github.com/snowmerak/plughost/lib/protocol"
	"github.com/snowmerak/plughost/lib/rcon"
	"github.com/snowmerak/plughost/lib/transport"
	"github.com/snowmerak/plughost/lib/worker"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Run plugins for one instance; started by serve",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "plugin-dir", Usage: "Directory holding the plugin manifests"},
			&cli.StringFlag{Name: "instance", Usage: "Game server instance id", Required: true},
			&cli.StringFlag{Name: "session", Usage: "Session id assigned by the supervisor"},
			&cli.StringFlag{Name: "rcon-host", Usage: "Game server console host"},
			&cli.IntFlag{Name: "rcon-port", Usage: "Game server console port"},
			&cli.StringFlag{
				Name:    "rcon-password",
				Usage:   "Game server console password",
				EnvVars: []string{"PLUGHOST_RCON_PASSWORD"},
			},
			&cli.StringFlag{Name: "codec", Usage: "Envelope codec, binary or json", Value: protocol.CodecBinary},
			&cli.StringFlag{Name: "socket", Usage: "Unix socket to dial instead of using stdio"},
			&cli.DurationFlag{Name: "bootstrap-timeout", Usage: "How long to wait for the host", Value: worker.DefaultBootstrapTimeout},
			&cli.DurationFlag{Name: "poll-interval", Usage: "Game server poll interval, 0 disables polling", Value: rcon.DefaultPollInterval},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
		},
		Action: func(c *cli.Context) error {
			log, sync, err := logging.Worker(c.Bool("debug"))
			if err != nil {
				return cli.Exit(err, 1)
			}
			defer sync()
			log = log.WithValues("instance", c.String("instance"), "session", c.String("session"))

			codec, err := protocol.CodecByName(c.String("codec"))
			if err != nil {
				return cli.Exit(err, 1)
			}

			reg := builtin.Registry()
			if dir := c.String("plugin-dir"); dir != "" {
				manifests, errs := plugin.Discover(dir)
				for _, err := range errs {
					log.V(1).Info("skipping plugin", "error", err.Error())
				}
				for _, m := range manifests {
					if entry := m.Unit(nil).EntryName(); !hasEntry(reg, entry) {
						log.Info("plugin has no entry in this worker", "plugin", m.Name, "entry", entry)
					}
				}
			}

			var ch transport.Channel
			if path := c.String("socket"); path != "" {
				ch, err = transport.UnixSocket{Path: path, Codec: codec}.Dial(c.Context)
			} else {
				ch, err = transport.Stdio(codec)
			}
			if err != nil {
				return cli.Exit(fmt.Errorf("failed to open channel to host: %w", err), 1)
			}

			var bf rcon.Battlefield = rcon.Offline{Options: rcon.Options{
				Host:     c.String("rcon-host"),
				Port:     c.Int("rcon-port"),
				Password: c.String("rcon-password"),
			}}

			ctx, cancel := signalContext(c.Context, log)
			defer cancel()

			rt := worker.New(worker.Options{
				InstanceID:       c.String("instance"),
				Registry:         reg,
				Battlefield:      bf,
				Logger:           log,
				BootstrapTimeout: c.Duration("bootstrap-timeout"),
				PollInterval:     c.Duration("poll-interval"),
			})
			start := time.Now()
			err = rt.Run(ctx, ch)
			if errors.Is(err, worker.ErrBootstrapTimeout) {
				log.Error(err, "giving up", "waited", time.Since(start).Round(time.Millisecond).String())
				return cli.Exit(err, 1)
			}
			if err != nil {
				return cli.Exit(err, 1)
			}
			return nil
		},
	}
}

func hasEntry(reg *plugin.Registry, name string) bool {
	_, ok := reg.Lookup(name)
	return ok
}
