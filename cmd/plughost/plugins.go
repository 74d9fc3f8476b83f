package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/snowmerak/plughost/lib/plugin"
)

func pluginsCommand() *cli.Command {
	return &cli.Command{
		Name:      "plugins",
		Usage:     "List the plugins of a directory in start order",
		ArgsUsage: "[plugin-dir]",
		Action: func(c *cli.Context) error {
			dir := c.Args().First()
			if dir == "" {
				dir = "plugins"
			}
			manifests, errs := plugin.Discover(dir)
			for _, err := range errs {
				fmt.Fprintf(c.App.ErrWriter, "warning: %v\n", err)
			}

			units := make([]*plugin.Unit, len(manifests))
			for i, m := range manifests {
				units[i] = m.Unit(nil)
			}
			order, blocked := plugin.Order(units...)

			out := c.App.Writer
			for i, u := range order {
				line := fmt.Sprintf("%2d. %s %s", i+1, u.Name, u.Version)
				if len(u.RequiredDeps) > 0 {
					line += " requires " + strings.Join(u.RequiredDeps, ", ")
				}
				if len(u.OptionalDeps) > 0 {
					line += " wants " + strings.Join(u.OptionalDeps, ", ")
				}
				fmt.Fprintln(out, line)
			}
			for _, m := range blocked {
				fmt.Fprintf(out, "blocked: %s missing %s\n", m.Unit.Name, strings.Join(m.Missing, ", "))
			}
			if len(blocked) > 0 {
				return cli.Exit(fmt.Sprintf("%d plugin(s) cannot start", len(blocked)), 2)
			}
			return nil
		},
	}
}
