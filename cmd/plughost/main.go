package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "plughost",
		Usage: "Runs game server plugins in supervised worker processes.",
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			pluginsCommand(),
		},
	}
}
